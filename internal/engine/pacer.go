package engine

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces out search triggers across all instances. The scheduler's run
// lock already serializes cycles; the pacer keeps actions from bunching up
// when due instances run back-to-back.
type Pacer struct {
	mu         sync.Mutex
	lastAction time.Time
}

// NewPacer returns a pacer with no prior action recorded.
func NewPacer() *Pacer {
	return &Pacer{}
}

// Wait blocks until at least seconds have elapsed since the last recorded
// action, or the context is cancelled.
func (p *Pacer) Wait(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastAction.IsZero() {
		return nil
	}
	wait := time.Until(p.lastAction.Add(time.Duration(seconds) * time.Second))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mark records that an action was just issued.
func (p *Pacer) Mark() {
	p.mu.Lock()
	p.lastAction = time.Now()
	p.mu.Unlock()
}
