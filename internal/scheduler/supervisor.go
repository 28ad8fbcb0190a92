package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/engine"
	"github.com/seekarr/seekarr/internal/timeutil"
)

const (
	// maxSleepSlice bounds each loop sleep so the heartbeat stays fresh and
	// shortened due times are noticed quickly.
	maxSleepSlice = 30 * time.Second

	lockRetryDelay = time.Second
	errorBackoff   = 5 * time.Second

	runHistoryKeep       = 500
	searchEventRetention = 7 * 24 * time.Hour
)

// Supervisor runs one loop per enabled instance and the daily maintenance
// job. A shared run lock serializes cycles across loops and the Web UI.
type Supervisor struct {
	eng      *engine.Engine
	log      zerolog.Logger
	runMu    *sync.Mutex
	progress engine.ProgressFunc
	cron     *CronRunner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor over a started engine. runMu is the process-wide
// run lock; progress may be nil.
func New(eng *engine.Engine, log zerolog.Logger, runMu *sync.Mutex, progress engine.ProgressFunc) (*Supervisor, error) {
	cron, err := NewCronRunner(log)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		eng:      eng,
		log:      log.With().Str("component", "supervisor").Logger(),
		runMu:    runMu,
		progress: progress,
		cron:     cron,
	}
	if err := cron.RegisterTask(TaskConfig{
		ID:         "maintenance",
		Name:       "State maintenance",
		Cron:       "17 3 * * *",
		RunOnStart: true,
		Func:       s.runMaintenance,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Tasks reports the cron task state for the status API.
func (s *Supervisor) Tasks() []TaskInfo { return s.cron.ListTasks() }

// Start launches the instance loops. force makes every loop run its first
// cycle immediately, ignoring due times and quiet hours.
func (s *Supervisor) Start(force bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	launch := func(appType string, instances []config.InstanceConfig) {
		for _, inst := range instances {
			if !inst.Enabled {
				continue
			}
			s.wg.Add(1)
			go func(appType string, inst config.InstanceConfig) {
				defer s.wg.Done()
				s.instanceLoop(ctx, appType, inst, force)
			}(appType, inst)
		}
	}
	launch("radarr", s.eng.Config().Radarr)
	launch("sonarr", s.eng.Config().Sonarr)

	s.cron.Start()
	s.log.Info().Bool("force", force).Msg("supervisor started")
}

// Stop signals every loop and waits for them to drain.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.cron.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("cron shutdown")
	}
	s.wg.Wait()
	s.log.Info().Msg("supervisor stopped")
}

func (s *Supervisor) instanceLoop(ctx context.Context, appType string, inst config.InstanceConfig, forceFirst bool) {
	log := s.log.With().Str("app", appType).Str("instance", inst.InstanceName).Logger()
	forceNext := forceFirst

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.eng.Store().SetSchedulerHeartbeat(ctx); err != nil {
			log.Warn().Err(err).Msg("heartbeat update failed")
		}

		if forceNext || s.eng.IsDue(ctx, appType, inst) {
			if !s.acquireRunLock(ctx) {
				return
			}
			_, err := s.eng.RunInstance(ctx, appType, inst.InstanceID, forceNext, s.progress)
			s.runMu.Unlock()
			forceNext = false
			if err != nil {
				log.Error().Err(err).Msg("instance sync failed")
				if !sleepCtx(ctx, errorBackoff) {
					return
				}
				continue
			}
		}

		if !sleepCtx(ctx, s.sleepUntilDue(ctx, appType, inst)) {
			return
		}
	}
}

// acquireRunLock takes the shared run lock, retrying until the context ends.
func (s *Supervisor) acquireRunLock(ctx context.Context) bool {
	for {
		if s.runMu.TryLock() {
			return true
		}
		if !sleepCtx(ctx, lockRetryDelay) {
			return false
		}
	}
}

func (s *Supervisor) sleepUntilDue(ctx context.Context, appType string, inst config.InstanceConfig) time.Duration {
	next, ok, err := s.eng.Store().NextSyncTime(ctx, appType, inst.InstanceID)
	if err != nil || !ok {
		return lockRetryDelay
	}
	due, parsed := timeutil.Parse(next)
	if !parsed {
		return lockRetryDelay
	}
	until := time.Until(due)
	if until < lockRetryDelay {
		return lockRetryDelay
	}
	if until > maxSleepSlice {
		return maxSleepSlice
	}
	return until
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runMaintenance prunes the rolling search-event log and old run history.
func (s *Supervisor) runMaintenance(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-searchEventRetention)
	pruned, err := s.eng.Store().PruneSearchEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Debug().Int64("pruned", pruned).Msg("search events pruned")
	}
	return s.eng.Store().PruneRunHistory(ctx, runHistoryKeep)
}
