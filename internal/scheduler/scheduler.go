// Package scheduler drives the background work: one supervisor loop per
// configured instance plus cron maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// TaskFunc is the function signature for scheduled maintenance tasks.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes one cron-scheduled task.
type TaskConfig struct {
	ID         string
	Name       string
	Cron       string
	RunOnStart bool
	Func       TaskFunc
}

// TaskInfo reports task state for the status API.
type TaskInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Cron    string     `json:"cron"`
	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`
	Running bool       `json:"running"`
}

type taskEntry struct {
	config  TaskConfig
	job     gocron.Job
	lastRun *time.Time
	running bool
}

// CronRunner wraps gocron for the maintenance tasks.
type CronRunner struct {
	gocron gocron.Scheduler
	logger zerolog.Logger
	tasks  map[string]*taskEntry
	mu     sync.RWMutex
}

// NewCronRunner creates an empty cron runner.
func NewCronRunner(logger zerolog.Logger) (*CronRunner, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &CronRunner{
		gocron: gs,
		logger: logger.With().Str("component", "cron").Logger(),
		tasks:  make(map[string]*taskEntry),
	}, nil
}

// RegisterTask adds a cron task. IDs must be unique.
func (c *CronRunner) RegisterTask(config TaskConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[config.ID]; exists {
		return fmt.Errorf("task with ID %q already registered", config.ID)
	}

	job, err := c.gocron.NewJob(
		gocron.CronJob(config.Cron, false),
		gocron.NewTask(func() { c.executeTask(config.ID) }),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", config.ID, err)
	}

	c.tasks[config.ID] = &taskEntry{config: config, job: job}
	c.logger.Info().
		Str("id", config.ID).
		Str("cron", config.Cron).
		Msg("Registered task")
	return nil
}

func (c *CronRunner) executeTask(taskID string) {
	c.mu.Lock()
	entry, exists := c.tasks[taskID]
	if !exists || entry.running {
		c.mu.Unlock()
		return
	}
	entry.running = true
	c.mu.Unlock()

	startTime := time.Now()
	err := entry.config.Func(context.Background())

	c.mu.Lock()
	entry.running = false
	entry.lastRun = &startTime
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("id", taskID).
			Dur("duration", time.Since(startTime)).
			Msg("Task failed")
		return
	}
	c.logger.Debug().
		Str("id", taskID).
		Dur("duration", time.Since(startTime)).
		Msg("Task completed")
}

// Start begins cron scheduling and kicks off RunOnStart tasks.
func (c *CronRunner) Start() {
	c.gocron.Start()

	c.mu.RLock()
	var startup []string
	for id, entry := range c.tasks {
		if entry.config.RunOnStart {
			startup = append(startup, id)
		}
	}
	c.mu.RUnlock()

	for _, taskID := range startup {
		go c.executeTask(taskID)
	}
}

// Stop shuts the cron scheduler down.
func (c *CronRunner) Stop() error {
	return c.gocron.Shutdown()
}

// ListTasks returns the registered tasks with their run state.
func (c *CronRunner) ListTasks() []TaskInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(c.tasks))
	for _, entry := range c.tasks {
		info := TaskInfo{
			ID:      entry.config.ID,
			Name:    entry.config.Name,
			Cron:    entry.config.Cron,
			LastRun: entry.lastRun,
			Running: entry.running,
		}
		if nextRun, err := entry.job.NextRun(); err == nil {
			info.NextRun = &nextRun
		}
		tasks = append(tasks, info)
	}
	return tasks
}
