package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the unit of scheduled work. A returned error is logged and
// counted but never stops the schedule.
type JobFunc func(ctx context.Context) error

// JobState tracks execution history for one job.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

type job struct {
	name  string
	fn    JobFunc
	state JobState
}

// Scheduler runs named jobs on standard cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates a scheduler. Jobs are added with AddJob before Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With("component", "scheduler"),
		jobs:   make(map[string]*job),
	}
}

// AddJob registers fn to run on the given cron expression.
// Returns an error for invalid expressions or duplicate names.
func (s *Scheduler) AddJob(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, fn: fn}
	if _, err := s.cron.AddFunc(expr, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.jobs[name] = j
	s.logger.Info("job scheduled", "job", name, "expr", expr)
	return nil
}

// Start begins running scheduled jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))

	go func() {
		<-ctx.Done()
		stopped := s.cron.Stop()
		<-stopped.Done()
		s.logger.Info("scheduler stopped")
	}()
}

// TriggerNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.execute(j)
	return nil
}

// States returns a snapshot of all job states keyed by name.
func (s *Scheduler) States() map[string]JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobState, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.state
	}
	return out
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.state.LastRunAt = start
	j.state.RunCount++
	j.state.LastDuration = elapsed
	if err != nil {
		j.state.ErrorCount++
		j.state.LastError = err.Error()
	} else {
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", "job", j.name, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("job completed", "job", j.name, "duration", elapsed)
	}
}
