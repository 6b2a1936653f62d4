// Package scheduler runs workflows on cron schedules. Jobs live in memory
// and come from configuration; run state still persists through each run's
// own workspace.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the CLI's run entry point (avoids an engine import cycle).
type WorkflowRunner interface {
	RunScheduled(ctx context.Context, job Job) error
}

// Job is one scheduled workflow run.
type Job struct {
	Name      string
	Workflow  string // path to the workflow definition file
	Flow      string
	Params    map[string]any
	Cron      string
	Workspace string
}

// jobState tracks a registered job's schedule bookkeeping.
type jobState struct {
	job           Job
	schedule      cron.Schedule
	nextRunAt     time.Time
	lastRunAt     time.Time
	lastRunStatus string
}

// JobStatus is a read-only snapshot of a job's schedule state.
type JobStatus struct {
	Name          string    `json:"name"`
	Workflow      string    `json:"workflow"`
	Cron          string    `json:"cron"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	// TickInterval is how often due jobs are checked. 0 means one minute.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// Scheduler checks registered jobs on a ticker and runs those that are due.
type Scheduler struct {
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*jobState
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// New creates a Scheduler with standard five-field cron parsing.
func New(runner WorkflowRunner, opts Options) *Scheduler {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		jobs:     make(map[string]*jobState),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job, computing its first run time from now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduled job has no name")
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", job.Cron, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduled job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:       job,
		schedule:  schedule,
		nextRunAt: schedule.Next(time.Now().UTC()),
	}
	return nil
}

// Jobs returns schedule snapshots for all registered jobs, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		statuses = append(statuses, JobStatus{
			Name:          st.job.Name,
			Workflow:      st.job.Workflow,
			Cron:          st.job.Cron,
			NextRunAt:     st.nextRunAt,
			LastRunAt:     st.lastRunAt,
			LastRunStatus: st.lastRunStatus,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every registered job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if !st.nextRunAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		if !s.tryAcquire(st.job.Name) {
			continue // previous run still executing
		}
		s.runJob(ctx, st, now)
		s.release(st.job.Name)
	}
}

// runJob executes one job and updates its schedule bookkeeping.
func (s *Scheduler) runJob(ctx context.Context, st *jobState, now time.Time) {
	s.logger.Info("running scheduled job",
		slog.String("job", st.job.Name),
		slog.String("workflow", st.job.Workflow),
	)

	err := s.runner.RunScheduled(ctx, st.job)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", st.job.Name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	st.lastRunAt = now
	st.lastRunStatus = status
	st.nextRunAt = st.schedule.Next(now)
	s.mu.Unlock()
}

// tryAcquire marks the job in-flight unless it already is.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduling loop. The mutex is released
// before waiting so an in-progress tick can finish its bookkeeping.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
