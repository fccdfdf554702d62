package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"impact_verifier/pkg/config"
	"impact_verifier/pkg/utils"
)

// JobStatus is the outcome of a job's latest run.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Schedules take an optional leading seconds field and descriptors such
// as @every 30s.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is a recurring unit of keeper work.
type Job struct {
	ID         string
	Name       string
	Schedule   string
	MaxRetries int
	// Permanent reports errors that retrying cannot fix.
	Permanent func(error) bool
	Run       func(context.Context) error

	Status       JobStatus
	Error        error
	LastRun      time.Time
	LastDuration time.Duration
	NextRun      time.Time
	// RetryCount is the number of retries the latest run needed.
	RetryCount int
	Runs       int
	Failures   int

	entry cron.EntryID
}

// Stats summarises scheduler activity.
type Stats struct {
	Jobs           int
	Running        int
	Runs           int
	Failures       int
	AverageLatency time.Duration
}

// Scheduler runs jobs on cron schedules with bounded concurrency and
// per-run retries.
type Scheduler struct {
	cron    *cron.Cron
	clock   clock.Clock
	config  *config.SchedConfig
	logger  *zap.Logger
	workers chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*Job
	latency time.Duration
}

// NewScheduler creates a scheduler. Run timestamps come from clk; cron
// itself always fires on wall-clock time.
func NewScheduler(cfg *config.SchedConfig, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(zap.String("component", "scheduler"))

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	cronLogger := cronLogAdapter{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
			cron.WithLogger(cronLogger),
		),
		clock:   clk,
		config:  cfg,
		logger:  logger,
		workers: make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", cap(s.workers)),
		zap.Int("jobs", len(s.Jobs())))
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// ScheduleJob validates and registers a job.
func (s *Scheduler) ScheduleJob(job *Job) error {
	if err := validateJob(job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := s.addEntry(job, job.Schedule); err != nil {
		return err
	}
	job.Status = JobStatusPending
	s.jobs[job.ID] = job

	s.logger.Info("Job scheduled",
		zap.String("jobID", job.ID),
		zap.String("schedule", job.Schedule),
		zap.Time("nextRun", job.NextRun))
	return nil
}

// Reschedule replaces a job's schedule.
func (s *Scheduler) Reschedule(id, schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	old := job.entry
	if err := s.addEntry(job, schedule); err != nil {
		return err
	}
	s.cron.Remove(old)
	job.Schedule = schedule

	s.logger.Info("Job rescheduled",
		zap.String("jobID", id),
		zap.String("schedule", schedule),
		zap.Time("nextRun", job.NextRun))
	return nil
}

// UnscheduleJob removes a job.
func (s *Scheduler) UnscheduleJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	s.cron.Remove(job.entry)
	delete(s.jobs, id)

	s.logger.Info("Job unscheduled", zap.String("jobID", id))
	return nil
}

// RunNow runs a job immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	return s.execute(ctx, job)
}

// Job returns a snapshot of a job.
func (s *Scheduler) Job(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	return *job, nil
}

// Jobs returns snapshots of every job ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns counters across all jobs.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Jobs: len(s.jobs), AverageLatency: s.latency}
	for _, job := range s.jobs {
		st.Runs += job.Runs
		st.Failures += job.Failures
		if job.Status == JobStatusRunning {
			st.Running++
		}
	}
	return st
}

// addEntry registers job with cron under schedule. Callers hold s.mu.
func (s *Scheduler) addEntry(job *Job, schedule string) error {
	id, err := s.cron.AddFunc(schedule, func() {
		_ = s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("scheduling job: %w", err)
	}
	job.entry = id
	job.NextRun = s.cron.Entry(id).Next
	return nil
}

func (s *Scheduler) execute(ctx context.Context, job *Job) error {
	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-ctx.Done():
		return ctx.Err()
	}

	start := s.clock.Now()
	s.mu.Lock()
	job.Status = JobStatusRunning
	job.LastRun = start
	s.mu.Unlock()

	attempts, err := s.runWithRetries(ctx, job)
	elapsed := s.clock.Since(start)

	s.mu.Lock()
	job.Runs++
	job.RetryCount = attempts - 1
	job.LastDuration = elapsed
	job.Error = err
	if err != nil {
		job.Status = JobStatusFailed
		job.Failures++
	} else {
		job.Status = JobStatusComplete
	}
	job.NextRun = s.cron.Entry(job.entry).Next
	s.latency = (s.latency*9 + elapsed) / 10
	s.mu.Unlock()

	s.logger.Info("Job run completed",
		zap.String("jobID", job.ID),
		zap.Int("attempts", attempts),
		zap.Duration("duration", elapsed),
		zap.Error(err))
	return err
}

func (s *Scheduler) runWithRetries(ctx context.Context, job *Job) (int, error) {
	retry := &utils.RetryConfig{
		MaxAttempts:      job.MaxRetries + 1,
		InitialDelay:     s.config.RetryDelay,
		MaxDelay:         4 * s.config.RetryDelay,
		BackoffFactor:    2.0,
		Permanent:        job.Permanent,
		MaxJitterPercent: 0.1,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("Job attempt failed, retrying",
				zap.String("jobID", job.ID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}

	attempts := 0
	err := utils.RetryWithBackoff(ctx, func() error {
		attempts++
		return s.runOnce(ctx, job)
	}, retry)
	return attempts, err
}

// runOnce converts a panicking job into a failed attempt.
func (s *Scheduler) runOnce(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return job.Run(ctx)
}

func validateJob(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}
	if job.Run == nil {
		return fmt.Errorf("job run function cannot be nil")
	}
	if job.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if _, err := scheduleParser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

// cronLogAdapter routes cron's own logging through zap.
type cronLogAdapter struct {
	logger *zap.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
