// Package scheduler runs the broker's periodic maintenance on robfig/cron:
// re-probing a degraded session, pruning the chat snapshot cache and
// enforcing activity log retention.
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

// Config holds maintenance schedules.
type Config struct {
	// ReprobeInterval is how often a degraded session is re-probed.
	// Zero disables the job. Default: 2m
	ReprobeInterval time.Duration `yaml:"reprobe_interval"`

	// CachePruneInterval is how often expired cache entries are dropped.
	// Zero disables the job. Default: 1m
	CachePruneInterval time.Duration `yaml:"cache_prune_interval"`

	// RetentionSpec is the cron expression or descriptor of the log
	// retention sweep. Empty disables it. Default: @daily
	RetentionSpec string `yaml:"retention_spec"`

	// JobTimeout bounds a single run. Default: 1m
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReprobeInterval:    2 * time.Minute,
		CachePruneInterval: time.Minute,
		RetentionSpec:      "@daily",
		JobTimeout:         time.Minute,
	}
}

// Every converts an interval into a cron descriptor.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// JobFunc is the body of a job.
type JobFunc func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Next      time.Time     `json:"next,omitempty"`
	LastRunAt *time.Time    `json:"lastRunAt,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Duration  time.Duration `json:"lastRunDuration,omitempty"`
	Runs      int           `json:"runs"`
}

type job struct {
	info    JobInfo
	fn      JobFunc
	entry   cron.EntryID
	running bool
}

// Scheduler runs named jobs on cron schedules. A job never overlaps itself:
// a tick that arrives while the previous run is active is skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		timeout: cfg.JobTimeout,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job under a unique name.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}
	entry, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	s.jobs[name] = &job{
		info:  JobInfo{Name: name, Schedule: schedule},
		fn:    fn,
		entry: entry,
	}
	s.logger.Debug("scheduler: job added", "name", name, "schedule", schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler: started", "jobs", len(s.Jobs()))
}

// Stop halts the schedule, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler: stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(name)
}

func (s *Scheduler) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if j.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler: skipping overlapping run", "name", name)
		return nil
	}
	j.running = true
	fn := j.fn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.running = false
	j.info.Runs++
	j.info.LastRunAt = &start
	j.info.Duration = elapsed
	j.info.LastError = ""
	if err != nil {
		j.info.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduler: job failed", "name", name, "duration", elapsed, "error", err)
		return err
	}
	s.logger.Debug("scheduler: job done", "name", name, "duration", elapsed)
	return nil
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := j.info
		info.Next = s.cron.Entry(j.entry).Next
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
