package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/pkg/logger"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Every builds a job firing at a fixed interval. Intervals below one second
// are rounded up by the cron scheduler.
func Every(name string, interval time.Duration, run func(ctx context.Context) error) Job {
	return Job{Name: name, Spec: "@every " + interval.String(), Run: run}
}

// Scheduler runs Jobs on a cron scheduler. A firing that overlaps a still
// running invocation of the same job is skipped.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	jobs []Job

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{log: logger.WithModule("maintenance")}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(
			cron.WithLogger(cron.DiscardLogger),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}
	return s
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("maintenance: job name and func are required")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("maintenance: job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("maintenance: job %s registered after start", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start schedules every registered job. Job contexts are cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
			s.cancel()
			return fmt.Errorf("maintenance: schedule %s: %w", job.Name, err)
		}
	}

	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	return s.cron.Stop()
}

// RunOnce executes every job sequentially and aggregates their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var errs error
	for _, job := range jobs {
		if err := job.Run(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errs
}

func (s *Scheduler) run(job Job) {
	if err := job.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
	}
}
