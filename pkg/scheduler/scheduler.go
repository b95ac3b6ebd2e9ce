// Package scheduler runs the agent's jobs on fixed intervals.
//
// Each job runs at most once at a time: a tick that arrives while the
// previous run is still going is skipped, not queued. Different jobs run
// concurrently. A panicking job is logged and rescheduled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/flowagent-network/flowagent/pkg/metrics"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// DefaultFirstRun is the delay between Start and the first run of every job.
const DefaultFirstRun = 2 * time.Second

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a named function run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFirstRun overrides DefaultFirstRun.
func WithFirstRun(d time.Duration) Option {
	return func(s *Scheduler) { s.firstRun = d }
}

// WithMetrics records job runs and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []Job
	names    map[string]bool
	firstRun time.Duration
	metrics  *metrics.Metrics

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{names: make(map[string]bool), firstRun: DefaultFirstRun}
	for _, opt := range opts {
		opt(s)
	}
	logger := cronLogger{entry: util.WithField("component", "scheduler")}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.started:
		return errors.New("scheduler already started")
	case job.Name == "":
		return errors.New("job name is required")
	case job.Run == nil:
		return fmt.Errorf("job %s has no function", job.Name)
	case job.Interval <= 0:
		return fmt.Errorf("job %s: interval must be positive, got %s", job.Name, job.Interval)
	case s.names[job.Name]:
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.names[job.Name] = true
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Start schedules every job: first after the first-run delay, then every
// interval. Job functions receive a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	first := time.Now().Add(s.firstRun)
	for _, job := range s.jobs {
		s.cron.Schedule(&interval{first: first, every: job.Interval}, s.wrap(job))
		util.WithJob(job.Name, "").Infof("scheduled every %s", job.Interval)
	}
	s.cron.Start()
}

// Stop stops scheduling new runs and waits for in-flight runs to return,
// or for ctx to end. The job context is cancelled on return either way.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()
	defer cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		util.Infof("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) wrap(job Job) cron.Job {
	return cron.FuncJob(func() {
		start := time.Now()
		err := job.Run(s.ctx)
		d := time.Since(start)
		s.metrics.RecordJob(job.Name, d, err)

		log := util.WithJob(job.Name, "").WithField("duration", d.Round(time.Millisecond))
		if err != nil {
			log.Errorf("run failed: %v", err)
			return
		}
		log.Debug("run finished")
	})
}

// interval fires once at first and then every period after the previous
// activation.
type interval struct {
	first time.Time
	every time.Duration
}

func (i *interval) Next(t time.Time) time.Time {
	if t.Before(i.first) {
		return i.first
	}
	return t.Add(i.every)
}

// cronLogger adapts logrus to cron.Logger. cron's routine messages are
// debug level.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
