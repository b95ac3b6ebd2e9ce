// Package agent builds the explicitly wired context every command and job
// runs against: driver, backend client, health tracker, locks, audit trail
// and metrics, all derived from one Config.
package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowagent-network/flowagent/pkg/api"
	"github.com/flowagent-network/flowagent/pkg/audit"
	"github.com/flowagent-network/flowagent/pkg/config"
	"github.com/flowagent-network/flowagent/pkg/controller"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/lock"
	"github.com/flowagent-network/flowagent/pkg/metrics"
	"github.com/flowagent-network/flowagent/pkg/reconcile"
	"github.com/flowagent-network/flowagent/pkg/scheduler"
	"github.com/flowagent-network/flowagent/pkg/stats"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// ProgramAll runs every enabled job.
const ProgramAll = "all"

// ShutdownTimeout bounds how long Run waits for in-flight jobs on exit.
const ShutdownTimeout = 2 * time.Minute

// Agent is the wired dependency graph.
type Agent struct {
	Config  *config.Config
	Locker  *lock.Locker
	Health  *health.Tracker
	Metrics *metrics.Metrics
	Audit   audit.Logger

	driver  device.Driver
	backend api.Backend
	closers []io.Closer
}

// Option overrides a component, mainly for tests.
type Option func(*Agent)

// WithDriver replaces the router driver.
func WithDriver(d device.Driver) Option {
	return func(a *Agent) { a.driver = d }
}

// WithBackend replaces the backend client.
func WithBackend(b api.Backend) Option {
	return func(a *Agent) { a.backend = b }
}

// WithHealthStore replaces the configured health store.
func WithHealthStore(s health.Store) Option {
	return func(a *Agent) { a.Health = health.NewTracker(s) }
}

// New wires an agent from cfg. The driver and backend client are built
// lazily so that commands touching only local state, such as health show,
// work without router credentials.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		Config:  cfg,
		Locker:  lock.NewLocker(cfg.LockDir),
		Metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.Health == nil {
		store, err := a.newHealthStore()
		if err != nil {
			return nil, err
		}
		a.Health = health.NewTracker(store)
	}
	a.Health.WithObserver(func(ch health.Channel, o health.Outcome, at time.Time) {
		a.Metrics.RecordChannel(string(ch), string(o), at)
	})

	if cfg.Audit.Enabled {
		logger, err := audit.NewFileLogger(cfg.Audit.Path, cfg.AuditRotation())
		if err != nil {
			util.Warnf("audit log disabled: %v", err)
		} else {
			a.Audit = logger
			a.closers = append(a.closers, logger)
		}
	}
	return a, nil
}

func (a *Agent) newHealthStore() (health.Store, error) {
	h := a.Config.Health
	switch h.Backend {
	case config.HealthBackendFile, "":
		return health.NewFileStore(h.Dir, a.Locker), nil
	case config.HealthBackendRedis:
		s := health.NewRedisStore(h.RedisAddr, h.RedisDB, h.RedisPrefix)
		a.closers = append(a.closers, s)
		return s, nil
	}
	return nil, fmt.Errorf("unknown health backend %q", h.Backend)
}

// Driver returns the router driver, building it on first use.
func (a *Agent) Driver() (device.Driver, error) {
	if a.driver != nil {
		return a.driver, nil
	}
	vendor, err := device.ParseVendor(a.Config.Vendor)
	if err != nil {
		return nil, err
	}
	d, err := device.New(vendor, a.Config.Router, a.Config.DeviceOptions(a.Locker))
	if err != nil {
		return nil, err
	}
	util.WithVendor(string(vendor)).Debugf("driver ready for %s", d.Credentials())
	a.driver = d
	return d, nil
}

// Backend returns the backend client, building it on first use.
func (a *Agent) Backend() (api.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	c, err := api.New(a.Config.URL, a.Config.Identifier, api.WithTimeout(a.Config.APITimeout.Std()))
	if err != nil {
		return nil, err
	}
	a.backend = c
	return c, nil
}

// Engine returns a reconciliation engine.
func (a *Agent) Engine() (*reconcile.Engine, error) {
	d, err := a.Driver()
	if err != nil {
		return nil, err
	}
	b, err := a.Backend()
	if err != nil {
		return nil, err
	}
	return &reconcile.Engine{
		Driver:         d,
		API:            b,
		Health:         a.Health,
		Metrics:        a.Metrics,
		Audit:          a.Audit,
		ProtectPending: a.Config.Sync.ProtectPending,
	}, nil
}

// Controller returns the fail-safe controller.
func (a *Agent) Controller() (*controller.Controller, error) {
	d, err := a.Driver()
	if err != nil {
		return nil, err
	}
	b, err := a.Backend()
	if err != nil {
		return nil, err
	}
	return &controller.Controller{
		Driver:             d,
		Health:             a.Health,
		API:                b,
		Threshold:          a.Config.Controller.Threshold.Std(),
		RemoveOnlyIfFailed: a.Config.Controller.RemoveOnlyIfFailed,
		Metrics:            a.Metrics,
		Audit:              a.Audit,
	}, nil
}

// StatsFetcher returns the statistics fetcher.
func (a *Agent) StatsFetcher() (*stats.Fetcher, error) {
	d, err := a.Driver()
	if err != nil {
		return nil, err
	}
	b, err := a.Backend()
	if err != nil {
		return nil, err
	}
	return &stats.Fetcher{Driver: d, API: b, Health: a.Health, Interface: a.Config.Interface}, nil
}

// Jobs returns the job functions by name.
func (a *Agent) Jobs() (map[string]scheduler.Func, error) {
	engine, err := a.Engine()
	if err != nil {
		return nil, err
	}
	ctrl, err := a.Controller()
	if err != nil {
		return nil, err
	}
	fetcher, err := a.StatsFetcher()
	if err != nil {
		return nil, err
	}
	return map[string]scheduler.Func{
		config.JobStatsFetcher: fetcher.Run,
		config.JobFlowsApplier: func(ctx context.Context) error {
			_, err := engine.RunApplyRemove(ctx, flow.TypeApplyRemove)
			return err
		},
		config.JobFlowsSync: func(ctx context.Context) error {
			_, err := engine.RunSync(ctx)
			return err
		},
		config.JobDeviceController: func(ctx context.Context) error {
			_, err := ctrl.Run(ctx)
			return err
		},
	}, nil
}

// mutating are the jobs that change router state.
var mutating = map[string]bool{
	config.JobFlowsApplier:     true,
	config.JobFlowsSync:        true,
	config.JobDeviceController: true,
}

// Scheduler registers the jobs selected by program: one job name, or
// ProgramAll for every enabled job. A job named explicitly runs even when
// disabled in the config. Read-only vendors only run stats_fetcher:
// ProgramAll skips the mutating jobs and naming one is an error.
func (a *Agent) Scheduler(program string, opts ...scheduler.Option) (*scheduler.Scheduler, error) {
	jobs, err := a.Jobs()
	if err != nil {
		return nil, err
	}
	d, err := a.Driver()
	if err != nil {
		return nil, err
	}
	vendor := d.Vendor()
	program = strings.ToLower(strings.TrimSpace(program))
	if program == "" {
		program = ProgramAll
	}
	if program != ProgramAll {
		if _, ok := jobs[program]; !ok {
			return nil, fmt.Errorf("unknown program %q (want %s or one of %s)", program, ProgramAll, strings.Join(config.JobNames, ", "))
		}
		if mutating[program] && !vendor.Mutable() {
			return nil, fmt.Errorf("%s: %w for vendor %s", program, util.ErrNotSupported, vendor)
		}
	}

	s := scheduler.New(append([]scheduler.Option{scheduler.WithMetrics(a.Metrics)}, opts...)...)
	for _, name := range config.JobNames {
		jc := a.Config.Job(name)
		switch {
		case program != ProgramAll && program != name:
			continue
		case program == ProgramAll && !jc.IsEnabled():
			util.WithJob(name, "").Info("disabled")
			continue
		case mutating[name] && !vendor.Mutable():
			util.WithJob(name, "").Infof("skipped, %s is read-only", vendor)
			continue
		}
		if err := s.Add(scheduler.Job{Name: name, Interval: jc.Interval.Std(), Run: jobs[name]}); err != nil {
			return nil, err
		}
	}
	if len(s.Jobs()) == 0 {
		return nil, fmt.Errorf("no jobs enabled")
	}
	return s, nil
}

// Run schedules program and blocks until ctx is done, then waits up to
// ShutdownTimeout for running jobs. The metrics endpoint is served when
// configured.
func (a *Agent) Run(ctx context.Context, program string, opts ...scheduler.Option) error {
	s, err := a.Scheduler(program, opts...)
	if err != nil {
		return err
	}

	if addr := a.Config.MetricsAddr; addr != "" {
		go func() {
			if err := a.Metrics.Serve(ctx, addr); err != nil {
				util.Errorf("metrics server: %v", err)
			}
		}()
	}

	// Jobs outlive the signal: a run in flight finishes its batch, and Stop
	// cancels it only once ShutdownTimeout has passed.
	s.Start(context.WithoutCancel(ctx))
	util.Infof("agent started: %d jobs", len(s.Jobs()))
	<-ctx.Done()
	util.Infof("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Close releases stores and the audit file.
func (a *Agent) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
