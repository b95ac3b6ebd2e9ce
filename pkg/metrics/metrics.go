// Package metrics exposes the agent's Prometheus metrics.
//
// Naming follows Prometheus conventions: flowagent_ prefix, _total for
// counters, _seconds for durations. Every method is safe on a nil *Metrics
// so callers can run without a registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowagent-network/flowagent/pkg/util"
)

const namespace = "flowagent"

// Result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds the agent's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	// FlowOperations counts router mutations by operation and result.
	FlowOperations *prometheus.CounterVec
	// StatusReports counts backend status updates by status and result.
	StatusReports *prometheus.CounterVec
	// JobRuns counts scheduled job executions by job and result.
	JobRuns *prometheus.CounterVec
	// JobDuration observes how long each job run took.
	JobDuration *prometheus.HistogramVec
	// ChannelTimestamp is the unix time of the last marker per channel and outcome.
	ChannelTimestamp *prometheus.GaugeVec
	// Purges counts fail-safe purges by the channel that triggered them.
	Purges *prometheus.CounterVec
	// RouterFlows is the number of owned flows seen on the router at the last read.
	RouterFlows prometheus.Gauge
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FlowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_operations_total",
			Help:      "Router flow operations by operation and result.",
		}, []string{"operation", "result"}),
		StatusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Flow status updates sent to the backend.",
		}, []string{"status", "result"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		ChannelTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_last_timestamp_seconds",
			Help:      "Unix time of the last success or failure per channel.",
		}, []string{"channel", "outcome"}),
		Purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Fail-safe purges by triggering channel.",
		}, []string{"channel"}),
		RouterFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_flows",
			Help:      "Owned flows observed on the router at the last read.",
		}),
	}
	m.registry.MustRegister(
		m.FlowOperations,
		m.StatusReports,
		m.JobRuns,
		m.JobDuration,
		m.ChannelTimestamp,
		m.Purges,
		m.RouterFlows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}

// RecordFlowOperation counts one apply, remove or purge attempt.
func (m *Metrics) RecordFlowOperation(op string, err error) {
	if m == nil {
		return
	}
	m.FlowOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordStatusReport counts one SetFlowStatus call.
func (m *Metrics) RecordStatusReport(status string, err error) {
	if m == nil {
		return
	}
	m.StatusReports.WithLabelValues(status, result(err)).Inc()
}

// RecordJob records a completed job run.
func (m *Metrics) RecordJob(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result(err)).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordChannel publishes a health marker timestamp. Zero times are skipped.
func (m *Metrics) RecordChannel(channel, outcome string, at time.Time) {
	if m == nil || at.IsZero() {
		return
	}
	m.ChannelTimestamp.WithLabelValues(channel, outcome).Set(float64(at.Unix()))
}

// RecordPurge counts a purge triggered by channel.
func (m *Metrics) RecordPurge(channel string) {
	if m == nil {
		return
	}
	m.Purges.WithLabelValues(channel).Inc()
}

// SetRouterFlows records the owned flow count from the last router read.
func (m *Metrics) SetRouterFlows(n int) {
	if m == nil {
		return
	}
	m.RouterFlows.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	util.Infof("metrics: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
