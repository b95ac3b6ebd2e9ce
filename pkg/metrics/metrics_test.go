package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFlowOperation(t *testing.T) {
	m := New()
	m.RecordFlowOperation("apply", nil)
	m.RecordFlowOperation("apply", nil)
	m.RecordFlowOperation("apply", errors.New("boom"))

	if got := testutil.ToFloat64(m.FlowOperations.WithLabelValues("apply", ResultOK)); got != 2 {
		t.Errorf("apply ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FlowOperations.WithLabelValues("apply", ResultFailed)); got != 1 {
		t.Errorf("apply failed = %v, want 1", got)
	}
}

func TestRecordJob(t *testing.T) {
	m := New()
	m.RecordJob("flows_sync", 2*time.Second, nil)

	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("flows_sync", ResultOK)); got != 1 {
		t.Errorf("job runs = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.JobDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRecordChannel(t *testing.T) {
	m := New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.RecordChannel("router", "success", at)
	m.RecordChannel("api", "failure", time.Time{})

	if got := testutil.ToFloat64(m.ChannelTimestamp.WithLabelValues("router", "success")); got != float64(at.Unix()) {
		t.Errorf("router success = %v, want %v", got, at.Unix())
	}
	if n := testutil.CollectAndCount(m.ChannelTimestamp); n != 1 {
		t.Errorf("zero timestamp should not create a series, got %d series", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordFlowOperation("apply", nil)
	m.RecordStatusReport("applied", nil)
	m.RecordJob("x", time.Second, nil)
	m.RecordChannel("router", "success", time.Now())
	m.RecordPurge("router")
	m.SetRouterFlows(3)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetRouterFlows(4)
	m.RecordPurge("api")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"flowagent_router_flows 4",
		`flowagent_purges_total{channel="api"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
