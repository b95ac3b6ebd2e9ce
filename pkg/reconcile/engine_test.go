package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowagent-network/flowagent/internal/testutil"
	"github.com/flowagent-network/flowagent/pkg/audit"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/metrics"
	"github.com/flowagent-network/flowagent/pkg/util"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newEngine(d *testutil.FakeDriver, b *testutil.FakeBackend) *Engine {
	return &Engine{
		Driver: d,
		API:    b,
		Health: health.NewTracker(health.NewMemoryStore()).WithClock(func() time.Time { return testNow }),
	}
}

func flows(status flow.Status, ids ...string) []*flow.Flow {
	out := make([]*flow.Flow, len(ids))
	for i, id := range ids {
		out[i] = &flow.Flow{ID: id, Status: status, ApplyAction: flow.ActionDiscard}
	}
	return out
}

// mutations returns the apply/remove calls, dropping reads.
func mutations(d *testutil.FakeDriver) []string {
	var out []string
	for _, c := range d.Calls {
		if c != "read" {
			out = append(out, c)
		}
	}
	return out
}

func TestRunApplyRemove_Scenario(t *testing.T) {
	d := testutil.NewFakeDriver("f2")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplyRemove] = append(flows(flow.StatusApply, "f1"), flows(flow.StatusRemove, "f2")...)
	e := newEngine(d, b)

	res, err := e.RunApplyRemove(context.Background(), flow.TypeApplyRemove)
	if err != nil {
		t.Fatalf("RunApplyRemove() error = %v", err)
	}
	if res.Attempted != 2 || res.Applied != 1 || res.Removed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("router owned = %v, want [f1]", got)
	}
	want := []testutil.StatusUpdate{{ID: "f1", Status: flow.StatusApplied}, {ID: "f2", Status: flow.StatusRemoved}}
	if !reflect.DeepEqual(b.Updates, want) {
		t.Errorf("status updates = %+v, want %+v", b.Updates, want)
	}
	if res.RunID == "" {
		t.Error("RunID not set")
	}
}

func TestRunApplyRemove_PartialFailureAttemptsAll(t *testing.T) {
	const n = 6
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("f%d", i)
	}
	failing := map[string]bool{}
	for i := 1; i < n; i += 2 {
		failing[ids[i]] = true
	}

	d := testutil.NewFakeDriver()
	d.ApplyErr = func(f *flow.Flow) error {
		if failing[f.ID] {
			return errors.New("trap: failure")
		}
		return nil
	}
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, ids...)
	e := newEngine(d, b)

	res, err := e.RunApplyRemove(context.Background(), flow.TypeApply)
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Attempted != n || res.Failed != n/2 || res.Applied != n/2 {
		t.Errorf("result = %+v", res)
	}

	var want []string
	for _, id := range ids {
		want = append(want, "apply "+id)
	}
	if got := mutations(d); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	for _, u := range b.Updates {
		if failing[u.ID] {
			t.Errorf("status reported for failed flow %s", u.ID)
		}
	}
	if len(b.Updates) != n/2 {
		t.Errorf("got %d status updates, want %d", len(b.Updates), n/2)
	}

	rec, _ := e.Health.Read(context.Background(), health.ChannelRouter)
	if rec.LastSuccess.IsZero() || rec.LastFailure.IsZero() {
		t.Errorf("router health = %+v, want both markers set", rec)
	}
}

func TestRunApplyRemove_LegacyStatus(t *testing.T) {
	d := testutil.NewFakeDriver("old")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplyRemove] = append(
		flows(flow.StatusModerationApproved, "new"),
		flows(flow.StatusRemovedModerationApproved, "old")...)
	e := newEngine(d, b)

	if _, err := e.RunApplyRemove(context.Background(), flow.TypeApplyRemove); err != nil {
		t.Fatalf("RunApplyRemove() error = %v", err)
	}
	want := []string{"apply new", "remove old"}
	if got := mutations(d); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRunApplyRemove_InvalidStatusCounted(t *testing.T) {
	d := testutil.NewFakeDriver()
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = append(flows("bogus", "x"), flows(flow.StatusApply, "y")...)
	e := newEngine(d, b)

	res, err := e.RunApplyRemove(context.Background(), flow.TypeApply)
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Attempted != 2 || res.Failed != 1 || res.Applied != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunApplyRemove_FetchFailure(t *testing.T) {
	d := testutil.NewFakeDriver()
	b := testutil.NewFakeBackend()
	b.FlowsErr = errors.New("connection refused")
	e := newEngine(d, b)

	_, err := e.RunApplyRemove(context.Background(), flow.TypeApplyRemove)
	if !errors.Is(err, util.ErrAPICommunication) {
		t.Fatalf("error = %v, want ErrAPICommunication", err)
	}
	rec, _ := e.Health.Read(context.Background(), health.ChannelAPI)
	if !rec.LastFailure.Equal(testNow) || !rec.LastSuccess.IsZero() {
		t.Errorf("api health = %+v", rec)
	}
	if len(d.Calls) != 0 {
		t.Errorf("router touched after fetch failure: %v", d.Calls)
	}
}

func TestRunApplyRemove_UndecodableRecordsCounted(t *testing.T) {
	d := testutil.NewFakeDriver()
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, "ok1", "ok2")
	b.Undecodable = map[flow.Type]int{flow.TypeApply: 1}
	e := newEngine(d, b)

	res, err := e.RunApplyRemove(context.Background(), flow.TypeApply)
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Attempted != 3 || res.Applied != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"ok1", "ok2"}) {
		t.Errorf("router owned = %v, want [ok1 ok2]", got)
	}
	rec, _ := e.Health.Read(context.Background(), health.ChannelAPI)
	if !rec.LastSuccess.Equal(testNow) || !rec.LastFailure.IsZero() {
		t.Errorf("api health = %+v, want success only", rec)
	}
}

func TestRunApplyRemove_ReportFailure(t *testing.T) {
	d := testutil.NewFakeDriver()
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, "f1")
	b.StatusErr = errors.New("HTTP 500")
	e := newEngine(d, b)

	res, err := e.RunApplyRemove(context.Background(), flow.TypeApply)
	if err != nil {
		t.Fatalf("RunApplyRemove() error = %v", err)
	}
	if res.Applied != 1 || res.ReportFailed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	rec, _ := e.Health.Read(context.Background(), health.ChannelAPI)
	if rec.LastFailure.IsZero() {
		t.Error("api failure marker not recorded")
	}
}

func TestRunApplyRemove_InvalidType(t *testing.T) {
	e := newEngine(testutil.NewFakeDriver(), testutil.NewFakeBackend())
	if _, err := e.RunApplyRemove(context.Background(), flow.TypeApplied); err == nil {
		t.Error("expected error for applied type")
	}
}

func TestRunSync_Converges(t *testing.T) {
	d := testutil.NewFakeDriver("b", "c")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplied] = flows(flow.StatusApplied, "a", "b")
	e := newEngine(d, b)

	res, err := e.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if res.Applied != 1 || res.Removed != 1 || res.Attempted != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("router owned = %v, want [a b]", got)
	}
	want := []testutil.StatusUpdate{{ID: "a", Status: flow.StatusApplied}, {ID: "c", Status: flow.StatusRemoved}}
	if !reflect.DeepEqual(b.Updates, want) {
		t.Errorf("status updates = %+v, want %+v", b.Updates, want)
	}
}

func TestRunSync_ReportsOnlySuccessfulRepairs(t *testing.T) {
	d := testutil.NewFakeDriver("stale")
	d.ApplyErr = func(f *flow.Flow) error { return errors.New("rejected") }
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplied] = flows(flow.StatusApplied, "missing")
	e := newEngine(d, b)

	res, err := e.RunSync(context.Background())
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Failed != 1 || res.Removed != 1 {
		t.Errorf("result = %+v", res)
	}
	want := []testutil.StatusUpdate{{ID: "stale", Status: flow.StatusRemoved}}
	if !reflect.DeepEqual(b.Updates, want) {
		t.Errorf("status updates = %+v, want %+v", b.Updates, want)
	}
}

func TestRunSync_ReportFailureCounted(t *testing.T) {
	d := testutil.NewFakeDriver("extra")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplied] = flows(flow.StatusApplied, "new")
	b.StatusErr = errors.New("HTTP 502")
	e := newEngine(d, b)

	res, err := e.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if res.Applied != 1 || res.Removed != 1 || res.ReportFailed != 2 {
		t.Errorf("result = %+v", res)
	}
	rec, _ := e.Health.Read(context.Background(), health.ChannelAPI)
	if !rec.LastFailure.Equal(testNow) {
		t.Errorf("api failure marker = %v", rec.LastFailure)
	}
}

func TestRunSync_UndecodableKeepsUnmatched(t *testing.T) {
	d := testutil.NewFakeDriver("known", "unknown")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplied] = flows(flow.StatusApplied, "known", "new")
	b.Undecodable = map[flow.Type]int{flow.TypeApplied: 1}
	e := newEngine(d, b)

	res, err := e.RunSync(context.Background())
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Applied != 1 || res.Removed != 0 || res.Failed != 1 || res.Attempted != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"known", "new", "unknown"}) {
		t.Errorf("router owned = %v, want [known new unknown]", got)
	}
}

func TestRunSync_Idempotent(t *testing.T) {
	d := testutil.NewFakeDriver("x", "y")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApplied] = flows(flow.StatusApplied, "y", "z")
	e := newEngine(d, b)

	if _, err := e.RunSync(context.Background()); err != nil {
		t.Fatalf("first RunSync() error = %v", err)
	}
	before := len(mutations(d))

	res, err := e.RunSync(context.Background())
	if err != nil {
		t.Fatalf("second RunSync() error = %v", err)
	}
	if after := len(mutations(d)); after != before {
		t.Errorf("second run made %d mutations: %v", after-before, mutations(d)[before:])
	}
	if res.Attempted != 0 {
		t.Errorf("second run attempted %d", res.Attempted)
	}
}

func TestRunSync_ProtectPending(t *testing.T) {
	d := testutil.NewFakeDriver("keep", "drop")
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, "keep")
	e := newEngine(d, b)
	e.ProtectPending = true

	if _, err := e.RunSync(context.Background()); err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"keep"}) {
		t.Errorf("router owned = %v, want [keep]", got)
	}
}

func TestRunSync_RouterReadFailure(t *testing.T) {
	d := testutil.NewFakeDriver()
	d.ReadErr = errors.New("no route to host")
	b := testutil.NewFakeBackend()
	e := newEngine(d, b)

	_, err := e.RunSync(context.Background())
	if !errors.Is(err, util.ErrRouterCommunication) {
		t.Fatalf("error = %v, want ErrRouterCommunication", err)
	}
	rec, _ := e.Health.Read(context.Background(), health.ChannelRouter)
	if !rec.LastFailure.Equal(testNow) {
		t.Errorf("router failure marker = %v", rec.LastFailure)
	}
}

func TestRunSync_RemoveFailureContinues(t *testing.T) {
	d := testutil.NewFakeDriver("r1", "r2", "r3")
	d.RemoveErr = func(f *flow.Flow) error {
		if f.ID == "r2" {
			return errors.New("busy")
		}
		return nil
	}
	e := newEngine(d, testutil.NewFakeBackend())

	res, err := e.RunSync(context.Background())
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("error = %v, want ErrPartialFailure", err)
	}
	if res.Removed != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"r2"}) {
		t.Errorf("router owned = %v, want [r2]", got)
	}
}

func TestEngine_AuditAndMetrics(t *testing.T) {
	logger, err := audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), audit.RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	d := testutil.NewFakeDriver()
	d.ApplyErr = func(f *flow.Flow) error {
		if f.ID == "bad" {
			return errors.New("rejected")
		}
		return nil
	}
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, "good", "bad")
	e := newEngine(d, b)
	e.Audit = logger
	e.Metrics = metrics.New()

	res, _ := e.RunApplyRemove(context.Background(), flow.TypeApply)

	events, err := logger.Query(audit.Filter{RunID: res.RunID})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d audit events, want 2", len(events))
	}
	if events[0].FlowID != "good" || !events[0].Success || events[0].Job != JobApplier {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Success || !strings.Contains(events[1].Error, "rejected") {
		t.Errorf("second event = %+v", events[1])
	}
	if events[0].Router != "192.0.2.1" {
		t.Errorf("Router = %q", events[0].Router)
	}

	if got := promtest.ToFloat64(e.Metrics.FlowOperations.WithLabelValues("apply", metrics.ResultFailed)); got != 1 {
		t.Errorf("failed apply metric = %v, want 1", got)
	}
	if got := promtest.ToFloat64(e.Metrics.StatusReports.WithLabelValues("applied", metrics.ResultOK)); got != 1 {
		t.Errorf("status report metric = %v, want 1", got)
	}
}

func TestRunApplyRemove_CancelledContext(t *testing.T) {
	d := testutil.NewFakeDriver()
	b := testutil.NewFakeBackend()
	b.Flows[flow.TypeApply] = flows(flow.StatusApply, "a", "b")
	e := newEngine(d, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.RunApplyRemove(ctx, flow.TypeApply)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(mutations(d)) != 0 {
		t.Errorf("mutations after cancel: %v", mutations(d))
	}
}
