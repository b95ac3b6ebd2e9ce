// Package reconcile converges the router's owned flow-spec rules with the
// state declared by the backend.
//
// Two modes drive it. RunApplyRemove acts on pending backend transitions
// (apply, remove) and reports the terminal status once the router accepted
// the change. RunSync is a full outer join between the backend's applied
// set and the router's owned set, and repairs drift in either direction.
//
// Flows within a run are handled strictly one at a time in fetch order. A
// failing flow is counted and logged; it never stops the batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowagent-network/flowagent/pkg/api"
	"github.com/flowagent-network/flowagent/pkg/audit"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/metrics"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// Job names used in logs, audit events and the scheduler.
const (
	JobApplier = "flows_applier"
	JobSync    = "flows_sync"
)

// Engine reconciles one router against one backend identifier.
type Engine struct {
	Driver device.Driver
	API    api.Backend
	Health *health.Tracker

	// Metrics and Audit are optional.
	Metrics *metrics.Metrics
	Audit   audit.Logger

	// ProtectPending keeps flows the backend still lists as pending apply
	// out of the sync removal set.
	ProtectPending bool
}

// Result summarizes one run. Applied and Removed count router mutations
// that succeeded; Failed counts flows whose router mutation failed.
// ReportFailed counts successful mutations whose status update to the
// backend failed; the backend keeps the old status and the flow is
// revisited next cycle.
type Result struct {
	RunID        string
	Attempted    int
	Applied      int
	Removed      int
	Failed       int
	ReportFailed int
	Duration     time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("attempted: %d, applied: %d, removed: %d, failed: %d",
		r.Attempted, r.Applied, r.Removed, r.Failed)
}

// err converts the counters to the batch outcome.
func (r *Result) err(op string) error {
	if r.Failed > 0 {
		return util.NewPartialFailureError(op, r.Attempted, r.Failed)
	}
	return nil
}

// run is the per-invocation state shared by both modes.
type run struct {
	e      *Engine
	job    string
	result *Result
	log    *logrus.Entry
	start  time.Time
}

func (e *Engine) newRun(job string) *run {
	id := uuid.NewString()
	return &run{
		e:      e,
		job:    job,
		result: &Result{RunID: id},
		log:    util.WithJob(job, id).WithField("vendor", e.Driver.Vendor()),
		start:  time.Now(),
	}
}

func (r *run) finish() *Result {
	r.result.Duration = time.Since(r.start)
	return r.result
}

// RunApplyRemove fetches backend flows of flowType and applies or removes
// each according to its status. The returned error wraps
// util.ErrPartialFailure when at least one flow failed; a failed fetch
// returns the fetch error and no result counts.
func (e *Engine) RunApplyRemove(ctx context.Context, flowType flow.Type) (*Result, error) {
	r := e.newRun(JobApplier)
	switch flowType {
	case flow.TypeApply, flow.TypeRemove, flow.TypeApplyRemove:
	default:
		return r.finish(), fmt.Errorf("flow type %q is not valid for apply/remove", flowType)
	}

	flows, skipped, err := r.fetch(ctx, flowType)
	if err != nil {
		return r.finish(), err
	}
	r.result.Attempted += skipped
	r.result.Failed += skipped
	if len(flows) == 0 {
		r.log.Debug("no flows to handle")
		return r.finish(), nil
	}

	for _, f := range flows {
		if ctx.Err() != nil {
			break
		}
		r.result.Attempted++
		st, err := flow.NormalizeStatus(f.Status)
		if err != nil {
			r.log.WithField("flow", f.ID).Warnf("skipping flow: %v", err)
			r.result.Failed++
			continue
		}
		f.Status = st
		switch st {
		case flow.StatusApply:
			if r.apply(ctx, f) {
				r.report(ctx, f, flow.StatusApplied)
			}
		case flow.StatusRemove:
			if r.remove(ctx, f) {
				r.report(ctx, f, flow.StatusRemoved)
			}
		}
	}

	r.log.Infof("apply/remove finished: %s", r.result)
	res := r.finish()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, res.err(JobApplier)
}

// RunSync makes the router's owned set equal to the backend's applied set.
// Declared flows missing from the router are applied; owned router flows
// the backend does not declare are removed. Each repair is reported to the
// backend like an apply/remove transition. Flows already in place are left
// untouched, so a second run on an unchanged system performs no mutation.
func (e *Engine) RunSync(ctx context.Context) (*Result, error) {
	r := e.newRun(JobSync)

	declared, skipped, err := r.fetch(ctx, flow.TypeApplied)
	if err != nil {
		return r.finish(), err
	}
	r.result.Attempted += skipped
	r.result.Failed += skipped
	// An undecodable record may be the declaration of an owned router
	// flow; removing extraneous flows is only safe with the full set.
	complete := skipped == 0

	var pending map[string]*flow.Flow
	if e.ProtectPending {
		p, skipped, err := r.fetch(ctx, flow.TypeApply)
		if err != nil {
			return r.finish(), err
		}
		complete = complete && skipped == 0
		pending = flow.IndexByID(p)
	}

	rf, err := e.Driver.GetFlowsFromRouter(ctx, device.ReadOptions{IPType: device.IPv4, WithNumber: true})
	e.Health.Observe(ctx, health.ChannelRouter, err)
	if err != nil {
		r.log.Errorf("reading router flows: %v", err)
		return r.finish(), err
	}
	e.Metrics.SetRouterFlows(len(rf.Flows))
	r.log.Debugf("backend declares %d applied flows, router holds %d owned flows", len(declared), len(rf.Flows))

	extraneous := flow.IndexByID(rf.Flows)
	for _, f := range declared {
		if ctx.Err() != nil {
			break
		}
		if _, ok := extraneous[f.ID]; ok {
			delete(extraneous, f.ID)
			continue
		}
		r.result.Attempted++
		if r.apply(ctx, f) {
			r.report(ctx, f, flow.StatusApplied)
		}
	}

	if !complete && len(extraneous) > 0 {
		r.log.Warnf("backend returned undecodable flows, keeping %d unmatched router flows", len(extraneous))
		extraneous = nil
	}

	// Router order is the read order; keep it for removals.
	for _, f := range rf.Flows {
		if ctx.Err() != nil {
			break
		}
		if _, ok := extraneous[f.ID]; !ok {
			continue
		}
		delete(extraneous, f.ID)
		if _, ok := pending[f.ID]; ok {
			r.log.WithField("flow", f.ID).Info("keeping flow pending apply on the backend")
			continue
		}
		r.result.Attempted++
		if r.remove(ctx, f) {
			r.report(ctx, f, flow.StatusRemoved)
		}
	}

	r.log.Infof("sync finished: %s", r.result)
	res := r.finish()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, res.err(JobSync)
}

// fetch reads flows from the backend and records api health. skipped counts
// records the backend sent that did not decode.
func (r *run) fetch(ctx context.Context, t flow.Type) (flows []*flow.Flow, skipped int, err error) {
	flows, err = r.e.API.GetFlows(ctx, t)
	var pf *util.PartialFailureError
	if errors.As(err, &pf) {
		r.log.Warnf("%d %s flow records could not be decoded", pf.Failed, t)
		skipped, err = pf.Failed, nil
	}
	r.e.Health.Observe(ctx, health.ChannelAPI, err)
	if err != nil {
		r.log.Errorf("fetching %s flows from backend: %v", t, err)
		return nil, 0, err
	}
	r.log.Debugf("fetched %d %s flows", len(flows), t)
	return flows, skipped, nil
}

func (r *run) apply(ctx context.Context, f *flow.Flow) bool {
	start := time.Now()
	err := r.e.Driver.ApplyFlow(ctx, f)
	r.record(ctx, audit.OpApply, f, err, time.Since(start))
	if err != nil {
		r.result.Failed++
		return false
	}
	r.result.Applied++
	return true
}

func (r *run) remove(ctx context.Context, f *flow.Flow) bool {
	start := time.Now()
	err := r.e.Driver.RemoveFlow(ctx, f)
	r.record(ctx, audit.OpRemove, f, err, time.Since(start))
	if err != nil {
		r.result.Failed++
		return false
	}
	r.result.Removed++
	return true
}

// record updates router health, metrics and the audit trail for one
// mutation.
func (r *run) record(ctx context.Context, op audit.Operation, f *flow.Flow, err error, d time.Duration) {
	r.e.Health.Observe(ctx, health.ChannelRouter, err)
	r.e.Metrics.RecordFlowOperation(string(op), err)

	entry := r.log.WithField("flow", f.ID)
	if err != nil {
		entry.Errorf("%s failed: %v", op, err)
	} else {
		entry.Infof("%s succeeded", op)
	}

	if r.e.Audit == nil {
		return
	}
	event := audit.NewEvent(string(r.e.Driver.Vendor()), routerHost(r.e.Driver), op, f.ID).
		WithRun(r.job, r.result.RunID).
		WithResult(err).
		WithDuration(d)
	if aerr := r.e.Audit.Log(event); aerr != nil {
		entry.Warnf("writing audit event: %v", aerr)
	}
}

// report tells the backend the flow reached its terminal status.
func (r *run) report(ctx context.Context, f *flow.Flow, status flow.Status) {
	err := r.e.API.SetFlowStatus(ctx, f.ID, status)
	r.e.Health.Observe(ctx, health.ChannelAPI, err)
	r.e.Metrics.RecordStatusReport(string(status), err)
	if err != nil {
		r.result.ReportFailed++
		r.log.WithField("flow", f.ID).Errorf("reporting status %s: %v", status, err)
		return
	}
	r.log.WithField("flow", f.ID).Debugf("status updated to %s", status)
}

func routerHost(d device.Driver) string {
	if c := d.Credentials(); c != nil {
		return c.Host
	}
	return ""
}
