// Package controller is the fail-safe: when the router or the backend has
// gone quiet it removes every rule the agent owns from the router.
package controller

import (
	"context"
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

// Job is the scheduler name of the controller.
const Job = "device_controller"

// Controller decides whether to purge based on channel health.
type Controller struct {
	Driver device.Driver
	Health *health.Tracker
	// API receives a removed status for every purged flow. Nil skips the
	// reports.
	API api.Backend

	// Threshold is how recent a success must be; zero means
	// health.DefaultThreshold.
	Threshold time.Duration
	// RemoveOnlyIfFailed restricts purges to channels with a recent
	// failure. Without it, a channel that is merely quiet also triggers.
	RemoveOnlyIfFailed bool

	Metrics *metrics.Metrics
	Audit   audit.Logger
}

// Decision is the outcome of one Run.
type Decision struct {
	RunID string
	// Channel that triggered the purge; empty when none did.
	Channel health.Channel
	Status  health.Status
	Purge   *PurgeResult
}

// Purged reports whether the run purged the router.
func (d *Decision) Purged() bool { return d.Purge != nil }

// PurgeResult counts the removals of one purge. ReportFailed counts
// removals the backend was not told about.
type PurgeResult struct {
	Owned        int
	Removed      int
	Failed       int
	ReportFailed int
}

func (c *Controller) threshold() time.Duration {
	if c.Threshold <= 0 {
		return health.DefaultThreshold
	}
	return c.Threshold
}

// Run evaluates the router channel, then the API channel. The first channel
// that warrants a purge triggers it and the remaining channel is not
// evaluated in this cycle.
func (c *Controller) Run(ctx context.Context) (*Decision, error) {
	d := &Decision{RunID: uuid.NewString()}
	log := util.WithJob(Job, d.RunID)
	now := c.Health.Now()

	for _, ch := range health.Channels {
		rec, err := c.Health.Read(ctx, ch)
		if err != nil {
			log.WithField("channel", ch).Errorf("reading health markers: %v", err)
			return d, err
		}
		res := health.Evaluate(rec, now, c.threshold())
		if !c.shouldPurge(res.Status) {
			log.WithField("channel", ch).Debugf("%s: %s", res.Status, res.Message)
			continue
		}

		log.WithField("channel", ch).Warnf("channel %s (%s), purging owned flows", res.Status, res.Message)
		c.Metrics.RecordPurge(string(ch))
		d.Channel = ch
		d.Status = res.Status
		d.Purge, err = c.purge(ctx, log, d.RunID)
		return d, err
	}
	return d, nil
}

// shouldPurge: any unhealthy channel triggers, unless RemoveOnlyIfFailed
// narrows it to channels with a recent failure.
func (c *Controller) shouldPurge(s health.Status) bool {
	if s.Healthy() {
		return false
	}
	return !c.RemoveOnlyIfFailed || s == health.StatusFailing
}

// Purge removes every owned flow from the router regardless of health.
// Each removal is independent; the error wraps util.ErrPartialFailure when
// any failed.
func (c *Controller) Purge(ctx context.Context) (*PurgeResult, error) {
	runID := uuid.NewString()
	return c.purge(ctx, util.WithJob(Job, runID), runID)
}

func (c *Controller) purge(ctx context.Context, log *logrus.Entry, runID string) (*PurgeResult, error) {
	rf, err := c.Driver.GetFlowsFromRouter(ctx, device.ReadOptions{IPType: device.IPv4, WithNumber: true})
	c.Health.Observe(ctx, health.ChannelRouter, err)
	if err != nil {
		log.Errorf("reading router flows for purge: %v", err)
		return nil, err
	}

	res := &PurgeResult{Owned: len(rf.Flows)}
	c.Metrics.SetRouterFlows(len(rf.Flows))
	for _, f := range rf.Flows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		start := time.Now()
		err := c.Driver.RemoveFlow(ctx, f)
		c.Health.Observe(ctx, health.ChannelRouter, err)
		c.Metrics.RecordFlowOperation(string(audit.OpPurge), err)
		c.audit(log, f.ID, runID, err, time.Since(start))
		if err != nil {
			res.Failed++
			log.WithField("flow", f.ID).Errorf("purge removal failed: %v", err)
			continue
		}
		res.Removed++
		if !c.report(ctx, log, f) {
			res.ReportFailed++
		}
	}

	log.Infof("purge finished: %d owned, %d removed, %d failed", res.Owned, res.Removed, res.Failed)
	if res.Failed > 0 {
		return res, util.NewPartialFailureError("purge", res.Owned, res.Failed)
	}
	return res, nil
}

// report marks a purged flow removed on the backend. With the API channel
// down the call is expected to fail; the failure only feeds api health.
func (c *Controller) report(ctx context.Context, log *logrus.Entry, f *flow.Flow) bool {
	if c.API == nil {
		return true
	}
	err := c.API.SetFlowStatus(ctx, f.ID, flow.StatusRemoved)
	c.Health.Observe(ctx, health.ChannelAPI, err)
	c.Metrics.RecordStatusReport(string(flow.StatusRemoved), err)
	if err != nil {
		log.WithField("flow", f.ID).Warnf("reporting status %s: %v", flow.StatusRemoved, err)
		return false
	}
	return true
}

func (c *Controller) audit(log *logrus.Entry, flowID, runID string, err error, d time.Duration) {
	if c.Audit == nil {
		return
	}
	host := ""
	if cr := c.Driver.Credentials(); cr != nil {
		host = cr.Host
	}
	event := audit.NewEvent(string(c.Driver.Vendor()), host, audit.OpPurge, flowID).
		WithRun(Job, runID).
		WithResult(err).
		WithDuration(d)
	if aerr := c.Audit.Log(event); aerr != nil {
		log.Warnf("writing audit event: %v", aerr)
	}
}
