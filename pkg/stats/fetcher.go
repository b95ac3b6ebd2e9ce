// Package stats reads the router's flow-spec state and forwards it to the
// backend as a statistics report.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowagent-network/flowagent/pkg/api"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// Job is the scheduler name of the fetcher.
const Job = "stats_fetcher"

// IPTypes are read in this order on every run.
var IPTypes = []device.IPType{device.IPv4, device.IPv6}

// Fetcher sends one report per IP type per run.
type Fetcher struct {
	Driver device.Driver
	API    api.Backend
	Health *health.Tracker

	// Interface is the VRF or filter interface passed to the driver.
	Interface string
}

// Run reads IPv4 then IPv6 output and sends each as a successful report.
// The first failure is reported to the backend as an unsuccessful report
// carrying the error message, and ends the run.
func (f *Fetcher) Run(ctx context.Context) error {
	log := util.WithJob(Job, uuid.NewString()).WithField("vendor", f.Driver.Vendor())
	start := time.Now()

	for _, ipType := range IPTypes {
		if err := f.fetch(ctx, log, ipType); err != nil {
			f.reportFailure(ctx, log, err)
			return err
		}
	}
	log.Debugf("stats sent in %.2fs", time.Since(start).Seconds())
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, log *logrus.Entry, ipType device.IPType) error {
	rf, err := f.Driver.GetFlowsFromRouter(ctx, device.ReadOptions{
		IPType:     ipType,
		Interface:  f.Interface,
		WithNumber: true,
	})
	f.Health.Observe(ctx, health.ChannelRouter, err)
	if err != nil {
		return fmt.Errorf("reading %s flows from router: %w", ipType, err)
	}

	data, err := Lines(rf)
	if err != nil {
		return err
	}
	log.Debugf("%s: %d lines", ipType, len(data))

	err = f.API.SendStats(ctx, &api.StatsReport{Success: true, Data: data, LocalTime: f.localTime()})
	f.Health.Observe(ctx, health.ChannelAPI, err)
	if err != nil {
		return fmt.Errorf("sending %s stats: %w", ipType, err)
	}
	return nil
}

func (f *Fetcher) reportFailure(ctx context.Context, log *logrus.Entry, cause error) {
	log.Errorf("stats run failed: %v", cause)
	err := f.API.SendStats(ctx, &api.StatsReport{
		Success:   false,
		Data:      []string{cause.Error()},
		LocalTime: f.localTime(),
	})
	f.Health.Observe(ctx, health.ChannelAPI, err)
	if err != nil {
		log.Warnf("reporting stats failure: %v", err)
	}
}

func (f *Fetcher) localTime() string {
	return f.Health.Now().Format(time.RFC3339)
}

// Lines flattens a router read into report data. CLI drivers return raw
// lines; RPC drivers return decoded flows, which are sent one JSON object
// per entry.
func Lines(rf *device.RouterFlows) ([]string, error) {
	if len(rf.Lines) > 0 || len(rf.Flows) == 0 {
		return rf.Lines, nil
	}
	out := make([]string, 0, len(rf.Flows))
	for _, fl := range rf.Flows {
		b, err := json.Marshal(fl)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding flow %s: %v", util.ErrFormatting, fl.ID, err)
		}
		out = append(out, string(b))
	}
	return out, nil
}
