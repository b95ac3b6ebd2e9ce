// Package testutil provides in-memory stand-ins for the router and the
// backend, plus helpers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowagent-network/flowagent/pkg/api"
	"github.com/flowagent-network/flowagent/pkg/credentials"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// FakeDriver is a device.Driver over an in-memory set of owned flows.
type FakeDriver struct {
	mu     sync.Mutex
	flows  map[string]*flow.Flow
	nextNo int

	// ApplyErr and RemoveErr, when set, decide per flow whether the
	// operation fails.
	ApplyErr  func(f *flow.Flow) error
	RemoveErr func(f *flow.Flow) error
	// ReadErr fails every read.
	ReadErr error
	// Lines are returned by reads, keyed by IP type.
	Lines map[device.IPType][]string

	Calls []string
}

// NewFakeDriver creates a driver holding the given flow ids.
func NewFakeDriver(ids ...string) *FakeDriver {
	d := &FakeDriver{flows: make(map[string]*flow.Flow), nextNo: 1}
	for _, id := range ids {
		d.put(&flow.Flow{ID: id})
	}
	return d
}

func (d *FakeDriver) put(f *flow.Flow) {
	cp := f.Clone()
	cp.Number = fmt.Sprint(d.nextNo)
	d.nextNo++
	d.flows[f.ID] = cp
}

func (d *FakeDriver) Vendor() device.Vendor { return device.VendorMikrotik }

func (d *FakeDriver) Credentials() *credentials.Credentials {
	return &credentials.Credentials{Host: "192.0.2.1", Port: 8728, User: "admin", Password: "x"}
}

func (d *FakeDriver) GetFlowsFromRouter(_ context.Context, opts device.ReadOptions) (*device.RouterFlows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "read")
	if d.ReadErr != nil {
		return nil, util.NewRouterError("fake", "read", d.ReadErr)
	}
	out := &device.RouterFlows{Lines: d.Lines[opts.IPType]}
	for _, id := range d.ids() {
		cp := d.flows[id].Clone()
		if !opts.WithNumber {
			cp.Number = ""
		}
		out.Flows = append(out.Flows, cp)
	}
	return out, nil
}

func (d *FakeDriver) ApplyFlow(_ context.Context, f *flow.Flow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "apply "+f.ID)
	if d.ApplyErr != nil {
		if err := d.ApplyErr(f); err != nil {
			return util.NewRouterError("fake", "apply", err)
		}
	}
	if _, ok := d.flows[f.ID]; !ok {
		d.put(f)
	}
	return nil
}

func (d *FakeDriver) RemoveFlow(_ context.Context, f *flow.Flow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "remove "+f.ID)
	if d.RemoveErr != nil {
		if err := d.RemoveErr(f); err != nil {
			return util.NewRouterError("fake", "remove", err)
		}
	}
	delete(d.flows, f.ID)
	return nil
}

// IDs returns the owned flow ids on the router, sorted.
func (d *FakeDriver) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids()
}

func (d *FakeDriver) ids() []string {
	out := make([]string, 0, len(d.flows))
	for id := range d.flows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StatusUpdate is one recorded SetFlowStatus call.
type StatusUpdate struct {
	ID     string
	Status flow.Status
}

// FakeBackend is an api.Backend serving canned flows per type.
type FakeBackend struct {
	mu sync.Mutex

	Flows     map[flow.Type][]*flow.Flow
	FlowsErr  error
	// Undecodable counts records per type that the backend sent but the
	// client could not decode; GetFlows reports them as a partial failure.
	Undecodable map[flow.Type]int
	StatusErr error
	StatsErr  error

	Updates []StatusUpdate
	Stats   []*api.StatsReport
}

// NewFakeBackend creates an empty backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Flows: make(map[flow.Type][]*flow.Flow)}
}

func (b *FakeBackend) GetFlows(_ context.Context, t flow.Type) ([]*flow.Flow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FlowsErr != nil {
		return nil, util.NewAPIError("get_flows", 500, b.FlowsErr)
	}
	out := make([]*flow.Flow, 0, len(b.Flows[t]))
	for _, f := range b.Flows[t] {
		out = append(out, f.Clone())
	}
	if n := b.Undecodable[t]; n > 0 {
		return out, util.NewPartialFailureError("decoding "+string(t)+" flows", len(out)+n, n)
	}
	return out, nil
}

func (b *FakeBackend) SetFlowStatus(_ context.Context, id string, status flow.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StatusErr != nil {
		return util.NewAPIError("set_flow", 500, b.StatusErr)
	}
	b.Updates = append(b.Updates, StatusUpdate{ID: id, Status: status})
	return nil
}

func (b *FakeBackend) SendStats(_ context.Context, r *api.StatsReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StatsErr != nil {
		return util.NewAPIError("send_stats", 500, b.StatsErr)
	}
	b.Stats = append(b.Stats, r)
	return nil
}

var (
	_ device.Driver = (*FakeDriver)(nil)
	_ api.Backend   = (*FakeBackend)(nil)
)
