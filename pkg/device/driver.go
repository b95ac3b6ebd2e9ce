// Package device talks to routers. A Driver reads the flow-spec rules a
// router currently holds and, for vendors that support it, applies and
// removes agent-owned rules. CLI vendors are scraped over SSH; Mikrotik is
// driven through its RouterOS API.
package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flowagent-network/flowagent/pkg/credentials"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/lock"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// Vendor identifies a router dialect.
type Vendor string

const (
	VendorCisco     Vendor = "cisco"
	VendorJuniper   Vendor = "juniper"
	VendorArista    Vendor = "arista"
	VendorHuawei    Vendor = "huawei"
	VendorHuaweiVRP Vendor = "huawei-vrp"
	VendorMikrotik  Vendor = "mikrotik"
)

// Mutable reports whether the vendor's driver can apply and remove rules.
// The others are read-only and only feed statistics.
func (v Vendor) Mutable() bool { return v == VendorMikrotik }

// IPType selects the address family of a read.
type IPType string

const (
	IPv4 IPType = "IPv4"
	IPv6 IPType = "IPv6"
)

// ParseIPType accepts "ipv4"/"ipv6" in any case. Empty means IPv4.
func ParseIPType(s string) (IPType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ipv4", "4":
		return IPv4, nil
	case "ipv6", "6":
		return IPv6, nil
	}
	return "", fmt.Errorf("invalid ip type: %q", s)
}

// ReadOptions parameterize GetFlowsFromRouter.
type ReadOptions struct {
	IPType IPType
	// Interface is the Juniper filter interface or the Huawei VPN instance.
	Interface string
	// WithNumber fills Flow.Number on RPC reads.
	WithNumber bool
	// Lock holds the vendor's mutation lock for the duration of the read.
	Lock bool
}

// RouterFlows is the result of a read. CLI drivers return raw Lines; RPC
// drivers return decoded, owned Flows.
type RouterFlows struct {
	Lines []string
	Flows []*flow.Flow
}

// Driver is the per-vendor router capability set.
type Driver interface {
	Vendor() Vendor
	Credentials() *credentials.Credentials
	GetFlowsFromRouter(ctx context.Context, opts ReadOptions) (*RouterFlows, error)
	ApplyFlow(ctx context.Context, f *flow.Flow) error
	RemoveFlow(ctx context.Context, f *flow.Flow) error
}

// Options are the driver settings that do not come from the credential bag.
type Options struct {
	// Fallback is consulted after the credential bag, before vendor defaults.
	Fallback map[string]interface{}
	// Locker provides the mutation locks. Nil means a locker in os.TempDir().
	Locker *lock.Locker
	// AuthRetryDelay is the pause before retrying an SSH auth failure.
	AuthRetryDelay time.Duration
	// PromptTimeout bounds each wait for the Huawei shell prompt.
	PromptTimeout time.Duration
	Mikrotik      MikrotikOptions
}

func (o Options) withDefaults() Options {
	if o.Locker == nil {
		o.Locker = lock.NewLocker("")
	}
	if o.AuthRetryDelay <= 0 {
		o.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = DefaultPromptTimeout
	}
	o.Mikrotik = o.Mikrotik.withDefaults()
	return o
}

type factory func(bag map[string]interface{}, opts Options) (Driver, error)

var drivers = map[Vendor]factory{
	VendorCisco:     cliFactory(CiscoDialect),
	VendorJuniper:   cliFactory(JuniperDialect),
	VendorArista:    cliFactory(AristaDialect),
	VendorHuawei:    cliFactory(HuaweiDialect),
	VendorHuaweiVRP: newHuaweiVRPFactory,
	VendorMikrotik:  newMikrotikFactory,
}

// Vendors returns every registered vendor, sorted.
func Vendors() []Vendor {
	out := make([]Vendor, 0, len(drivers))
	for v := range drivers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseVendor resolves a case-insensitive vendor name.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := drivers[v]; !ok {
		return "", fmt.Errorf("%w: %q", util.ErrUnsupportedVendor, s)
	}
	return v, nil
}

// New builds the driver for vendor. Credentials are normalized and
// validated here, once per driver instance.
func New(vendor Vendor, bag map[string]interface{}, opts Options) (Driver, error) {
	build, ok := drivers[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", util.ErrUnsupportedVendor, vendor)
	}
	return build(bag, opts.withDefaults())
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
