package device

import (
	"context"
	"fmt"
	"time"

	"github.com/go-routeros/routeros/v3"

	"github.com/flowagent-network/flowagent/pkg/credentials"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

const (
	// DefaultReadPath is where rules are listed and added.
	DefaultReadPath = "/ip/firewall/raw"
	// DefaultRemovePath is where targeted removes are issued.
	DefaultRemovePath = "/ip/firewall/filter"
	// MikrotikLock names the mutation lock shared by every writer.
	MikrotikLock = "mikrotik-cw"
	// DefaultAPIPort is the plaintext RouterOS API port.
	DefaultAPIPort = 8728
)

// MikrotikDefaults are the credential defaults for RouterOS.
var MikrotikDefaults = credentials.Defaults{Port: DefaultAPIPort, User: "admin", Timeout: 30 * time.Second}

// MikrotikOptions configure the RouterOS driver.
type MikrotikOptions struct {
	OwnerPrefix string
	ReadPath    string
	RemovePath  string
	Chain       string
}

func (o MikrotikOptions) withDefaults() MikrotikOptions {
	if o.OwnerPrefix == "" {
		o.OwnerPrefix = DefaultOwnerPrefix
	}
	if o.ReadPath == "" {
		o.ReadPath = DefaultReadPath
	}
	if o.RemovePath == "" {
		o.RemovePath = DefaultRemovePath
	}
	if o.Chain == "" {
		o.Chain = DefaultChain
	}
	return o
}

// rpcConn is one RouterOS API session. Run returns the !re sentences of a
// completed (!done) command.
type rpcConn interface {
	Run(sentence ...string) ([]map[string]string, error)
	Close()
}

type routerosConn struct {
	client *routeros.Client
}

func (c *routerosConn) Run(sentence ...string) ([]map[string]string, error) {
	reply, err := c.client.Run(sentence...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		out = append(out, re.Map)
	}
	return out, nil
}

func (c *routerosConn) Close() {
	c.client.Close()
}

func dialRouterOS(ctx context.Context, creds *credentials.Credentials) (rpcConn, error) {
	if creds.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, creds.Timeout)
		defer cancel()
	}
	client, err := routeros.DialContext(ctx, creds.Address(), creds.User, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("RouterOS dial %s: %w", creds.Address(), err)
	}
	return &routerosConn{client: client}, nil
}

// MikrotikDriver manages owned firewall rules through the RouterOS API.
type MikrotikDriver struct {
	creds *credentials.Credentials
	opts  Options
	codec *Codec

	dial func(ctx context.Context, creds *credentials.Credentials) (rpcConn, error)
}

func newMikrotikFactory(bag map[string]interface{}, opts Options) (Driver, error) {
	return NewMikrotikDriver(bag, opts)
}

// NewMikrotikDriver strips the bag down to host, user and password before
// normalizing it, so unrelated config never reaches the connection.
func NewMikrotikDriver(bag map[string]interface{}, opts Options) (*MikrotikDriver, error) {
	bag = credentials.FilterKeys(bag, credentials.KeyHost, credentials.KeyUser, credentials.KeyPassword)
	creds, err := credentials.Normalize(bag, nil, MikrotikDefaults)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &MikrotikDriver{
		creds: creds,
		opts:  opts,
		codec: NewCodec(opts.Mikrotik.OwnerPrefix, opts.Mikrotik.Chain),
		dial:  dialRouterOS,
	}, nil
}

func (d *MikrotikDriver) Vendor() Vendor                        { return VendorMikrotik }
func (d *MikrotikDriver) Credentials() *credentials.Credentials { return d.creds }
func (d *MikrotikDriver) Codec() *Codec                         { return d.codec }

func (d *MikrotikDriver) withConn(ctx context.Context, op string, fn func(rpcConn) error) error {
	conn, err := d.dial(ctx, d.creds)
	if err != nil {
		return util.NewRouterError(string(VendorMikrotik), op, err)
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		return util.NewRouterError(string(VendorMikrotik), op, err)
	}
	return nil
}

func (d *MikrotikDriver) locked(ctx context.Context, fn func() error) error {
	return d.opts.Locker.With(ctx, MikrotikLock, fn)
}

func (d *MikrotikDriver) list(conn rpcConn, path string, withNumber bool) ([]*flow.Flow, error) {
	rules, err := conn.Run(path + "/print")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	flows := d.codec.DecodeOwned(rules, withNumber)
	util.WithVendor(string(VendorMikrotik)).Debugf("%d rules on %s, %d owned", len(rules), path, len(flows))
	return flows, nil
}

// GetFlowsFromRouter returns the owned rules under the read path.
func (d *MikrotikDriver) GetFlowsFromRouter(ctx context.Context, opts ReadOptions) (*RouterFlows, error) {
	var flows []*flow.Flow
	read := func() error {
		return d.withConn(ctx, "read", func(c rpcConn) error {
			var err error
			flows, err = d.list(c, d.opts.Mikrotik.ReadPath, opts.WithNumber)
			return err
		})
	}
	var err error
	if opts.Lock {
		err = d.locked(ctx, read)
	} else {
		err = read()
	}
	if err != nil {
		return nil, err
	}
	return &RouterFlows{Flows: flows}, nil
}

// ApplyFlow adds f unless a rule with the same id is already owned on the
// router. The existence check and the add run under one lock.
func (d *MikrotikDriver) ApplyFlow(ctx context.Context, f *flow.Flow) error {
	rule, err := d.codec.ToNativeRule(f, "")
	if err != nil {
		return err
	}
	log := util.WithFlow(string(VendorMikrotik), f.ID)
	path := d.opts.Mikrotik.ReadPath
	return d.locked(ctx, func() error {
		return d.withConn(ctx, "apply", func(c rpcConn) error {
			existing, err := d.list(c, path, false)
			if err != nil {
				return err
			}
			if _, ok := flow.IndexByID(existing)[f.ID]; ok {
				log.Warnf("flow already applied, not reapplying")
				return nil
			}
			if _, err := c.Run(append([]string{path + "/add"}, Words(rule)...)...); err != nil {
				return fmt.Errorf("adding flow %s: %w", f.ID, err)
			}
			log.Debugf("flow applied")
			return nil
		})
	})
}

// RemoveFlow removes the owned rule carrying f's id from the remove path.
// A flow that is not there counts as removed. The rule number always comes
// from the rule matched in the table being modified; numbers read from
// another path name different rules.
func (d *MikrotikDriver) RemoveFlow(ctx context.Context, f *flow.Flow) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("%w: flow without id", util.ErrFormatting)
	}
	log := util.WithFlow(string(VendorMikrotik), f.ID)
	path := d.opts.Mikrotik.RemovePath
	return d.locked(ctx, func() error {
		return d.withConn(ctx, "remove", func(c rpcConn) error {
			rules, err := c.Run(path + "/print")
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			rule, number := d.match(rules, f.ID)
			if rule == nil {
				log.Errorf("flow does not exist on the router, not continuing")
				return nil
			}
			if err := d.codec.EnsureOwned(rule); err != nil {
				return err
			}
			if number == "" {
				return fmt.Errorf("flow %s has no rule number", f.ID)
			}
			if f.Number != "" && f.Number != number {
				log.Debugf("rule number %s from the read path differs from %s on %s", f.Number, number, path)
			}
			if _, err := c.Run(path+"/remove", "=.id=*"+number); err != nil {
				return fmt.Errorf("removing flow %s (*%s): %w", f.ID, number, err)
			}
			log.Debugf("flow removed")
			return nil
		})
	})
}

// match finds the owned rule for id and its number without the leading '*'.
func (d *MikrotikDriver) match(rules []map[string]string, id string) (map[string]string, string) {
	for _, rule := range d.codec.FilterOwned(rules) {
		if g, ok := d.codec.FromNativeRule(rule, true); ok && g.ID == id {
			return rule, g.Number
		}
	}
	return nil, ""
}

var (
	_ Driver = (*CLIDriver)(nil)
	_ Driver = (*MikrotikDriver)(nil)
)
