package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowagent-network/flowagent/pkg/credentials"
	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// CLIDriver reads flow-spec state by running one show command over SSH.
// CLI vendors are read-only: ApplyFlow and RemoveFlow return
// util.ErrNotSupported.
type CLIDriver struct {
	dialect Dialect
	creds   *credentials.Credentials
	opts    Options

	// dial is replaced in tests.
	dial func(ctx context.Context, creds *credentials.Credentials) (*sshConn, error)
}

func cliFactory(d Dialect) factory {
	return func(bag map[string]interface{}, opts Options) (Driver, error) {
		return NewCLIDriver(d, bag, opts)
	}
}

// NewCLIDriver normalizes bag with SSH defaults and builds a driver for d.
func NewCLIDriver(d Dialect, bag map[string]interface{}, opts Options) (*CLIDriver, error) {
	creds, err := credentials.Normalize(bag, opts.Fallback, credentials.SSHDefaults)
	if err != nil {
		return nil, err
	}
	return &CLIDriver{dialect: d, creds: creds, opts: opts.withDefaults(), dial: dialSSH}, nil
}

func (d *CLIDriver) Vendor() Vendor                        { return d.dialect.Vendor }
func (d *CLIDriver) Credentials() *credentials.Credentials { return d.creds }
func (d *CLIDriver) Dialect() Dialect                      { return d.dialect }

// GetFlowsFromRouter runs the dialect's read command and returns the cleaned
// output lines.
func (d *CLIDriver) GetFlowsFromRouter(ctx context.Context, opts ReadOptions) (*RouterFlows, error) {
	cmd := d.dialect.Command(opts)
	util.WithVendor(string(d.dialect.Vendor)).Debugf("SSH command: %q", cmd)

	var lines []string
	read := func() error {
		return d.withConn(ctx, "read", func(c *sshConn) error {
			out, err := c.Exec(cmd)
			if err != nil {
				return err
			}
			lines = make([]string, 0, len(out))
			for _, l := range out {
				lines = append(lines, d.dialect.Clean(l))
			}
			return nil
		})
	}
	var err error
	if opts.Lock {
		err = d.opts.Locker.With(ctx, string(d.dialect.Vendor), read)
	} else {
		err = read()
	}
	if err != nil {
		return nil, err
	}
	return &RouterFlows{Lines: lines}, nil
}

func (d *CLIDriver) ApplyFlow(ctx context.Context, f *flow.Flow) error {
	return fmt.Errorf("%s apply: %w", d.dialect.Vendor, util.ErrNotSupported)
}

func (d *CLIDriver) RemoveFlow(ctx context.Context, f *flow.Flow) error {
	return fmt.Errorf("%s remove: %w", d.dialect.Vendor, util.ErrNotSupported)
}

// withConn dials, runs fn, and closes the connection on every path. An
// authentication failure is retried once after AuthRetryDelay; any other
// failure is returned at once. Errors come back as *util.RouterError.
func (d *CLIDriver) withConn(ctx context.Context, op string, fn func(*sshConn) error) error {
	return runSSH(ctx, d.dialect.Vendor, op, d.creds, d.opts.AuthRetryDelay, d.dial, fn)
}

func runSSH(ctx context.Context, vendor Vendor, op string, creds *credentials.Credentials, retryDelay time.Duration,
	dial func(context.Context, *credentials.Credentials) (*sshConn, error), fn func(*sshConn) error) error {
	attempt := func() error {
		conn, err := dial(ctx, creds)
		if err != nil {
			return err
		}
		defer conn.Close()
		return fn(conn)
	}

	err := attempt()
	if errors.Is(err, errAuth) {
		util.WithVendor(string(vendor)).Errorf("authentication error, retrying in %s", retryDelay)
		if serr := sleepCtx(ctx, retryDelay); serr != nil {
			return util.NewRouterError(string(vendor), op, err)
		}
		err = attempt()
	}
	if err != nil {
		if errors.Is(err, util.ErrInvalidCredentials) {
			return err
		}
		return util.NewRouterError(string(vendor), op, err)
	}
	return nil
}
