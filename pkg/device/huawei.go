package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

const (
	// DefaultPromptTimeout bounds each wait for the VRP prompt.
	DefaultPromptTimeout = 30 * time.Second
	promptPoll           = 50 * time.Millisecond
	// BlockSeparator separates the per-index statistics blocks.
	BlockSeparator = "\f"
)

var reIndex = regexp.MustCompile(`ReIndex\s*:\s*(\d+)`)

// HuaweiVRPDriver reads flow-spec routes and their statistics from a VRP
// shell. It lists the routing table, collects every ReIndex, then runs one
// statistics command per index.
type HuaweiVRPDriver struct {
	*CLIDriver
}

func newHuaweiVRPFactory(bag map[string]interface{}, opts Options) (Driver, error) {
	return NewHuaweiVRPDriver(bag, opts)
}

// NewHuaweiVRPDriver builds the interactive Huawei driver.
func NewHuaweiVRPDriver(bag map[string]interface{}, opts Options) (*HuaweiVRPDriver, error) {
	cli, err := NewCLIDriver(HuaweiVRPDialect, bag, opts)
	if err != nil {
		return nil, err
	}
	return &HuaweiVRPDriver{CLIDriver: cli}, nil
}

// RoutingTableCommand is the query for vrf, or the global table when vrf is
// empty.
func RoutingTableCommand(vrf string) string {
	if vrf == "" {
		return "display bgp flow ipv4 routing-table"
	}
	return fmt.Sprintf("display bgp flow vpnv4 vpn-instance %s routing-table", vrf)
}

// StatisticsCommand is the per-route statistics query.
func StatisticsCommand(index string) string {
	return "display flowspec statistics " + index
}

// ExtractReIndexes returns every ReIndex value in output, in order, without
// duplicates.
func ExtractReIndexes(output string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range reIndex.FindAllStringSubmatch(output, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func (d *HuaweiVRPDriver) GetFlowsFromRouter(ctx context.Context, opts ReadOptions) (*RouterFlows, error) {
	log := util.WithVendor(string(d.Vendor()))
	var blocks []string
	read := func() error {
		return d.withConn(ctx, "read", func(c *sshConn) error {
			sh, err := c.Shell()
			if err != nil {
				return err
			}
			defer sh.Close()

			// Login banner.
			if _, err := d.expect(ctx, sh); err != nil {
				return err
			}
			query := RoutingTableCommand(opts.Interface)
			log.Debugf("SSH command: %q", query)
			table, err := d.run(ctx, sh, query)
			if err != nil {
				return err
			}
			indexes := ExtractReIndexes(table)
			log.Debugf("found %d flowspec routes", len(indexes))
			blocks = blocks[:0]
			for _, idx := range indexes {
				out, err := d.run(ctx, sh, StatisticsCommand(idx))
				if err != nil {
					return err
				}
				blocks = append(blocks, out)
			}
			return nil
		})
	}
	var err error
	if opts.Lock {
		err = d.opts.Locker.With(ctx, string(d.Vendor()), read)
	} else {
		err = read()
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	for i, b := range blocks {
		if i > 0 {
			lines = append(lines, BlockSeparator)
		}
		for _, l := range splitLines(b) {
			lines = append(lines, d.dialect.Clean(l))
		}
	}
	return &RouterFlows{Lines: lines}, nil
}

func (d *HuaweiVRPDriver) ApplyFlow(ctx context.Context, f *flow.Flow) error {
	return fmt.Errorf("%s apply: %w", d.Vendor(), util.ErrNotSupported)
}

func (d *HuaweiVRPDriver) RemoveFlow(ctx context.Context, f *flow.Flow) error {
	return fmt.Errorf("%s remove: %w", d.Vendor(), util.ErrNotSupported)
}

func (d *HuaweiVRPDriver) run(ctx context.Context, sh *shell, cmd string) (string, error) {
	if err := sh.Send(cmd); err != nil {
		return "", fmt.Errorf("sending %q: %w", cmd, err)
	}
	out, err := d.expect(ctx, sh)
	if err != nil {
		return "", fmt.Errorf("%q: %w", cmd, err)
	}
	return stripEcho(out, cmd), nil
}

// expect drains the shell until the prompt appears or the channel closes.
func (d *HuaweiVRPDriver) expect(ctx context.Context, sh *shell) (string, error) {
	return sh.buf.waitFor(ctx, d.dialect.Prompt, d.opts.PromptTimeout, promptPoll)
}

// stripEcho drops the echoed command line and the trailing prompt line.
func stripEcho(out, cmd string) string {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], cmd) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && HuaweiVRPDialect.Prompt.MatchString(strings.TrimRight(lines[n-1], "\r")) {
		lines = lines[:n-1]
	}
	return strings.Join(lines, "\n")
}

// streamBuffer accumulates shell output from a reader goroutine.
type streamBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	err    error
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{}
}

func (b *streamBuffer) fill(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		b.mu.Lock()
		b.buf.Write(chunk[:n])
		if err != nil {
			b.closed = true
			if err != io.EOF {
				b.err = err
			}
		}
		b.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// waitFor polls every poll until prompt matches the end of the buffered
// output, the stream closes, or timeout elapses. The consumed output is
// returned and removed from the buffer.
func (b *streamBuffer) waitFor(ctx context.Context, prompt *regexp.Regexp, timeout, poll time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		data := b.buf.String()
		closed, rerr := b.closed, b.err
		if prompt.MatchString(data) || closed {
			b.buf.Reset()
			b.mu.Unlock()
			return data, rerr
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return data, fmt.Errorf("timed out after %s waiting for prompt", timeout)
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return data, err
		}
	}
}

// Interface guard.
var _ Driver = (*HuaweiVRPDriver)(nil)
