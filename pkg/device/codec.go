package device

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

const (
	// DefaultOwnerPrefix tags the comment of every rule this agent owns.
	DefaultOwnerPrefix = "SECUNITY_"
	// DefaultChain is the firewall chain rules are added to.
	DefaultChain = "input"
)

// Native rule keys.
const (
	keyID          = ".id"
	keyComment     = "comment"
	keyChain       = "chain"
	keyAction      = "action"
	keySrcAddress  = "src-address"
	keyDstAddress  = "dst-address"
	keySrcPort     = "src-port"
	keyDstPort     = "dst-port"
	keyProtocol    = "protocol"
	keyTCPFlags    = "tcp-flags"
	keyPacketSize  = "packet-size"
	keyPort        = "port"
	keyICMPOptions = "icmp-options"
	keyConnBytes   = "connection-bytes"
	keyLimit       = "limit"
)

const nativeDrop = "drop"

var ruleNumber = regexp.MustCompile(`^\s*\*?\s*([^\s]+)`)

// Codec translates between flows and RouterOS firewall rule parameters.
type Codec struct {
	OwnerPrefix string
	Chain       string
}

// NewCodec creates a codec. Empty arguments take the defaults.
func NewCodec(ownerPrefix, chain string) *Codec {
	if ownerPrefix == "" {
		ownerPrefix = DefaultOwnerPrefix
	}
	if chain == "" {
		chain = DefaultChain
	}
	return &Codec{OwnerPrefix: ownerPrefix, Chain: chain}
}

// Comment returns the ownership comment for a flow id. The prefix is always
// added, so FromNativeRule recovers the id even when it starts with the
// prefix itself.
func (c *Codec) Comment(id string) string {
	return c.OwnerPrefix + id
}

// IsOwned reports whether a native rule carries the owner prefix.
func (c *Codec) IsOwned(rule map[string]string) bool {
	return strings.HasPrefix(rule[keyComment], c.OwnerPrefix)
}

// EnsureOwned refuses rules this agent did not create.
func (c *Codec) EnsureOwned(rule map[string]string) error {
	if !c.IsOwned(rule) || len(rule[keyComment]) == len(c.OwnerPrefix) {
		return fmt.Errorf("%w: comment %q", util.ErrOwnershipViolation, rule[keyComment])
	}
	return nil
}

// FilterOwned keeps only owned rules.
func (c *Codec) FilterOwned(rules []map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(rules))
	for _, r := range rules {
		if c.IsOwned(r) {
			out = append(out, r)
		}
	}
	return out
}

// ToNativeRule encodes f as rule parameters. An empty chain means the
// codec's default.
func (c *Codec) ToNativeRule(f *flow.Flow, chain string) (map[string]string, error) {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return nil, fmt.Errorf("%w: flow id was not specified", util.ErrFormatting)
	}
	rule := make(map[string]string)

	encodeEndpoint := func(ep *flow.Endpoint, ports []int, addrKey, portKey string) {
		if ep != nil {
			if cidr := util.FormatCIDR(ep.IP, ep.Mask); cidr != "" {
				rule[addrKey] = cidr
			}
		}
		if len(ports) > 0 {
			rule[portKey] = util.JoinInts(ports)
		}
	}
	encodeEndpoint(f.Source, f.SourcePorts, keySrcAddress, keySrcPort)
	encodeEndpoint(f.Destination, f.DestinationPorts, keyDstAddress, keyDstPort)

	if p := f.ProtocolName(); p != "" {
		rule[keyProtocol] = p
	}
	if flags := normalizeFlags(f.TCPFlags); len(flags) > 0 {
		rule[keyTCPFlags] = strings.Join(flags, ",")
	}
	if f.PacketLength != "" {
		rule[keyPacketSize] = f.PacketLength
	}
	if f.Port != "" {
		rule[keyPort] = f.Port
	}
	if f.ICMP != nil && f.ICMP.Code != "" {
		rule[keyICMPOptions] = f.ICMP.Code
	}

	switch f.ApplyAction {
	case flow.ActionAccept, flow.ActionDiscard:
		rule[keyAction] = string(f.ApplyAction)
	case flow.ActionRateLimit:
		rule[keyAction] = nativeDrop
		if f.RateLimit != nil {
			if f.RateLimit.BPS > 0 {
				rule[keyConnBytes] = strconv.Itoa(f.RateLimit.BPS)
			}
			if f.RateLimit.PPS > 0 {
				rule[keyLimit] = strconv.Itoa(f.RateLimit.PPS)
			}
		}
	default:
		rule[keyAction] = nativeDrop
	}

	rule[keyComment] = c.Comment(f.ID)
	if chain == "" {
		chain = c.Chain
	}
	rule[keyChain] = chain
	return rule, nil
}

// FromNativeRule decodes an owned rule. ok is false for rules without the
// owner prefix or with nothing after it. withNumber fills Number from the
// rule's .id.
func (c *Codec) FromNativeRule(rule map[string]string, withNumber bool) (*flow.Flow, bool) {
	if c.EnsureOwned(rule) != nil {
		return nil, false
	}
	f := &flow.Flow{ID: strings.TrimPrefix(rule[keyComment], c.OwnerPrefix)}

	decodeEndpoint := func(addrKey, portKey string) (*flow.Endpoint, []int) {
		var ep *flow.Endpoint
		if v := rule[addrKey]; v != "" {
			if ip, mask, err := util.SplitCIDR(v); err == nil {
				ep = &flow.Endpoint{IP: ip, Mask: mask}
			}
		}
		ports, _ := util.SplitInts(rule[portKey])
		return ep, ports
	}
	f.Source, f.SourcePorts = decodeEndpoint(keySrcAddress, keySrcPort)
	f.Destination, f.DestinationPorts = decodeEndpoint(keyDstAddress, keyDstPort)

	if p := rule[keyProtocol]; p != "" {
		f.Protocol = map[string]string{"name": p}
	}
	f.TCPFlags = util.SplitCommaSeparated(rule[keyTCPFlags])
	f.PacketLength = rule[keyPacketSize]
	f.Port = rule[keyPort]
	if code := rule[keyICMPOptions]; code != "" {
		f.ICMP = &flow.ICMP{Code: code}
	}

	bps, hasBPS := util.AsInt(rule[keyConnBytes])
	pps, hasPPS := util.AsInt(rule[keyLimit])
	switch action := rule[keyAction]; {
	case action == string(flow.ActionAccept):
		f.ApplyAction = flow.ActionAccept
	case action == nativeDrop && (hasBPS || hasPPS):
		f.ApplyAction = flow.ActionRateLimit
		f.RateLimit = &flow.RateLimit{BPS: bps, PPS: pps}
	default:
		f.ApplyAction = flow.ActionDiscard
	}

	if withNumber {
		if m := ruleNumber.FindStringSubmatch(rule[keyID]); m != nil {
			f.Number = m[1]
		}
	}
	return f, true
}

// DecodeOwned filters rules by owner and decodes the remainder.
func (c *Codec) DecodeOwned(rules []map[string]string, withNumber bool) []*flow.Flow {
	owned := c.FilterOwned(rules)
	out := make([]*flow.Flow, 0, len(owned))
	for _, r := range owned {
		if f, ok := c.FromNativeRule(r, withNumber); ok {
			out = append(out, f)
		}
	}
	return out
}

// Words renders rule parameters as RouterOS API attribute words, sorted by
// key.
func Words(rule map[string]string) []string {
	keys := make([]string, 0, len(rule))
	for k := range rule {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	words := make([]string, 0, len(keys))
	for _, k := range keys {
		words = append(words, fmt.Sprintf("=%s=%s", k, rule[k]))
	}
	return words
}

func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}
