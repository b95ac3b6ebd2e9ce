// Package flow defines the vendor-neutral flow-spec rule exchanged with the
// backend and translated to each router's native representation.
package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flowagent-network/flowagent/pkg/util"
)

// Action is what the router does with matching traffic.
type Action string

const (
	ActionAccept    Action = "accept"
	ActionDiscard   Action = "discard"
	ActionRateLimit Action = "rate_limit"
)

// Status is the backend lifecycle state of a flow.
type Status string

const (
	StatusApply   Status = "apply"
	StatusApplied Status = "applied"
	StatusRemove  Status = "remove"
	StatusRemoved Status = "removed"

	// Legacy synonyms still emitted by older backends.
	StatusModerationApproved        Status = "moderation_approved"
	StatusRemovedModerationApproved Status = "removed_moderation_approved"
)

// Type selects which backend flows to fetch.
type Type string

const (
	TypeApply       Type = "apply"
	TypeRemove      Type = "remove"
	TypeApplyRemove Type = "apply_remove"
	TypeApplied     Type = "applied"
)

// ParseType validates a flow type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeApply, TypeRemove, TypeApplyRemove, TypeApplied:
		return t, nil
	}
	return "", fmt.Errorf("invalid flow type: %q", s)
}

// Endpoint is an address match: IP with prefix length.
type Endpoint struct {
	IP   string `json:"ip,omitempty"`
	Mask int    `json:"mask,omitempty"`
}

// UnmarshalJSON accepts the mask as a number or a numeric string.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var aux struct {
		IP   string          `json:"ip"`
		Mask json.RawMessage `json:"mask"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	mask, err := looseInt(aux.Mask)
	if err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	e.IP, e.Mask = aux.IP, mask
	return nil
}

// RateLimit carries the limits applied when ApplyAction is rate_limit.
type RateLimit struct {
	BPS int `json:"bps,omitempty"`
	PPS int `json:"pps,omitempty"`
}

// UnmarshalJSON accepts the limits as numbers or numeric strings.
func (r *RateLimit) UnmarshalJSON(data []byte) error {
	var aux struct {
		BPS json.RawMessage `json:"bps"`
		PPS json.RawMessage `json:"pps"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if r.BPS, err = looseInt(aux.BPS); err != nil {
		return fmt.Errorf("bps: %w", err)
	}
	if r.PPS, err = looseInt(aux.PPS); err != nil {
		return fmt.Errorf("pps: %w", err)
	}
	return nil
}

// ICMP carries the ICMP match.
type ICMP struct {
	Code string `json:"code,omitempty"`
}

// Flow is a single filter rule.
type Flow struct {
	ID               string            `json:"id"`
	Source           *Endpoint         `json:"source,omitempty"`
	Destination      *Endpoint         `json:"destination,omitempty"`
	SourcePorts      []int             `json:"source_ports,omitempty"`
	DestinationPorts []int             `json:"destination_ports,omitempty"`
	Port             string            `json:"port,omitempty"`
	Protocol         map[string]string `json:"protocol,omitempty"`
	TCPFlags         []string          `json:"tcp_flags,omitempty"`
	PacketLength     string            `json:"packet_length,omitempty"`
	ICMP             *ICMP             `json:"icmp,omitempty"`
	ApplyAction      Action            `json:"apply_action,omitempty"`
	RateLimit        *RateLimit        `json:"rate_limit,omitempty"`
	Status           Status            `json:"status,omitempty"`

	// Number is the router-assigned handle used for removal. Never sent
	// to the backend.
	Number string `json:"-"`
}

// UnmarshalJSON accepts "_id" as an alias of "id", numeric values for the
// loosely-typed string fields, and numeric strings (single or
// comma-separated) for the port lists.
func (f *Flow) UnmarshalJSON(data []byte) error {
	type plain Flow
	aux := struct {
		*plain
		MongoID          json.RawMessage `json:"_id,omitempty"`
		ID               json.RawMessage `json:"id,omitempty"`
		Port             json.RawMessage `json:"port,omitempty"`
		PacketLength     json.RawMessage `json:"packet_length,omitempty"`
		SourcePorts      json.RawMessage `json:"source_ports,omitempty"`
		DestinationPorts json.RawMessage `json:"destination_ports,omitempty"`
	}{plain: (*plain)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := looseString(aux.ID)
	if err != nil {
		return fmt.Errorf("flow id: %w", err)
	}
	if id == "" {
		if id, err = mongoID(aux.MongoID); err != nil {
			return fmt.Errorf("flow _id: %w", err)
		}
	}
	f.ID = id
	if f.Port, err = looseString(aux.Port); err != nil {
		return fmt.Errorf("flow port: %w", err)
	}
	if f.PacketLength, err = looseString(aux.PacketLength); err != nil {
		return fmt.Errorf("flow packet_length: %w", err)
	}
	if f.SourcePorts, err = looseInts(aux.SourcePorts); err != nil {
		return fmt.Errorf("flow source_ports: %w", err)
	}
	if f.DestinationPorts, err = looseInts(aux.DestinationPorts); err != nil {
		return fmt.Errorf("flow destination_ports: %w", err)
	}
	return nil
}

// looseInt decodes a JSON number or numeric string. null and "" are 0.
func looseInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, ok := util.AsInt(v)
	if !ok {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	return n, nil
}

// looseInts decodes an array of numbers or numeric strings, a
// comma-separated string, or a single number.
func looseInts(raw json.RawMessage) ([]int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return util.SplitInts(s)
		}
		n, err := looseInt(raw)
		if err != nil {
			return nil, err
		}
		return []int{n}, nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := looseInt(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// looseString decodes a JSON string or number into its string form.
func looseString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// mongoID decodes either a plain string or the extended-JSON {"$oid": ...}
// form.
func mongoID(raw json.RawMessage) (string, error) {
	if s, err := looseString(raw); err == nil {
		return s, nil
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(raw, &oid); err != nil {
		return "", err
	}
	return oid.OID, nil
}

// ProtocolName returns the first value of the nested protocol structure,
// lower-cased. Keys are visited in sorted order so the choice is stable.
func (f *Flow) ProtocolName() string {
	if len(f.Protocol) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f.Protocol))
	for k := range f.Protocol {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.ToLower(strings.TrimSpace(f.Protocol[keys[0]]))
}

// Clone returns a deep copy.
func (f *Flow) Clone() *Flow {
	c := *f
	if f.Source != nil {
		s := *f.Source
		c.Source = &s
	}
	if f.Destination != nil {
		d := *f.Destination
		c.Destination = &d
	}
	if f.ICMP != nil {
		i := *f.ICMP
		c.ICMP = &i
	}
	if f.RateLimit != nil {
		r := *f.RateLimit
		c.RateLimit = &r
	}
	c.SourcePorts = append([]int(nil), f.SourcePorts...)
	c.DestinationPorts = append([]int(nil), f.DestinationPorts...)
	c.TCPFlags = append([]string(nil), f.TCPFlags...)
	if f.Protocol != nil {
		c.Protocol = make(map[string]string, len(f.Protocol))
		for k, v := range f.Protocol {
			c.Protocol[k] = v
		}
	}
	return &c
}
