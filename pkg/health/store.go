// Package health records when the router and backend channels last
// succeeded and failed, and judges whether either has gone stale.
package health

import (
	"context"
	"fmt"
	"time"
)

// Channel is one of the two external dependencies the agent tracks.
type Channel string

const (
	ChannelRouter Channel = "router"
	ChannelAPI    Channel = "api"
)

// Channels lists every channel in evaluation order: router first.
var Channels = []Channel{ChannelRouter, ChannelAPI}

// Outcome is the result being recorded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Outcomes lists both outcomes.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeFailure}

// MarkerName returns the stable name of a marker, e.g. "router-success".
func MarkerName(ch Channel, o Outcome) string {
	return fmt.Sprintf("%s-%s", ch, o)
}

// Store persists one timestamp per (channel, outcome). Mark overwrites;
// Last returns the zero time when nothing was ever recorded.
type Store interface {
	Mark(ctx context.Context, ch Channel, o Outcome, at time.Time) error
	Last(ctx context.Context, ch Channel, o Outcome) (time.Time, error)
	Reset(ctx context.Context) error
}
