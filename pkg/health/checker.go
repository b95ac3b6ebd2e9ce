package health

import (
	"context"
	"fmt"
	"time"
)

// DefaultThreshold is how recent a success must be for a channel to count as
// healthy.
const DefaultThreshold = 60 * time.Second

// Status classifies a channel.
type Status string

const (
	// StatusOK: a success within the threshold.
	StatusOK Status = "ok"
	// StatusFailing: no recent success, but a recent failure.
	StatusFailing Status = "failing"
	// StatusStale: seen before, but nothing within the threshold.
	StatusStale Status = "stale"
	// StatusIdle: never observed.
	StatusIdle Status = "idle"
)

// Healthy reports whether the channel had a recent success.
func (s Status) Healthy() bool { return s == StatusOK }

// Result is the evaluation of one channel.
type Result struct {
	Record
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Report holds the evaluation of every channel, router first.
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Threshold time.Duration `json:"threshold"`
	Results   []Result      `json:"results"`
}

// Evaluate classifies a record against now-threshold. A timestamp equal to
// the cutoff counts as recent.
func Evaluate(rec Record, now time.Time, threshold time.Duration) Result {
	cutoff := now.Add(-threshold)
	res := Result{Record: rec}
	switch {
	case !rec.LastSuccess.Before(cutoff):
		res.Status = StatusOK
		res.Message = fmt.Sprintf("last success %s", since(now, rec.LastSuccess))
	case !rec.LastFailure.Before(cutoff):
		res.Status = StatusFailing
		res.Message = fmt.Sprintf("last failure %s, last success %s", since(now, rec.LastFailure), since(now, rec.LastSuccess))
	case rec.LastSuccess.IsZero() && rec.LastFailure.IsZero():
		res.Status = StatusIdle
		res.Message = "never observed"
	default:
		res.Status = StatusStale
		res.Message = fmt.Sprintf("no traffic within %s, last success %s", threshold, since(now, rec.LastSuccess))
	}
	return res
}

// Check evaluates every channel.
func (t *Tracker) Check(ctx context.Context, threshold time.Duration) (*Report, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	now := t.Now()
	report := &Report{Timestamp: now, Threshold: threshold}
	records, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		report.Results = append(report.Results, Evaluate(rec, now, threshold))
	}
	return report, nil
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
