// Package audit records every router mutation the agent performs as a
// JSON-lines trail.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation recorded.
type Operation string

const (
	OpApply  Operation = "apply"
	OpRemove Operation = "remove"
	OpPurge  Operation = "purge"
)

// Event is one router mutation attempt.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Vendor    string        `json:"vendor"`
	Router    string        `json:"router"`
	Operation Operation     `json:"operation"`
	FlowID    string        `json:"flow_id"`
	Job       string        `json:"job,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Vendor      string
	Operation   Operation
	FlowID      string
	RunID       string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an event stamped with a fresh id and the current time.
func NewEvent(vendor, router string, op Operation, flowID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Vendor:    vendor,
		Router:    router,
		Operation: op,
		FlowID:    flowID,
	}
}

// WithRun tags the event with the job run that produced it.
func (e *Event) WithRun(job, runID string) *Event {
	e.Job = job
	e.RunID = runID
	return e
}

// WithResult records the outcome: success when err is nil.
func (e *Event) WithResult(err error) *Event {
	e.Success = err == nil
	e.Error = ""
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func (f Filter) matches(e *Event) bool {
	switch {
	case f.Vendor != "" && e.Vendor != f.Vendor,
		f.Operation != "" && e.Operation != f.Operation,
		f.FlowID != "" && e.FlowID != f.FlowID,
		f.RunID != "" && e.RunID != f.RunID,
		!f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && e.Timestamp.After(f.EndTime),
		f.SuccessOnly && !e.Success,
		f.FailureOnly && e.Success:
		return false
	}
	return true
}
