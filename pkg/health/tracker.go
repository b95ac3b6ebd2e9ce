package health

import (
	"context"
	"fmt"
	"time"

	"github.com/flowagent-network/flowagent/pkg/util"
)

// Tracker records channel outcomes in a Store. Write failures are logged and
// swallowed: a broken marker file must not abort router or API work.
type Tracker struct {
	store    Store
	now      func() time.Time
	observer func(ch Channel, o Outcome, at time.Time)
}

// NewTracker wraps a store with the wall clock.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// WithClock replaces the clock. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithObserver registers fn to be called after every successful mark.
func (t *Tracker) WithObserver(fn func(ch Channel, o Outcome, at time.Time)) *Tracker {
	t.observer = fn
	return t
}

// Now returns the tracker's current time in UTC.
func (t *Tracker) Now() time.Time {
	return t.now().UTC()
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// Observe records success when err is nil and failure otherwise.
func (t *Tracker) Observe(ctx context.Context, ch Channel, err error) {
	o := OutcomeSuccess
	if err != nil {
		o = OutcomeFailure
	}
	t.mark(ctx, ch, o)
}

func (t *Tracker) mark(ctx context.Context, ch Channel, o Outcome) {
	at := t.Now()
	if err := t.store.Mark(ctx, ch, o, at); err != nil {
		util.WithChannel(string(ch)).Warnf("recording %s marker: %v", o, err)
		return
	}
	if t.observer != nil {
		t.observer(ch, o, at)
	}
}

// Record is the last observed success and failure of one channel.
type Record struct {
	Channel     Channel   `json:"channel"`
	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
}

// Read loads one channel's record. Missing markers read as the zero time.
func (t *Tracker) Read(ctx context.Context, ch Channel) (Record, error) {
	rec := Record{Channel: ch}
	var err error
	if rec.LastSuccess, err = t.store.Last(ctx, ch, OutcomeSuccess); err != nil {
		return rec, err
	}
	if rec.LastFailure, err = t.store.Last(ctx, ch, OutcomeFailure); err != nil {
		return rec, err
	}
	return rec, nil
}

// Snapshot reads every channel, router first.
func (t *Tracker) Snapshot(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0, len(Channels))
	for _, ch := range Channels {
		rec, err := t.Read(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("reading %s health: %w", ch, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Reset clears every marker.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.store.Reset(ctx)
}
