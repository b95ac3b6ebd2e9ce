package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestAdd_Validation(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"valid", Job{Name: "a", Interval: time.Second, Run: noop}, false},
		{"no name", Job{Interval: time.Second, Run: noop}, true},
		{"no func", Job{Name: "b", Interval: time.Second}, true},
		{"zero interval", Job{Name: "c", Run: noop}, true},
		{"duplicate", Job{Name: "a", Interval: time.Second, Run: noop}, true},
	}
	s := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if n := len(s.Jobs()); n != 1 {
		t.Errorf("registered %d jobs, want 1", n)
	}
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	s := New(WithFirstRun(10 * time.Millisecond))
	s.Add(Job{Name: "tick", Interval: 20 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := runs.Load(); n < 2 {
		t.Errorf("job ran %d times, want at least 2", n)
	}
}

func TestScheduler_FirstRunDelay(t *testing.T) {
	var runs atomic.Int32
	s := New(WithFirstRun(time.Hour))
	s.Add(Job{Name: "late", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop(context.Background())
	if n := runs.Load(); n != 0 {
		t.Errorf("job ran %d times before its first run time", n)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var running, maxRunning, runs atomic.Int32
	s := New(WithFirstRun(5 * time.Millisecond))
	s.Add(Job{Name: "slow", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(40 * time.Millisecond)
		return nil
	}})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop(context.Background())

	if m := maxRunning.Load(); m != 1 {
		t.Errorf("max concurrent runs = %d, want 1", m)
	}
	if runs.Load() == 0 {
		t.Error("job never ran")
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	var runs atomic.Int32
	s := New(WithFirstRun(5 * time.Millisecond))
	s.Add(Job{Name: "panicky", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		panic("boom")
	}})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop(context.Background())
	if n := runs.Load(); n < 2 {
		t.Errorf("job ran %d times, want rescheduling after panic", n)
	}
}

func TestScheduler_StopWaitsForRunningJob(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s := New(WithFirstRun(time.Millisecond))
	s.Add(Job{Name: "long", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}})

	s.Start(context.Background())
	<-started
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
}

func TestScheduler_StopTimeoutCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	s := New(WithFirstRun(time.Millisecond))
	s.Add(Job{Name: "stuck", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	s.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("job context was not cancelled")
	}
}

func TestAdd_AfterStart(t *testing.T) {
	s := New()
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Add(Job{Name: "x", Interval: time.Second, Run: noop}); err == nil {
		t.Error("Add after Start should fail")
	}
}

func TestInterval_Next(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC)
	i := &interval{first: first, every: 10 * time.Second}

	if got := i.Next(first.Add(-2 * time.Second)); !got.Equal(first) {
		t.Errorf("Next before first = %v, want %v", got, first)
	}
	if got := i.Next(first); !got.Equal(first.Add(10 * time.Second)) {
		t.Errorf("Next at first = %v", got)
	}
}
