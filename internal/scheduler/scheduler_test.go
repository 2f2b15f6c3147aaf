package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func(context.Context) {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 1m", func(context.Context) {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a schedule", func(context.Context) {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

type fakeDispatcher struct {
	sweeps atomic.Int32
	purges atomic.Int32
	fail   bool
}

func (d *fakeDispatcher) ProcessScheduledMessages(context.Context) (int, error) {
	d.sweeps.Add(1)
	if d.fail {
		return 0, errors.New("store offline")
	}
	return 1, nil
}

func (d *fakeDispatcher) PurgeExpiredRequests(context.Context) (int, error) {
	d.purges.Add(1)
	return 0, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterDispatchJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	d := &fakeDispatcher{fail: true}

	if err := RegisterDispatchJobs(s, d, Jobs{Sweep: "@every 1s", Purge: "@every 1s"}); err != nil {
		t.Fatalf("RegisterDispatchJobs: %v", err)
	}
	waitFor(t, func() bool { return d.sweeps.Load() > 0 && d.purges.Load() > 0 })
}

func TestRegisterDispatchJobs_Defaults(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := RegisterDispatchJobs(s, &fakeDispatcher{}, Jobs{}); err != nil {
		t.Fatalf("RegisterDispatchJobs: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if err := RegisterDispatchJobs(s, &fakeDispatcher{}, Jobs{Sweep: "bogus"}); err == nil {
		t.Error("expected error for invalid sweep schedule")
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	var cancelled atomic.Bool
	s.AddJob("@every 1s", func(ctx context.Context) {
		select {
		case <-started:
			return
		default:
			close(started)
		}
		<-ctx.Done()
		cancelled.Store(true)
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	if !cancelled.Load() {
		t.Error("Stop returned before the running job observed cancellation")
	}
}
