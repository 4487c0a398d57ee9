package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var settle, sweep atomic.Int32
	s := NewScheduler(SchedulerConfig{Jobs: []Job{
		{Name: "settle", Interval: 5 * time.Millisecond, RunOnStart: true, Run: func(context.Context) error {
			if settle.Add(1) >= 3 && sweep.Load() >= 1 {
				cancel()
			}
			return errors.New("boom")
		}},
		{Name: "sweep", Interval: time.Hour, RunOnStart: true, Run: func(context.Context) error {
			sweep.Add(1)
			return nil
		}},
		{Name: "nil"},
	}})

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if settle.Load() < 3 {
		t.Fatalf("settle ran %d times", settle.Load())
	}
	if sweep.Load() != 1 {
		t.Fatalf("sweep ran %d times", sweep.Load())
	}
}
