package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func noop(ctx context.Context) error { return nil }

func TestRegisterValidation(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	if err := svc.Register("", "@daily", noop); err == nil {
		t.Error("Expected error for missing name")
	}
	if err := svc.Register("gc", "", noop); err == nil {
		t.Error("Expected error for missing schedule")
	}
	if err := svc.Register("gc", "not a schedule", noop); err == nil {
		t.Error("Expected error for malformed schedule")
	}
	if err := svc.Register("gc", "*/10 * * * *", noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.Register("gc", "@daily", noop); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("Expected duplicate registration error, got %v", err)
	}
}

func TestScheduledExecution(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	fired := make(chan struct{}, 8)
	err := svc.Register("tick", "@every 50ms", func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	if err := svc.Start(); err == nil {
		t.Error("Second Start should fail")
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduled task never fired")
	}
}

func TestTriggerRunsImmediately(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ran := make(chan struct{}, 1)
	if err := svc.Register("refresh", "@daily", func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Trigger("missing"); err == nil {
		t.Error("Expected unknown-task error")
	}
	if err := svc.Trigger("refresh"); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Triggered task never ran")
	}
}

func TestOverlappingFiresSkip(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	var active, maxActive int32
	gate := make(chan struct{})
	err := svc.Register("slow", "@every 20ms", func(ctx context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
				break
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		atomic.AddInt32(&active, -1)
		return nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	close(gate)
	svc.Stop()

	if got := atomic.LoadInt32(&maxActive); got > 1 {
		t.Errorf("Task ran %d times concurrently, overlapping fires should skip", got)
	}
}

func TestStatuses(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	boom := errors.New("vlog rewrite failed")
	ran := make(chan struct{}, 1)
	err := svc.Register("gc", "@every 30ms", func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return boom
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.Register("refresh", "@daily", noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("Task never fired")
	}

	// The status write lands just after the run returns; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses := svc.Statuses()
		if len(statuses) != 2 {
			t.Fatalf("Expected 2 statuses, got %d", len(statuses))
		}
		if statuses[0].Name != "gc" || statuses[1].Name != "refresh" {
			t.Fatalf("Statuses not sorted by name: %s, %s", statuses[0].Name, statuses[1].Name)
		}
		if statuses[1].NextRun == nil {
			t.Error("Scheduled task should report a next run")
		}
		if statuses[0].LastRun != nil && statuses[0].LastErr == boom.Error() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Status never recorded the failed run: %+v", statuses[0])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	entered := make(chan struct{}, 1)
	err := svc.Register("poll", "@every 20ms", func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Task never started")
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not unblock the running task")
	}
}
