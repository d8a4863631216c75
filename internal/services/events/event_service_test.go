package events

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
)

func TestPublishDeliversInOrder(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int
	handler := func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		seen = append(seen, event.Payload.(int))
		mu.Unlock()
		return nil
	}
	if err := service.Subscribe(interfaces.EventRunStatus, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const total = 200
	for i := 0; i < total; i++ {
		if err := service.Publish(ctx, interfaces.Event{Type: interfaces.EventRunStatus, Payload: i}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	// A sync publish flushes the queue behind the async ones
	if err := service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventRunStatus, Payload: total}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total+1 {
		t.Fatalf("Expected %d events, got %d", total+1, len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("Event %d delivered out of order: got %d", i, v)
		}
	}
}

func TestPublishSyncReportsHandlerErrors(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()
	ctx := context.Background()

	calls := 0
	var mu sync.Mutex
	failing := func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return fmt.Errorf("boom")
	}
	if err := service.Subscribe(interfaces.EventBatchStatus, failing); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventBatchStatus}); err == nil {
		t.Error("Expected an error from the failing handler")
	}

	// A failing handler keeps receiving later events
	if err := service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventBatchStatus}); err == nil {
		t.Error("Expected an error from the failing handler")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected 2 handler calls, got %d", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	handler := func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	if err := service.Subscribe(interfaces.EventRunStatus, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventRunStatus}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	if err := service.Unsubscribe(interfaces.EventRunStatus, handler); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventRunStatus}); err != nil {
		t.Fatalf("PublishSync after unsubscribe failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("Expected exactly 1 delivery, got %d", count)
	}
}

func TestUnsubscribeUnknownHandler(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	handler := func(ctx context.Context, event interfaces.Event) error { return nil }
	if err := service.Unsubscribe(interfaces.EventRunStatus, handler); err == nil {
		t.Error("Expected an error for an unknown handler")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	if err := service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventQueueStats}); err != nil {
		t.Errorf("Publish without subscribers should be a no-op, got %v", err)
	}
}
