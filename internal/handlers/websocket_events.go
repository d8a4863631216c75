// -----------------------------------------------------------------------
// Event subscriber - bridges the internal event bus onto the WebSocket
// stream. Status events pass through in publish order; queue stats are
// throttled so a busy queue cannot flood clients.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

const defaultStatsThrottle = 200 * time.Millisecond

// EventSubscriber forwards bus events to the stream hub.
type EventSubscriber struct {
	hub           *WebSocketHandler
	events        interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool

	// statsLimiter applies only to queue_stats. run_status and batch_status
	// are never dropped: clients rely on seeing every transition.
	statsLimiter *rate.Limiter
}

// NewEventSubscriber wires the hub to the event bus using the stream config.
func NewEventSubscriber(hub *WebSocketHandler, events interfaces.EventService, cfg *common.WebSocketConfig, logger arbor.ILogger) *EventSubscriber {
	allowed := make(map[string]bool, len(cfg.AllowedEvents))
	for _, name := range cfg.AllowedEvents {
		allowed[name] = true
	}

	interval, err := time.ParseDuration(cfg.ThrottleInterval)
	if err != nil || interval <= 0 {
		interval = defaultStatsThrottle
	}

	return &EventSubscriber{
		hub:           hub,
		events:        events,
		logger:        logger,
		allowedEvents: allowed,
		statsLimiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Start registers the bridge on the bus.
func (s *EventSubscriber) Start() error {
	if err := s.events.Subscribe(interfaces.EventRunStatus, s.onRunStatus); err != nil {
		return fmt.Errorf("failed to subscribe to run status events: %w", err)
	}
	if err := s.events.Subscribe(interfaces.EventBatchStatus, s.onBatchStatus); err != nil {
		return fmt.Errorf("failed to subscribe to batch status events: %w", err)
	}
	if err := s.events.Subscribe(interfaces.EventQueueStats, s.onQueueStats); err != nil {
		return fmt.Errorf("failed to subscribe to queue stats events: %w", err)
	}
	return nil
}

func (s *EventSubscriber) onRunStatus(ctx context.Context, event interfaces.Event) error {
	if !s.allowed(string(interfaces.EventRunStatus)) {
		return nil
	}
	s.hub.Broadcast(string(interfaces.EventRunStatus), event.Payload)
	return nil
}

func (s *EventSubscriber) onBatchStatus(ctx context.Context, event interfaces.Event) error {
	if !s.allowed(string(interfaces.EventBatchStatus)) {
		return nil
	}
	s.hub.Broadcast(string(interfaces.EventBatchStatus), event.Payload)
	return nil
}

func (s *EventSubscriber) onQueueStats(ctx context.Context, event interfaces.Event) error {
	if !s.allowed(string(interfaces.EventQueueStats)) {
		return nil
	}
	if !s.statsLimiter.Allow() {
		return nil
	}
	s.hub.Broadcast(string(interfaces.EventQueueStats), event.Payload)
	return nil
}

// allowed checks the event whitelist. An empty whitelist allows everything.
func (s *EventSubscriber) allowed(name string) bool {
	if len(s.allowedEvents) == 0 {
		return true
	}
	return s.allowedEvents[name]
}
