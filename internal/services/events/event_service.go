// -----------------------------------------------------------------------
// Event bus - pub/sub with per-subscriber ordered delivery. Each
// subscription owns a queue drained by a single goroutine, so a subscriber
// sees events in publish order even though publishers never wait.
// -----------------------------------------------------------------------

package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// queueDepth bounds how far a subscriber may fall behind before new events
// for it are dropped. A drop means the subscriber is stuck, not that the
// system is busy.
const queueDepth = 1024

type envelope struct {
	event interfaces.Event
	ack   chan<- error
}

type subscription struct {
	handler reflect.Value
	fn      interfaces.EventHandler
	queue   chan envelope
	done    chan struct{}
	dropped atomic.Int64
}

// Service implements EventService with one ordered queue per subscriber.
type Service struct {
	subscribers map[interfaces.EventType][]*subscription
	mu          sync.RWMutex
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[interfaces.EventType][]*subscription),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type and starts its drain
// goroutine.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("event service is closed")
	}

	sub := &subscription{
		handler: reflect.ValueOf(handler),
		fn:      handler,
		queue:   make(chan envelope, queueDepth),
		done:    make(chan struct{}),
	}
	common.SafeGo(s.logger, "event-drain-"+string(eventType), func() {
		s.drain(eventType, sub)
	})

	s.subscribers[eventType] = append(s.subscribers[eventType], sub)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// drain delivers queued events to one subscriber, one at a time.
func (s *Service) drain(eventType interfaces.EventType, sub *subscription) {
	defer close(sub.done)
	for env := range sub.queue {
		err := sub.fn(context.Background(), env.event)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("event_type", string(eventType)).
				Msg("Event handler failed")
		}
		if env.ack != nil {
			env.ack <- err
		}
	}
}

// Unsubscribe removes a handler, closes its queue, and waits for queued
// events to finish delivering.
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	target := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	var removed *subscription
	subs := s.subscribers[eventType]
	for i, sub := range subs {
		if sub.handler.Pointer() == target {
			removed = sub
			s.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if removed != nil {
		close(removed.queue)
	}
	s.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("handler not found for event type: %s", eventType)
	}

	<-removed.done
	s.logger.Debug().
		Str("event_type", string(eventType)).
		Msg("Event handler unsubscribed")
	return nil
}

// Publish queues an event for every subscriber and returns immediately.
// A subscriber whose queue is full loses the event rather than stalling
// the publisher.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.subscribers[event.Type]
	if len(subs) == 0 {
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.queue <- envelope{event: event}:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				s.logger.Warn().
					Str("event_type", string(event.Type)).
					Int64("dropped", n).
					Msg("Subscriber queue full, dropping event")
			}
		}
	}
	return nil
}

// PublishSync queues an event for every subscriber and waits until each has
// handled it. Delivery still goes through the per-subscriber queues so sync
// and async publishes cannot reorder.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	subs := s.subscribers[event.Type]
	acks := make([]chan error, 0, len(subs))
	for _, sub := range subs {
		ack := make(chan error, 1)
		sub.queue <- envelope{event: event, ack: ack}
		acks = append(acks, ack)
	}
	s.mu.RUnlock()

	failures := 0
	for _, ack := range acks {
		select {
		case err := <-ack:
			if err != nil {
				failures++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failures > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failures)
	}
	return nil
}

// Close stops every subscriber queue and waits for in-flight deliveries.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*subscription
	for eventType, subs := range s.subscribers {
		all = append(all, subs...)
		delete(s.subscribers, eventType)
	}
	for _, sub := range all {
		close(sub.queue)
	}
	s.mu.Unlock()

	for _, sub := range all {
		<-sub.done
	}
	s.logger.Info().Msg("Event service closed")
	return nil
}
