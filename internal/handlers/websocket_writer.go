// -----------------------------------------------------------------------
// Log relay - drains arbor's context channel and forwards log lines to
// stream clients, filtered by level and message pattern.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/excerpo/internal/common"
)

// logBatchBuffer bounds how many un-drained batches arbor can queue.
const logBatchBuffer = 10

// defaultExcludePatterns keeps transport chatter out of the stream that
// carries it. Forwarding those lines would log the forwarding, endlessly.
var defaultExcludePatterns = []string{
	"WebSocket client",
	"WebSocket send",
	"HTTP request",
	"HTTP response",
}

// LogRelay consumes log batches from arbor's context channel and pushes
// matching lines to the stream hub as "log" frames.
type LogRelay struct {
	hub     *WebSocketHandler
	channel chan []arbormodels.LogEvent

	minLevel arbor.LogLevel
	exclude  []string
	enabled  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLogRelay builds the relay from the stream config. The relay is disabled
// when "log" is missing from a non-empty event whitelist.
func NewLogRelay(hub *WebSocketHandler, cfg *common.WebSocketConfig) *LogRelay {
	exclude := cfg.ExcludePatterns
	if len(exclude) == 0 {
		exclude = defaultExcludePatterns
	}

	enabled := len(cfg.AllowedEvents) == 0
	for _, name := range cfg.AllowedEvents {
		if name == "log" {
			enabled = true
		}
	}

	return &LogRelay{
		hub:      hub,
		channel:  make(chan []arbormodels.LogEvent, logBatchBuffer),
		minLevel: parseLogLevel(cfg.MinLogLevel),
		exclude:  exclude,
		enabled:  enabled,
	}
}

// Enabled reports whether log frames are whitelisted for the stream.
func (r *LogRelay) Enabled() bool {
	return r.enabled
}

// Channel returns the channel to register with the logger via SetChannel.
func (r *LogRelay) Channel() chan []arbormodels.LogEvent {
	return r.channel
}

// Start launches the drain goroutine. No-op when the relay is disabled.
func (r *LogRelay) Start() {
	if !r.enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop shuts the drain goroutine down and waits for it.
func (r *LogRelay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *LogRelay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-r.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				r.forward(event)
			}
		}
	}
}

func (r *LogRelay) forward(event arbormodels.LogEvent) {
	if arborlevels.FromLogLevel(event.Level) < r.minLevel {
		return
	}
	for _, pattern := range r.exclude {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}
	r.hub.SendLog(LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     levelLabel(event.Level),
		Message:   event.Message,
	})
}

// parseLogLevel converts a config string to an arbor log level.
func parseLogLevel(level string) arbor.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return arbor.ErrorLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "info":
		return arbor.InfoLevel
	case "debug":
		return arbor.DebugLevel
	default:
		return arbor.InfoLevel
	}
}

// levelLabel maps phuslu levels to the strings stream clients render.
func levelLabel(level plog.Level) string {
	switch level {
	case plog.ErrorLevel:
		return "error"
	case plog.WarnLevel:
		return "warn"
	case plog.InfoLevel:
		return "info"
	case plog.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
