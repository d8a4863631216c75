// -----------------------------------------------------------------------
// WebSocket hub - fans run_status/batch_status/queue_stats frames and
// forwarded log lines out to every connected client.
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
)

// WSMessage is the envelope for every frame pushed to stream clients.
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// LogEntry is a single log line forwarded over the status stream.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketHandler is the stream hub. Writers never touch a connection
// without holding its per-connection mutex, since gorilla/websocket allows
// only one concurrent writer per connection.
type WebSocketHandler struct {
	logger   arbor.ILogger
	upgrader websocket.Upgrader

	// serverInstanceID lets clients detect a server restart and resync.
	serverInstanceID string

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
}

// NewWebSocketHandler creates the stream hub.
func NewWebSocketHandler(logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		serverInstanceID: uuid.New().String(),
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away. All frames flow through Broadcast; the read loop exists
// only to notice the close.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	total := len(h.clients)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (total: %d)", remaining)
	}()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", total)

	h.sendTo(conn, WSMessage{Event: "hello", Data: map[string]string{
		"server_instance_id": h.serverInstanceID,
		"version":            common.GetVersion(),
	}})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// Broadcast pushes one event frame to every connected client. A failed write
// is logged and the connection left to its read loop to reap.
func (h *WebSocketHandler) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Event: event, Data: data})
	if err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("Failed to marshal stream frame")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		writeErr := conn.WriteMessage(websocket.TextMessage, payload)
		mutexes[i].Unlock()
		if writeErr != nil {
			h.logger.Warn().Err(writeErr).Msg("WebSocket send failed")
		}
	}
}

// SendLog forwards one log line to stream clients.
func (h *WebSocketHandler) SendLog(entry LogEntry) {
	h.Broadcast("log", entry)
}

// ClientCount reports how many clients are connected.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) sendTo(conn *websocket.Conn, msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mu, ok := h.clientMutex[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket send failed")
	}
}
