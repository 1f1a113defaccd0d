package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-host UI plus workers behind the registration token
	},
}

// Rooms a socket can join
const (
	RoomUI      = "ui"
	RoomWorkers = "workers"
)

// WSMessage is the wire envelope for every hub message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one connected socket. Writes are serialized by mu;
// logCancel releases the client's active log subscription, if any.
type wsClient struct {
	conn *websocket.Conn
	room string

	mu        sync.Mutex
	logCancel func()
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) setLogCancel(cancel func()) {
	c.mu.Lock()
	prev := c.logCancel
	c.logCancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// WebSocketHandler is the realtime hub. UI clients receive job
// lifecycle events, revision changes and on-demand per-job log streams;
// worker clients receive sync_available pushes.
type WebSocketHandler struct {
	logger arbor.ILogger
	events interfaces.EventService
	broker interfaces.LogBroker

	mu      sync.RWMutex
	clients map[*wsClient]bool

	// logActivity throttles the lightweight "output is flowing" signal
	// sent to UI clients that have not opened the full stream.
	logActivity *rate.Limiter

	serverInstanceID string
}

// subscribeMessage is what UI clients send to manage log streams
type subscribeMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

func NewWebSocketHandler(events interfaces.EventService, broker interfaces.LogBroker, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		events:           events,
		broker:           broker,
		clients:          make(map[*wsClient]bool),
		logActivity:      rate.NewLimiter(rate.Every(time.Second), 1),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket hub initialized")
	return h
}

// Start subscribes the hub to the cluster event bus
func (h *WebSocketHandler) Start() error {
	jobEvents := []interfaces.EventType{
		interfaces.EventJobSubmitted,
		interfaces.EventJobAssigned,
		interfaces.EventJobStarted,
		interfaces.EventJobCompleted,
		interfaces.EventJobCancelled,
		interfaces.EventJobRequeued,
		interfaces.EventReviewReady,
	}
	for _, et := range jobEvents {
		eventType := et
		if err := h.events.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(RoomUI, WSMessage{Type: string(eventType), Payload: event.Payload})
			return nil
		}); err != nil {
			return err
		}
	}

	if err := h.events.Subscribe(interfaces.EventRevisionChanged, func(ctx context.Context, event interfaces.Event) error {
		h.broadcast(RoomUI, WSMessage{Type: "revision_changed", Payload: event.Payload})

		if info, ok := event.Payload.(models.RevisionInfo); ok {
			h.broadcast(RoomWorkers, WSMessage{
				Type: "sync_available",
				Payload: models.SyncAvailablePayload{
					Revision:      info.Revision,
					ShortRevision: info.ShortRevision,
				},
			})
		}
		return nil
	}); err != nil {
		return err
	}

	if err := h.events.Subscribe(interfaces.EventWorkerStale, func(ctx context.Context, event interfaces.Event) error {
		h.broadcast(RoomUI, WSMessage{Type: "worker_stale", Payload: event.Payload})
		return nil
	}); err != nil {
		return err
	}

	// Full log streams go through broker subscriptions; this is only the
	// rate-limited activity blip for list views.
	return h.events.Subscribe(interfaces.EventLogChunk, func(ctx context.Context, event interfaces.Event) error {
		chunk, ok := event.Payload.(interfaces.LogChunk)
		if !ok || !h.logActivity.Allow() {
			return nil
		}
		h.broadcast(RoomUI, WSMessage{Type: "log_activity", Payload: map[string]string{"job_id": chunk.JobID}})
		return nil
	})
}

// HandleUI upgrades a UI connection and serves its message loop
func (h *WebSocketHandler) HandleUI(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoomUI)
}

// HandleWorker upgrades a worker notification connection
func (h *WebSocketHandler) HandleWorker(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoomWorkers)
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{conn: conn, room: room}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.WithLabelValues(room).Inc()
	h.logger.Debug().Str("room", room).Msgf("WebSocket client connected (total: %d)", total)

	h.sendHello(client)

	defer func() {
		client.setLogCancel(nil)

		h.mu.Lock()
		delete(h.clients, client)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		metrics.WebsocketClients.WithLabelValues(room).Dec()
		h.logger.Debug().Str("room", room).Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		if room == RoomUI {
			h.handleUIMessage(client, data)
		}
	}
}

// handleUIMessage processes log stream subscription requests
func (h *WebSocketHandler) handleUIMessage(client *wsClient, data []byte) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug().Err(err).Msg("Ignoring malformed WebSocket message")
		return
	}

	switch msg.Type {
	case "subscribe_logs":
		if msg.JobID == "" {
			return
		}
		h.streamLogs(client, msg.JobID)
	case "unsubscribe_logs":
		client.setLogCancel(nil)
	}
}

// streamLogs attaches the client to a job's log topic. The broker
// delivers the stored artifact first, then live chunks in order.
func (h *WebSocketHandler) streamLogs(client *wsClient, jobID string) {
	ch, cancel, err := h.broker.Subscribe(jobID)
	if err != nil {
		h.sendTo(client, WSMessage{Type: "error", Payload: map[string]string{
			"job_id": jobID,
			"error":  err.Error(),
		}})
		return
	}

	client.setLogCancel(cancel)

	go func() {
		for chunk := range ch {
			if !h.sendTo(client, WSMessage{Type: "log_chunk", Payload: chunk}) {
				cancel()
				return
			}
		}
	}()
}

// sendHello tells the client which server instance it reached, so a
// restart can be detected and cached state discarded.
func (h *WebSocketHandler) sendHello(client *wsClient) {
	h.sendTo(client, WSMessage{Type: "hello", Payload: map[string]string{
		"server_instance_id": h.serverInstanceID,
	}})
}

func (h *WebSocketHandler) sendTo(client *wsClient, msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return false
	}
	if err := client.send(data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send WebSocket message")
		return false
	}
	return true
}

// BroadcastSystemLog pushes one primary log line to UI clients. Fed by the
// arbor bridge in websocket_writer.go, already level-filtered and throttled.
func (h *WebSocketHandler) BroadcastSystemLog(entry SystemLogEntry) {
	h.broadcast(RoomUI, WSMessage{Type: "system_log", Payload: entry})
}

// broadcast sends a message to every client in the room
func (h *WebSocketHandler) broadcast(room string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		if client.room == room {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.send(data); err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send broadcast to client")
		}
	}
}

// ClientCount reports connected clients per room
func (h *WebSocketHandler) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.room == room {
			count++
		}
	}
	return count
}
