package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/events"
)

const (
	defaultEventBuffer = 1000
	writeWait          = 5 * time.Second
)

var _ events.Sink = (*EventsHandler)(nil)

// EventsResponse is the response for the events endpoint.
type EventsResponse struct {
	Events  []events.Event `json:"events"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

// EventsHandler keeps recent engine events and streams new ones to websocket clients.
type EventsHandler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	buffer    []events.Event
	bufferMu  sync.RWMutex
	maxBuffer int

	// clientsMu also serializes writes; a websocket connection allows one writer.
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
}

// NewEventsHandler creates a handler remembering the last size events.
func NewEventsHandler(size int, logger *zap.Logger) *EventsHandler {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &EventsHandler{
		logger: logger.With(zap.String("component", "events-handler")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer:    make([]events.Event, 0, size),
		maxBuffer: size,
		clients:   make(map[*websocket.Conn]bool),
	}
}

// RegisterRoutes registers the events routes.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/events", h.handleGetEvents)
	mux.HandleFunc("/api/v1/events/stream", h.handleStream)
}

// Publish buffers the event and broadcasts it. It implements events.Sink.
func (h *EventsHandler) Publish(ctx context.Context, e events.Event) error {
	h.bufferMu.Lock()
	h.buffer = append(h.buffer, e)
	if len(h.buffer) > h.maxBuffer {
		h.buffer = h.buffer[len(h.buffer)-h.maxBuffer:]
	}
	h.bufferMu.Unlock()

	h.broadcast(e)
	return nil
}

// Close disconnects every streaming client.
func (h *EventsHandler) Close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *EventsHandler) clientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// handleGetEvents handles GET /api/v1/events?kind=&limit=&offset=
func (h *EventsHandler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	kind := events.Kind(query.Get("kind"))

	limit := 100
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l <= h.maxBuffer {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(query.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	h.bufferMu.RLock()
	filtered := make([]events.Event, 0, len(h.buffer))
	for _, e := range h.buffer {
		if kind != "" && e.Kind != kind {
			continue
		}
		filtered = append(filtered, e)
	}
	h.bufferMu.RUnlock()

	total := len(filtered)
	if offset >= total {
		filtered = []events.Event{}
	} else {
		end := offset + limit
		if end > total {
			end = total
		}
		filtered = filtered[offset:end]
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Events:  filtered,
		Total:   total,
		HasMore: offset+len(filtered) < total,
	})
}

// handleStream handles websocket connections for event streaming.
func (h *EventsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()
	h.logger.Debug("Event stream client connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		h.logger.Debug("Event stream client disconnected")
	}()

	// Reads only detect disconnects; clients never send data.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("Failed to marshal event", zap.Error(err))
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Failed to send event to client", zap.Error(err))
		}
	}
}
