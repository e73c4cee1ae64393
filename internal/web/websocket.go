package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// replayOperations bounds how many operations keep a replay buffer.
const replayOperations = 64

// Event is one protocol event as delivered to websocket clients.
type Event struct {
	Operation string          `json:"operation"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type Hub struct {
	clients   map[*websocket.Conn]string // conn → operation filter, "" for all
	broadcast chan Event
	mu        sync.RWMutex

	replay     *lru.Cache[string, []Event]
	replaySize int
	replayMu   sync.Mutex
}

func NewHub(replaySize int) *Hub {
	cache, _ := lru.New[string, []Event](replayOperations)
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan Event, 256),
		replay:     cache,
		replaySize: replaySize,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			var failed []*websocket.Conn
			h.mu.RLock()
			for client, op := range h.clients {
				if op != "" && op != event.Operation {
					continue
				}
				if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
					failed = append(failed, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range failed {
				h.Unregister(client)
				client.Close()
			}
		}
	}
}

// Broadcast records the event for replay and queues it for connected
// clients.
func (h *Hub) Broadcast(event Event) {
	h.remember(event)
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "operation", event.Operation)
	}
}

func (h *Hub) remember(event Event) {
	if h.replaySize <= 0 || event.Operation == "" {
		return
	}
	h.replayMu.Lock()
	defer h.replayMu.Unlock()

	events, _ := h.replay.Get(event.Operation)
	events = append(events, event)
	if len(events) > h.replaySize {
		events = append([]Event(nil), events[len(events)-h.replaySize:]...)
	}
	h.replay.Add(event.Operation, events)
}

// Recent returns the buffered events of an operation, oldest first.
func (h *Hub) Recent(opID string) []Event {
	h.replayMu.Lock()
	defer h.replayMu.Unlock()
	events, _ := h.replay.Get(opID)
	return append([]Event(nil), events...)
}

func (h *Hub) Register(conn *websocket.Conn, opID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = opID
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	opID := r.URL.Query().Get("operation")

	// Replay before registering so buffered events precede live ones.
	for _, event := range s.hub.Recent(opID) {
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
			return
		}
	}

	s.hub.Register(conn, opID)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Keep connection alive until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
