// Package realtime pushes chat events to websocket subscribers. A push is
// only a hint: clients still fetch and reconcile through the chat API, so a
// dropped or reordered push never loses data.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/metrics"
)

// adminFeed is the subscription key for clients watching every session.
const adminFeed = ""

type Hub struct {
	clients    map[string]map[*Client]bool // session id -> clients
	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	metrics    *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
	}
}

// Dispatch queues e for delivery. It has the events.Handler signature so a
// hub can subscribe directly to a bus or a kafka subscriber.
func (h *Hub) Dispatch(ctx context.Context, e events.Event) {
	select {
	case h.broadcast <- e:
	case <-ctx.Done():
	case <-h.done:
	}
}

// Subscribers reports how many clients watch sessionID; the empty id
// counts admin feed clients.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			h.mu.Unlock()
			h.gauge(1)
			slog.DebugContext(ctx, "push client registered", "session_id", client.SessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				slog.ErrorContext(ctx, "encoding push event", "error", err)
				continue
			}
			h.mu.Lock()
			for _, client := range h.targets(e) {
				select {
				case client.send <- data:
				default:
					// Too slow to keep up; it reconnects and refetches.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// targets must be called with mu held.
func (h *Hub) targets(e events.Event) []*Client {
	var out []*Client
	for session, clients := range h.clients {
		match := session == adminFeed || session == e.SessionID ||
			(e.Type == events.SessionPurged && e.SessionID == "")
		if !match {
			continue
		}
		for c := range clients {
			out = append(out, c)
		}
	}
	return out
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.SessionID)
	}
	h.gauge(-1)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for c := range clients {
			h.remove(c)
		}
	}
}

func (h *Hub) gauge(delta float64) {
	if h.metrics != nil {
		h.metrics.WSClients.Add(delta)
	}
}
