// Package websocket streams kiosk events (hardware state, check-in
// outcomes) to UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one event sent to every client.
type Message struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	log        *zap.Logger

	// last holds the most recent encoded message per type, replayed to new
	// clients so they start with the current state.
	mu   sync.Mutex
	last map[string][]byte
	seq  []string
}

type outbound struct {
	kind string
	raw  []byte
}

// NewHub creates a Hub; call Run to start it.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 64),
		done:       make(chan struct{}),
		log:        log,
		last:       make(map[string][]byte),
	}
}

// Publish encodes data as a Message of the given type and queues it for
// every client. It never blocks; when the queue is full the message is
// dropped.
func (h *Hub) Publish(kind string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to encode websocket message", zap.String("type", kind), zap.Error(err))
		return
	}
	raw, err := json.Marshal(Message{Type: kind, Time: time.Now().UTC(), Data: payload})
	if err != nil {
		h.log.Error("failed to encode websocket message", zap.String("type", kind), zap.Error(err))
		return
	}

	h.mu.Lock()
	if _, seen := h.last[kind]; !seen {
		h.seq = append(h.seq, kind)
	}
	h.last[kind] = raw
	h.mu.Unlock()

	select {
	case h.broadcast <- outbound{kind: kind, raw: raw}:
	default:
		h.log.Warn("websocket broadcast queue full, message dropped", zap.String("type", kind))
	}
}

func (h *Hub) snapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, 0, len(h.seq))
	for _, k := range h.seq {
		out = append(out, h.last[k])
	}
	return out
}

// Run starts the hub's main loop and returns when ctx is cancelled, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			for _, raw := range h.snapshot() {
				c.trySend(raw)
			}
			h.log.Debug("websocket client connected", zap.String("remote", c.remote))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug("websocket client disconnected", zap.String("remote", c.remote))
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if !c.trySend(m.raw) {
					// Slow consumer; drop it rather than stall everyone.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}
