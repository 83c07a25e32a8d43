// Package websocket pushes revocation signals to live players. When a
// learner signs a device out, or an eviction or suspension removes its
// session, the affected player hears about it here instead of discovering
// the revocation on its next manifest fetch.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"lessonvault/internal/infrastructure"
)

// Message types pushed to clients.
const (
	TypeConnected  = "connected"
	TypeRevocation = "revocation"
)

// Revocation reasons.
const (
	ReasonSignedOut = "signed_out"
	ReasonEvicted   = "evicted"
	ReasonSuspended = "suspended"
)

// Message is the wire shape of every push.
type Message struct {
	Type        string    `json:"type"`
	Reason      string    `json:"reason,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Hub tracks connected players indexed by learner so revocations can target
// one learner's devices without touching anyone else's.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]bool
	byLearner map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	running    bool

	logger *slog.Logger

	totalConnections int64
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		byLearner:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Start launches the hub loop. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			bucket := h.byLearner[client.learnerID]
			if bucket == nil {
				bucket = make(map[*Client]bool)
				h.byLearner[client.learnerID] = bucket
			}
			bucket[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("player connected",
				slog.String("client_id", client.id),
				slog.Int("active_connections", count),
			)
			client.enqueue(Message{Type: TypeConnected, Timestamp: time.Now()})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if bucket := h.byLearner[client.learnerID]; bucket != nil {
					delete(bucket, client)
					if len(bucket) == 0 {
						delete(h.byLearner, client.learnerID)
					}
				}
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("player disconnected",
				slog.String("client_id", client.id),
				slog.Int("active_connections", count),
			)
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	close(h.quit)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.byLearner = make(map[string]map[*Client]bool)
}

// NotifyRevoked pushes a revocation to the learner's matching devices. An
// empty fingerprint targets all of the learner's devices. Safe to call from
// any goroutine; players that are not connected simply miss the push and
// find out at their next manifest fetch.
func (h *Hub) NotifyRevoked(learnerID, fingerprint, reason string) {
	msg := Message{
		Type:        TypeRevocation,
		Reason:      reason,
		Fingerprint: fingerprint,
		Timestamp:   time.Now(),
	}

	h.mu.RLock()
	targets := make([]*Client, 0, 2)
	for client := range h.byLearner[learnerID] {
		if fingerprint == "" || client.fingerprint == fingerprint {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(msg)
	}

	h.logger.Info("revocation pushed",
		slog.String("reason", reason),
		slog.Int("targets", len(targets)),
	)
}

// ClientCount returns the number of connected players.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func marshalMessage(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
