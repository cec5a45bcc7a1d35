// Package diag implements the optional, disabled-by-default diagnostics
// endpoint SPEC_FULL.md §2 adds: a websocket feed of live registry state
// (session count, per-session queue depth, running flag) for an operator
// tool to watch. It never touches the Guacamole data path; a mux only
// starts it when --diag-addr is set.
//
// Adapted from the teacher's internal/sse.Hub: the same non-blocking
// per-client fan-out (a buffered channel per client, skip on full rather
// than block the broadcaster) but pushed over gorilla/websocket instead of
// Server-Sent Events, matching the protocol the teacher's own
// internal/websocket package already speaks for operator-facing tooling.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientBufSize matches the teacher's SSE hub's per-client buffer size.
const clientBufSize = 32

// Snapshot describes one session for the diagnostics feed.
type Snapshot struct {
	ID         string `json:"id"`
	Running    bool   `json:"running"`
	QueueDepth int    `json:"queue_depth"`
}

// Source supplies the current set of sessions to report. Implemented by
// *registry.Registry via a small adapter in cmd/gms-server and
// cmd/gms-client, so this package does not import internal/registry
// directly and stays reusable by either mux.
type Source func() []Snapshot

type client struct {
	conn *websocket.Conn
	ch   chan []byte
}

// Hub serves the diagnostics websocket endpoint, periodically polling
// Source and broadcasting the result to every connected client.
type Hub struct {
	source Source
	period time.Duration
	log    *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a diagnostics Hub. period <= 0 defaults to one second.
func NewHub(source Source, period time.Duration, logger *slog.Logger) *Hub {
	if period <= 0 {
		period = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source:  source,
		period:  period,
		log:     logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the polling/broadcast loop. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	payload, err := json.Marshal(h.source())
	if err != nil {
		h.log.Error("diag: failed to marshal snapshot", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- payload:
		default:
			// client fell behind; drop this tick rather than block the broadcaster.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// ServeHTTP upgrades the connection to a websocket and streams snapshots
// to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("diag: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, ch: make(chan []byte, clientBufSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain client-initiated frames (pings/close) in the background so
	// control frames are processed; the feed is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for payload := range c.ch {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
