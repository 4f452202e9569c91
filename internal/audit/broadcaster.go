package audit

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Broadcaster fans committed audit events out to WebSocket subscribers so
// operators can watch a partition's trail live. Purely observational: a slow
// or failed subscriber never affects admission.
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[string]map[*websocket.Conn]bool // partition -> connections
}

// NewBroadcaster creates a new audit event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		connections: make(map[string]map[*websocket.Conn]bool),
	}
}

// Subscribe registers a WebSocket connection for a partition's feed.
func (b *Broadcaster) Subscribe(partition string, conn *websocket.Conn) {
	partition = normalizePartition(partition)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[partition] == nil {
		b.connections[partition] = make(map[*websocket.Conn]bool)
	}
	b.connections[partition][conn] = true
}

// Unsubscribe removes a WebSocket connection from all partition feeds.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for partition, conns := range b.connections {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, partition)
		}
	}
}

// Broadcast sends a committed event to all subscribers of its partition.
// Writes hold the full lock: gorilla/websocket allows at most one concurrent
// writer per connection, and concurrent admissions would otherwise race on
// the same conn.
func (b *Broadcaster) Broadcast(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns, exists := b.connections[ev.SiteCollection]
	if !exists || len(conns) == 0 {
		return
	}

	// Serialize once for all subscribers
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal audit event for feed", "error", err)
		return
	}

	for conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("failed to send audit event to feed subscriber",
				"error", err,
				"partition", ev.SiteCollection,
			)
			// Connection will be cleaned up when the client disconnects
		}
	}
}

// ConnectionCount returns the number of active feed subscribers for a
// partition.
func (b *Broadcaster) ConnectionCount(partition string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if conns, exists := b.connections[normalizePartition(partition)]; exists {
		return len(conns)
	}
	return 0
}
