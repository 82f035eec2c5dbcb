// ABOUTME: Connector contract shared by all platform adapters
// ABOUTME: Plus socket write serialization and cache naming helpers

package connector

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bygeon/bygeon/internal/hub"
)

// Connector is the full per-platform adapter contract: the hub-facing
// egress surface plus registration and the ingress lifecycle.
//
// A connector owns one persistent ingress WebSocket, an outgoing HTTP
// client, and an index from remote channel id to hub, populated through
// AddHub before Start. Identity is the platform name, so a process runs at
// most one connector per platform.
type Connector interface {
	hub.Connector

	// AddHub registers that events observed on channelID belong to h,
	// and that egress operations targeting h go to channelID. Nickname
	// tables for the channel may be prefetched here.
	AddHub(channelID string, h *hub.Hub)

	// Start performs the platform's bootstrap calls (identity lookup,
	// socket URL negotiation) and launches the ingress loop. A returned
	// error is fatal; transport failures after Start are handled by
	// reconnecting internally.
	Start() error

	// Join blocks until the ingress loop exits. Under normal operation
	// it never does.
	Join()
}

// SafeConn serializes writes to a WebSocket shared between the ingress
// goroutine (acks) and a heartbeat goroutine. gorilla/websocket allows
// only one concurrent writer per connection.
type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// NewSafeConn wraps an established connection.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{Conn: conn}
}

// WriteMessage writes a message holding the write lock.
func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(messageType, data)
}

// WriteJSON marshals v and writes it holding the write lock.
func (sc *SafeConn) WriteJSON(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// CacheName builds the cache filename stem <platform>_<native-id>; the
// download layer appends the MIME-derived extension.
func CacheName(platform, nativeID string) string {
	return fmt.Sprintf("%s_%s", platform, nativeID)
}
