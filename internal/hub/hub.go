// ABOUTME: Hub coordination for one logical conversation across platforms
// ABOUTME: Demultiplexes connector events and fans out to siblings concurrently

package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bygeon/bygeon/internal/message"
	"github.com/bygeon/bygeon/internal/store"
)

// Connector is the egress surface a hub needs from a platform adapter.
// Implementations live in internal/connector; each call is synchronous and
// the hub schedules them on their own goroutines for concurrency.
type Connector interface {
	// Name is the stable platform name, used as the correspondence
	// column key.
	Name() string

	// Send posts a mirrored message to channelID, threading it under
	// replyTo when non-empty, and returns the remote id the platform
	// assigned.
	Send(m message.Message, channelID, replyTo string) (string, error)

	// Edit applies the message's text to an existing remote message.
	// Platforms without native edits may delete and re-send; in that
	// case the returned id is the replacement's, otherwise remoteID is
	// returned unchanged.
	Edit(m message.Message, channelID, remoteID string) (string, error)

	// Delete removes a remote message.
	Delete(remoteID, channelID string) error
}

// link binds a sibling connector to the remote channel it serves for this
// hub.
type link struct {
	conn      Connector
	channelID string
}

// Hub is the coordination object for one logical conversation. It owns the
// hub's correspondence store and its set of links, receives events from
// connector ingress goroutines, and dispatches fan-out operations to
// siblings, one goroutine per egress call.
type Hub struct {
	name   string
	store  *store.Store
	links  map[string]link
	order  []string
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates an unlinked hub. Call Link for each participating connector,
// then Init to open the store; the platform set is fixed from then on.
func New(name string) *Hub {
	return &Hub{
		name:   name,
		links:  make(map[string]link),
		logger: slog.Default().With("component", "hub", "hub", name),
	}
}

// Name returns the hub's configured name.
func (h *Hub) Name() string {
	return h.name
}

// Link registers a connector and the remote channel it bridges for this
// hub. At most one connector per platform may be linked.
func (h *Hub) Link(c Connector, channelID string) error {
	if _, exists := h.links[c.Name()]; exists {
		return fmt.Errorf("platform %s already linked to hub %s", c.Name(), h.name)
	}
	h.links[c.Name()] = link{conn: c, channelID: channelID}
	h.order = append(h.order, c.Name())
	return nil
}

// Init opens the hub's correspondence database (<name>.db in the working
// directory) with one column per linked platform. With keepData false any
// previous table is discarded.
func (h *Hub) Init(keepData bool) error {
	if len(h.order) == 0 {
		return fmt.Errorf("hub %s has no linked connectors", h.name)
	}
	s, err := store.Open(h.name+".db", h.order, keepData)
	if err != nil {
		return fmt.Errorf("initializing hub %s: %w", h.name, err)
	}
	h.store = s
	return nil
}

// OnNewMessage records the origin and mirrors the message to every sibling.
// If the message is a reply, the reply target is translated per sibling
// best-effort: siblings without a recorded mirror of the target receive the
// message without reply context.
func (h *Hub) OnNewMessage(m message.Message) {
	refs := map[string]string{}
	if m.ReplyTo != "" {
		row, err := h.store.FindRow(m.Origin, m.ReplyTo)
		switch {
		case err == nil:
			refs = row
		case errors.Is(err, store.ErrNotFound):
			h.logger.Debug("reply target unknown, sending without reply context",
				"origin", m.Origin, "reply_to", m.ReplyTo)
		default:
			h.logger.Warn("reply lookup failed", "error", err)
		}
	}

	if err := h.store.InsertOrigin(m.Origin, m.ID); err != nil {
		// Fan-out still proceeds; sibling updates will warn and drop.
		h.logger.Warn("recording origin failed", "origin", m.Origin, "id", m.ID, "error", err)
	}

	for _, name := range h.siblings(m.Origin) {
		l := h.links[name]
		ref := refs[name]

		h.wg.Add(1)
		go func(name string, l link, ref string) {
			defer h.wg.Done()

			sentID, err := l.conn.Send(m, l.channelID, ref)
			if err != nil {
				h.logger.Warn("sibling send failed",
					"sibling", name, "origin", m.Origin, "origin_id", m.ID, "error", err)
				return
			}
			if err := h.store.SetSibling(m.Origin, m.ID, name, sentID); err != nil {
				h.logger.Warn("recording sibling id failed",
					"sibling", name, "sibling_id", sentID, "error", err)
			}
		}(name, l, ref)
	}
}

// OnEdit propagates a text edit to every sibling that has a recorded
// mirror. Siblings whose mirror id is unknown are skipped. When a sibling
// implements the edit as delete-and-resend, the row is updated to the
// replacement id so later deletes translate correctly.
func (h *Hub) OnEdit(m message.Message) {
	row, err := h.store.FindRow(m.Origin, m.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("edit lookup failed", "error", err)
		}
		return
	}

	for _, name := range h.siblings(m.Origin) {
		remoteID, ok := row[name]
		if !ok {
			continue
		}
		l := h.links[name]

		h.wg.Add(1)
		go func(name string, l link, remoteID string) {
			defer h.wg.Done()

			newID, err := l.conn.Edit(m, l.channelID, remoteID)
			if err != nil {
				h.logger.Warn("sibling edit failed",
					"sibling", name, "remote_id", remoteID, "error", err)
				return
			}
			if newID != "" && newID != remoteID {
				if err := h.store.SetSibling(m.Origin, m.ID, name, newID); err != nil {
					h.logger.Warn("recording resent id failed",
						"sibling", name, "sibling_id", newID, "error", err)
				}
			}
		}(name, l, remoteID)
	}
}

// OnDelete propagates a deletion to every sibling with a recorded mirror.
// The correspondence row is kept; translations for a deleted message are
// harmless.
func (h *Hub) OnDelete(originPlatform, originID string) {
	row, err := h.store.FindRow(originPlatform, originID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("delete lookup failed", "error", err)
		}
		return
	}

	for _, name := range h.siblings(originPlatform) {
		remoteID, ok := row[name]
		if !ok {
			continue
		}
		l := h.links[name]

		h.wg.Add(1)
		go func(name string, l link, remoteID string) {
			defer h.wg.Done()

			if err := l.conn.Delete(remoteID, l.channelID); err != nil {
				h.logger.Warn("sibling delete failed",
					"sibling", name, "remote_id", remoteID, "error", err)
			}
		}(name, l, remoteID)
	}
}

// Wait blocks until all in-flight fan-out goroutines have finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Close drains in-flight fan-out and closes the store.
func (h *Hub) Close() error {
	h.wg.Wait()
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}

// siblings returns the linked platform names other than origin, in
// registration order.
func (h *Hub) siblings(origin string) []string {
	out := make([]string, 0, len(h.order))
	for _, name := range h.order {
		if name != origin {
			out = append(out, name)
		}
	}
	return out
}
