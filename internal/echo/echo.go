// ABOUTME: Thread-safe TTL cache of remote ids produced by our own egress
// ABOUTME: Connectors use it to drop delete/edit events that are self-echoes

package echo

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a marked id.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Suppressor tracks remote message ids that this process itself deleted or
// re-sent, so the resulting platform notifications are not fed back into a
// hub. Entries expire after a TTL; a size cap bounds memory with insertion
// order kept in a linked list for O(1) eviction.
type Suppressor struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a suppressor with the given TTL and maximum size. A background
// goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Suppressor {
	s := &Suppressor{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Mark records a remote id just produced by one of our own egress operations.
func (s *Suppressor) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.seen[id]; ok {
		e.timestamp = now
		s.order.MoveToBack(e.element)
		return
	}

	if len(s.seen) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushBack(id)
	s.seen[id] = &entry{timestamp: now, element: elem}
}

// Drop reports whether id belongs to one of our own recent operations and
// consumes the mark, so only the single echo notification is swallowed.
func (s *Suppressor) Drop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.seen[id]
	if !ok {
		return false
	}
	s.order.Remove(e.element)
	delete(s.seen, id)
	return time.Since(e.timestamp) < s.ttl
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (s *Suppressor) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.seen, id)
}

// cleanup periodically removes expired entries until Close is called.
func (s *Suppressor) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, e := range s.seen {
				if now.Sub(e.timestamp) > s.ttl {
					s.order.Remove(e.element)
					delete(s.seen, id)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *Suppressor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
