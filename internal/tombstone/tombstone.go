// ABOUTME: Thread-safe TTL set of finished correlation ids and why they finished.
// ABOUTME: Lets the correlation layer tell a late reply from a duplicate delivery.

package tombstone

import (
	"container/list"
	"sync"
	"time"
)

// Reason records how a correlation id left the pending table.
type Reason int

const (
	// Resolved ids received their reply. Another reply is a duplicate delivery.
	Resolved Reason = iota + 1
	// Expired ids timed out. A reply arriving afterwards is late, not duplicated.
	Expired
)

func (r Reason) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

type entry struct {
	reason   Reason
	markedAt time.Time
	element  *list.Element
}

// Set remembers finished correlation ids for ttl, holding at most maxSize of them.
// The oldest id is forgotten first when the set is full.
type Set struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a Set and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Set {
	s := &Set{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Mark records key as finished for reason, replacing any previous reason.
func (s *Set) Mark(key string, reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok {
		e.reason = reason
		e.markedAt = now
		s.order.MoveToBack(e.element)
		return
	}

	if len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	s.entries[key] = &entry{
		reason:   reason,
		markedAt: now,
		element:  s.order.PushBack(key),
	}
}

// Lookup returns why key finished, if it is still remembered.
func (s *Set) Lookup(key string) (Reason, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || time.Since(e.markedAt) >= s.ttl {
		return 0, false
	}
	return e.reason, true
}

// Len returns the number of remembered ids, expired or not.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// evictOldest must be called with mu held.
func (s *Set) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.entries, key)
}

func (s *Set) sweep() {
	interval := s.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *Set) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if now.Sub(e.markedAt) >= s.ttl {
			s.order.Remove(e.element)
			delete(s.entries, key)
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
