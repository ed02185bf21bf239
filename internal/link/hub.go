// ABOUTME: Agent-side registry of attached worker sessions
// ABOUTME: Routes envelopes to the session owning their destination and feeds worker traffic inbound

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
)

// Hub errors
var (
	ErrWorkerNotAttached = errors.New("worker not attached")
	ErrAlreadyAttached   = errors.New("worker already attached")
	ErrNotWorkerAddress  = errors.New("not a worker address")
)

// Receiver accepts envelopes arriving from workers.
type Receiver interface {
	Deliver(env *operation.Envelope) error
}

// SendFunc writes one envelope to a worker.
type SendFunc func(ctx context.Context, env *operation.Envelope) error

type session struct {
	worker address.Address
	send   SendFunc
}

// Hub tracks the worker sessions attached to one agent.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	receiver Receiver
	sessions map[address.Address]*session
	attached map[address.Address]chan struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		sessions: make(map[address.Address]*session),
		attached: make(map[address.Address]chan struct{}),
	}
}

// Bind sets where inbound worker traffic is delivered.
func (h *Hub) Bind(r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receiver = r
}

// Attach registers the session of worker. The returned function detaches it.
func (h *Hub) Attach(worker address.Address, send SendFunc) (func(), error) {
	if worker.Level() != address.WorkerLevel || worker.IsWildcard() {
		return nil, fmt.Errorf("%w: %s", ErrNotWorkerAddress, worker)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[worker]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, worker)
	}
	s := &session{worker: worker, send: send}
	h.sessions[worker] = s
	close(h.signalLocked(worker))

	h.logger.Info("=== WORKER ATTACHED ===", "worker", worker)

	return func() { h.detach(s) }, nil
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.worker] != s {
		return
	}
	delete(h.sessions, s.worker)
	h.attached[s.worker] = make(chan struct{})
	h.logger.Info("=== WORKER DETACHED ===", "worker", s.worker)
}

// signalLocked returns the channel closed when worker attaches. mu must be held.
func (h *Hub) signalLocked(worker address.Address) chan struct{} {
	ch, ok := h.attached[worker]
	if !ok {
		ch = make(chan struct{})
		h.attached[worker] = ch
	}
	return ch
}

// WaitAttached blocks until worker has an attached session or ctx ends.
func (h *Hub) WaitAttached(ctx context.Context, worker address.Address) error {
	h.mu.Lock()
	if _, ok := h.sessions[worker]; ok {
		h.mu.Unlock()
		return nil
	}
	ch := h.signalLocked(worker)
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to attach: %w", worker, ctx.Err())
	}
}

// Attached reports whether worker currently has a session.
func (h *Hub) Attached(worker address.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[worker]
	return ok
}

// Workers returns the attached workers in address order.
func (h *Hub) Workers() []address.Address {
	h.mu.RLock()
	workers := make([]address.Address, 0, len(h.sessions))
	for w := range h.sessions {
		workers = append(workers, w)
	}
	h.mu.RUnlock()

	slices.SortFunc(workers, address.Compare)
	return workers
}

// Send delivers env to the worker owning its destination.
func (h *Hub) Send(ctx context.Context, env *operation.Envelope) error {
	if env.Destination.Level() < address.WorkerLevel {
		return fmt.Errorf("%w: %s", ErrNotWorkerAddress, env.Destination)
	}
	worker := env.Destination.Ancestor(address.WorkerLevel)

	h.mu.RLock()
	s, ok := h.sessions[worker]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotAttached, worker)
	}
	return s.send(ctx, env)
}

// Receive hands an envelope sent by worker to the bound Receiver.
// Envelopes whose source lies outside the worker's subtree are rejected.
func (h *Hub) Receive(worker address.Address, env *operation.Envelope) error {
	if env.Source.Ancestor(address.WorkerLevel) != worker {
		h.logger.Warn("dropping envelope with foreign source", "worker", worker, "source", env.Source)
		return fmt.Errorf("worker %s cannot send as %s", worker, env.Source)
	}

	h.mu.RLock()
	r := h.receiver
	h.mu.RUnlock()
	if r == nil {
		return errors.New("hub has no receiver")
	}
	return r.Deliver(env)
}
