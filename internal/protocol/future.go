// ABOUTME: Single-assignment slot for the reply to one submitted operation
// ABOUTME: Resolved exactly once by a response, a timeout, or connector shutdown

package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
)

// ErrAlreadyResolved indicates a second attempt to resolve a Future.
var ErrAlreadyResolved = errors.New("future already resolved")

// Future is the pending reply of a submitted operation.
type Future struct {
	id          string
	destination address.Address
	done        chan struct{}

	mu       sync.Mutex
	resolved bool
	resp     *operation.Response
	err      error
}

func newFuture(id string, destination address.Address) *Future {
	return &Future{
		id:          id,
		destination: destination,
		done:        make(chan struct{}),
	}
}

// ID returns the correlation id.
func (f *Future) ID() string {
	return f.id
}

// Destination returns the address the operation was sent to.
func (f *Future) Destination() address.Address {
	return f.destination
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx ends.
// A reply that arrived returns (resp, nil) even when resp carries an
// exception; ErrResponseTimeout means no reply arrived at all.
func (f *Future) Get(ctx context.Context) (*operation.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the outcome without blocking. resolved is false while no outcome exists.
func (f *Future) Poll() (resp *operation.Response, resolved bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		return nil, false, nil
	}
	return f.resp, true, f.err
}

func (f *Future) complete(resp *operation.Response, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resolved {
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.resp = resp
	f.err = err
	close(f.done)
	return nil
}
