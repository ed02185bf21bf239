// ABOUTME: Worker identity carried through request handlers
// ABOUTME: Provides WithWorker/FromContext for propagating verified identity via context

package auth

import (
	"context"
)

// workerContextKey is the key type for storing WorkerIdentity in context.Context.
type workerContextKey struct{}

// WithWorker returns a new context with the identity attached.
func WithWorker(ctx context.Context, id WorkerIdentity) context.Context {
	return context.WithValue(ctx, workerContextKey{}, id)
}

// FromContext retrieves the WorkerIdentity from the context.
func FromContext(ctx context.Context) (WorkerIdentity, bool) {
	id, ok := ctx.Value(workerContextKey{}).(WorkerIdentity)
	return id, ok
}
