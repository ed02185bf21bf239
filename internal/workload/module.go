// ABOUTME: Contract between the worker runtime and pluggable workload modules
// ABOUTME: Lifecycle hooks plus the TestContext exposing test id, stop flag and cluster

package workload

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-sim/internal/cluster"
)

// Module is one configurable piece of test logic.
// Hooks are called in order setup, run, verify; each at most once.
type Module interface {
	Setup(ctx context.Context, tc *TestContext) error
	Run(ctx context.Context, tc *TestContext) error
	Verify(ctx context.Context, tc *TestContext) error
}

// TestContext is what a running module may see of its environment.
type TestContext struct {
	testID  string
	cluster cluster.Instance
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTestContext creates the context of test testID.
func NewTestContext(testID string, c cluster.Instance, logger *slog.Logger) *TestContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestContext{
		testID:  testID,
		cluster: c,
		logger:  logger.With("test_id", testID),
		stop:    make(chan struct{}),
	}
}

// TestID returns the test id. It may be empty.
func (tc *TestContext) TestID() string {
	return tc.testID
}

// Cluster returns the cluster under test.
func (tc *TestContext) Cluster() cluster.Instance {
	return tc.cluster
}

// Logger returns a logger tagged with the test id.
func (tc *TestContext) Logger() *slog.Logger {
	return tc.logger
}

// Stop raises the stop flag. Later calls are no-ops.
func (tc *TestContext) Stop() {
	tc.stopOnce.Do(func() { close(tc.stop) })
}

// Stopped reports whether the stop flag is raised.
func (tc *TestContext) Stopped() bool {
	select {
	case <-tc.stop:
		return true
	default:
		return false
	}
}

// Done is closed when the stop flag is raised.
func (tc *TestContext) Done() <-chan struct{} {
	return tc.stop
}
