// ABOUTME: Buffer of failures observed on an agent's workers
// ABOUTME: Reports append concurrently; Drain swaps the buffer out under one lock

package workers

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-sim/internal/harness"
)

// FailureMonitor accumulates failures until the coordinator drains them.
type FailureMonitor struct {
	logger *slog.Logger

	mu       sync.Mutex
	failures []harness.Failure
}

// NewFailureMonitor creates an empty FailureMonitor.
func NewFailureMonitor(logger *slog.Logger) *FailureMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureMonitor{logger: logger}
}

// Report records f, stamping it with the current time if it has none.
func (m *FailureMonitor) Report(f harness.Failure) {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	m.logger.Error("worker failure",
		"worker", f.Worker,
		"kind", f.Kind,
		"test_id", f.TestID,
		"message", f.Message,
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
}

// Drain moves every buffered failure into sink and returns it.
// Each failure is returned by exactly one Drain.
func (m *FailureMonitor) Drain(sink []harness.Failure) []harness.Failure {
	m.mu.Lock()
	drained := m.failures
	m.failures = nil
	m.mu.Unlock()

	return append(sink, drained...)
}

// Requeue puts drained failures back in front of anything reported since,
// for a drain whose result never reached the coordinator.
func (m *FailureMonitor) Requeue(failures []harness.Failure) {
	if len(failures) == 0 {
		return
	}
	m.logger.Warn("requeueing undelivered failures", "count", len(failures))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(slices.Clone(failures), m.failures...)
}

// Len returns the number of buffered failures.
func (m *FailureMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}
