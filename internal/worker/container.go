// ABOUTME: Binds one workload module instance to its test id, index and context
// ABOUTME: Runs lifecycle phases one at a time in the background

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/workload"
)

// ErrPhaseRunning indicates a phase was started while another was still running.
var ErrPhaseRunning = errors.New("test phase already running")

// ErrUnknownPhase indicates a phase name outside setup/run/verify.
var ErrUnknownPhase = errors.New("unknown test phase")

// TestContainer is one running test on a worker.
type TestContainer struct {
	index    int
	testCase operation.TestCase
	module   workload.Module
	context  *workload.TestContext

	mu      sync.Mutex
	running operation.TestPhase
	idle    chan struct{} // closed while no phase runs
}

// NewTestContainer binds module to the test described by tc at index.
func NewTestContainer(index int, tc operation.TestCase, module workload.Module, testContext *workload.TestContext) *TestContainer {
	idle := make(chan struct{})
	close(idle)
	return &TestContainer{
		index:    index,
		testCase: tc,
		module:   module,
		context:  testContext,
		idle:     idle,
	}
}

// Index returns the positional test index.
func (c *TestContainer) Index() int { return c.index }

// ID returns the test id.
func (c *TestContainer) ID() string { return c.testCase.ID }

// TestCase returns the definition the test was created from.
func (c *TestContainer) TestCase() operation.TestCase { return c.testCase }

// Module returns the workload module instance.
func (c *TestContainer) Module() workload.Module { return c.module }

// Context returns the test context.
func (c *TestContainer) Context() *workload.TestContext { return c.context }

// Running returns the phase currently executing, or "" when idle.
func (c *TestContainer) Running() operation.TestPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start launches phase in a new goroutine and calls done with its outcome.
func (c *TestContainer) Start(ctx context.Context, phase operation.TestPhase, done func(error)) error {
	hook, err := c.hook(phase)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.running != "" {
		running := c.running
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is running %s", ErrPhaseRunning, c.ID(), running)
	}
	c.running = phase
	idle := make(chan struct{})
	c.idle = idle
	c.mu.Unlock()

	go func() {
		err := c.invoke(ctx, hook)
		c.mu.Lock()
		c.running = ""
		close(idle)
		c.mu.Unlock()
		done(err)
	}()
	return nil
}

// WaitIdle blocks until no phase is running or ctx ends.
func (c *TestContainer) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TestContainer) hook(phase operation.TestPhase) (func(context.Context, *workload.TestContext) error, error) {
	switch phase {
	case operation.PhaseSetup:
		return c.module.Setup, nil
	case operation.PhaseRun:
		return c.module.Run, nil
	case operation.PhaseVerify:
		return c.module.Verify, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
}

func (c *TestContainer) invoke(ctx context.Context, hook func(context.Context, *workload.TestContext) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return hook(ctx, c.context)
}

// Stop raises the test's stop flag.
func (c *TestContainer) Stop() {
	c.context.Stop()
}
