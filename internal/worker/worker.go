// ABOUTME: Worker runtime: the worker-level processor and per-test processors
// ABOUTME: Creates tests, runs their phases, answers pings and shuts the worker down

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/cluster"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/processor"
	"github.com/2389/coven-sim/internal/protocol"
	"github.com/2389/coven-sim/internal/workload"
)

// ErrTerminating indicates an operation arrived after termination started.
var ErrTerminating = errors.New("worker is terminating")

// UserContextKey is the key a member worker publishes test testID under.
func UserContextKey(testID string) string {
	return "test:" + testID
}

// Config contains configuration options for a Worker.
type Config struct {
	Self    address.Address
	Type    harness.WorkerType
	Cluster cluster.Instance
	Modules *workload.Registry
	Logger  *slog.Logger

	// OnShutdown is called once when the worker has shut down.
	OnShutdown func()
}

// Worker hosts tests and processes operations addressed to itself and its tests.
type Worker struct {
	self    address.Address
	kind    harness.WorkerType
	cluster cluster.Instance
	modules *workload.Registry
	logger  *slog.Logger
	tests   *Registry

	onShutdown func()

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *protocol.Connector
	terminating bool
	shutdown    sync.Once
	done        chan struct{}
}

// New creates a Worker. Bind its connector before delivering operations.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Modules == nil {
		cfg.Modules = workload.Builtins()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		self:       cfg.Self,
		kind:       cfg.Type,
		cluster:    cfg.Cluster,
		modules:    cfg.Modules,
		logger:     cfg.Logger.With("worker", cfg.Self.String()),
		tests:      NewRegistry(),
		onShutdown: cfg.OnShutdown,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Bind sets the connector the worker uses for upstream traffic.
func (w *Worker) Bind(conn *protocol.Connector) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

func (w *Worker) connector() *protocol.Connector {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// Address returns the worker address.
func (w *Worker) Address() address.Address {
	return w.self
}

// Tests returns the registry of running tests.
func (w *Worker) Tests() *Registry {
	return w.tests
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Route implements processor.Router for the worker and its tests.
func (w *Worker) Route(dst address.Address) (processor.Processor, operation.ResponseType) {
	switch {
	case dst == w.self:
		return processor.Func(w.Process), ""
	case dst.Level() == address.TestLevel && dst.Parent() == w.self:
		if dst.TestIndex() == address.All {
			return processor.Func(w.processAllTests), ""
		}
		c, ok := w.tests.GetByIndex(dst.TestIndex())
		if !ok {
			return nil, operation.FailureTestNotFound
		}
		return &testProcessor{worker: w, container: c}, ""
	default:
		return nil, operation.FailureWorkerNotFound
	}
}

// Process handles operations addressed to the worker itself.
func (w *Worker) Process(ctx context.Context, op operation.Operation, source address.Address) (processor.Result, error) {
	switch o := op.(type) {
	case operation.CreateTest:
		return processor.Succeeded, w.createTest(o)
	case operation.TerminateWorker:
		w.terminate(o.MemberShutdownDelay)
		return processor.Succeeded, nil
	case operation.Ping:
		return w.ping(source), nil
	case operation.IntegrationTest:
		return w.integrationTest(ctx, o, source)
	case operation.Log:
		logAt(w.logger, o.Level, o.Message, "source", source)
		return processor.Succeeded, nil
	default:
		return processor.Unsupported, nil
	}
}

func (w *Worker) createTest(op operation.CreateTest) error {
	w.mu.Lock()
	terminating := w.terminating
	w.mu.Unlock()
	if terminating {
		return ErrTerminating
	}

	id := op.TestCase.ID
	if err := w.tests.Check(op.TestIndex, id); err != nil {
		return err
	}
	testAddr, err := w.self.Child(op.TestIndex)
	if err != nil {
		return err
	}

	module, err := w.modules.New(op.TestCase.Module, op.TestCase.Properties)
	if err != nil {
		return fmt.Errorf("creating test %q: %w", id, err)
	}
	tc := workload.NewTestContext(id, w.cluster, w.logger.With("test", testAddr.String()))
	container := NewTestContainer(op.TestIndex, op.TestCase, module, tc)

	if err := w.tests.Put(container); err != nil {
		return err
	}

	if w.kind.IsMember() && w.cluster != nil {
		w.cluster.UserContext().Put(UserContextKey(id), module)
	}

	w.logger.Info("=== TEST CREATED ===",
		"test", testAddr,
		"test_id", id,
		"module", op.TestCase.Module,
	)
	return nil
}

func (w *Worker) ping(source address.Address) processor.Result {
	queued := 0
	if conn := w.connector(); conn != nil {
		queued = conn.QueueSize()
	}
	attrs := []any{"source", source, "queue_size", queued, "tests", w.tests.Len()}
	if w.cluster != nil {
		attrs = append(attrs, "cluster_size", w.cluster.MemberCount())
	}
	w.logger.Info("pinged", attrs...)
	return processor.Reply(operation.Pong{})
}

func (w *Worker) integrationTest(ctx context.Context, op operation.IntegrationTest, source address.Address) (processor.Result, error) {
	conn := w.connector()
	if conn == nil {
		return processor.Result{}, errors.New("worker has no connector")
	}

	var (
		resp *operation.Response
		err  error
	)
	switch op.Kind {
	case operation.NestedSync:
		resp, err = conn.Write(ctx, source, operation.Ping{})
	case operation.NestedAsync:
		var f *protocol.Future
		if f, err = conn.Submit(ctx, source, operation.Ping{}); err == nil {
			w.logger.Debug("nested call submitted", "correlation_id", f.ID())
			resp, err = f.Get(ctx)
		}
	default:
		return processor.Unsupported, nil
	}
	if err != nil {
		return processor.Result{}, fmt.Errorf("nested %s call to %s: %w", op.Kind, source, err)
	}
	if resp.Type != operation.Success {
		return processor.Result{}, fmt.Errorf("nested %s call to %s answered %s", op.Kind, source, resp.Type)
	}
	return processor.Reply(resp.Payload), nil
}

// terminate shuts the worker down, after delay for member workers.
// It returns at once so the reply can be sent before shutdown.
func (w *Worker) terminate(delay time.Duration) {
	w.mu.Lock()
	w.terminating = true
	w.mu.Unlock()

	if !w.kind.IsMember() {
		delay = 0
	}
	w.logger.Info("=== WORKER TERMINATING ===", "delay", delay)

	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-w.ctx.Done():
			}
		}
		w.Shutdown()
	}()
}

// Shutdown stops and unregisters every test and marks the worker done.
// It is idempotent.
func (w *Worker) Shutdown() {
	w.shutdown.Do(func() {
		for _, c := range w.tests.All() {
			c.Stop()
			w.tests.Remove(c.Index())
			if w.kind.IsMember() && w.cluster != nil {
				w.cluster.UserContext().Remove(UserContextKey(c.ID()))
			}
		}
		w.cancel()
		if w.cluster != nil {
			w.cluster.Shutdown()
		}
		close(w.done)
		w.logger.Info("=== WORKER SHUT DOWN ===")
		if w.onShutdown != nil {
			w.onShutdown()
		}
	})
}

// ReportException sends a FAILURE upstream for errors raised while processing.
// Rejected test registrations are answered to the caller and not reported.
func (w *Worker) ReportException(ctx context.Context, op operation.Operation, source address.Address, err error) {
	if errors.Is(err, ErrDuplicateTestIndex) || errors.Is(err, ErrDuplicateTestID) || errors.Is(err, ErrInvalidTestID) {
		return
	}
	testID := ""
	if ct, ok := op.(operation.CreateTest); ok {
		testID = ct.TestCase.ID
	}
	w.reportFailure(ctx, testID, fmt.Sprintf("%s from %s failed", op.Type(), source), err)
}

func (w *Worker) reportFailure(ctx context.Context, testID, message string, err error) {
	conn := w.connector()
	if conn == nil {
		w.logger.Error("cannot report failure without connector", "test_id", testID, "error", err)
		return
	}
	failure := operation.Failure{TestID: testID, Message: message, Cause: err.Error()}
	if sendErr := conn.Send(ctx, w.self.Parent(), failure); sendErr != nil {
		w.logger.Error("reporting failure", "test_id", testID, "error", sendErr, "failure", err)
	}
}

func (w *Worker) processAllTests(ctx context.Context, op operation.Operation, source address.Address) (processor.Result, error) {
	var errs []error
	for _, c := range w.tests.All() {
		res, err := (&testProcessor{worker: w, container: c}).Process(ctx, op, source)
		if err != nil {
			errs = append(errs, fmt.Errorf("test %d: %w", c.Index(), err))
			continue
		}
		if res.Type == operation.UnsupportedOperationOnThisProcessor {
			return res, nil
		}
	}
	return processor.Succeeded, errors.Join(errs...)
}

// testProcessor handles operations addressed to one test.
type testProcessor struct {
	worker    *Worker
	container *TestContainer
}

func (p *testProcessor) Process(ctx context.Context, op operation.Operation, source address.Address) (processor.Result, error) {
	switch o := op.(type) {
	case operation.StartTestPhase:
		return processor.Succeeded, p.startPhase(o.Phase)
	case operation.StopTest:
		p.container.Stop()
		if err := p.container.WaitIdle(ctx); err != nil {
			return processor.Result{}, fmt.Errorf("waiting for test %q to stop: %w", p.container.ID(), err)
		}
		p.worker.logger.Info("test stopped", "test_id", p.container.ID(), "source", source)
		return processor.Succeeded, nil
	case operation.Ping:
		return processor.Reply(operation.Pong{}), nil
	default:
		return processor.Unsupported, nil
	}
}

func (p *testProcessor) startPhase(phase operation.TestPhase) error {
	w := p.worker
	c := p.container
	logger := w.logger.With("test_id", c.ID(), "phase", phase)

	logger.Info("starting test phase")
	start := time.Now()
	return c.Start(w.ctx, phase, func(err error) {
		done := operation.PhaseCompleted{TestIndex: c.Index(), TestID: c.ID(), Phase: phase}
		if err != nil {
			logger.Error("test phase failed", "error", err, "duration", time.Since(start))
			w.reportFailure(w.ctx, c.ID(), fmt.Sprintf("%s phase of test %q failed", phase, c.ID()), err)
			done.Error = err.Error()
		} else {
			logger.Info("test phase completed", "duration", time.Since(start))
		}
		conn := w.connector()
		if conn == nil {
			return
		}
		if err := conn.Send(w.ctx, w.self.Parent(), done); err != nil {
			logger.Warn("reporting phase completion", "error", err)
		}
	})
}

func logAt(logger *slog.Logger, level, msg string, args ...any) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger.Log(context.Background(), l, msg, args...)
}
