// ABOUTME: Agent: hosts the worker link and the remote transport for one machine
// ABOUTME: Routes coordinator services to the worker manager and handles operations from workers

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/auth"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/link"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/processor"
	"github.com/2389/coven-sim/internal/protocol"
	"github.com/2389/coven-sim/internal/transport"
	"github.com/2389/coven-sim/internal/workers"
)

// Config contains configuration options for an Agent.
type Config struct {
	Index int

	// LinkAddr is the address workers dial to attach.
	LinkAddr string
	// Tokens signs and verifies worker credentials. Nil disables link authentication.
	Tokens *auth.JWTVerifier

	WorkersHome         string
	WorkerCommand       []string
	Launcher            workers.Launcher
	StartupTimeout      time.Duration
	TerminationGrace    time.Duration
	MemberShutdownDelay time.Duration
	TokenTTL            time.Duration

	RequestTimeout time.Duration
	QueueCapacity  int
	Processors     int
	PoolSize       int
	IOTimeout      time.Duration

	Logger *slog.Logger
}

// Agent owns the workers of one machine and serves the coordinator.
type Agent struct {
	cfg     Config
	self    address.Address
	logger  *slog.Logger
	hub     *link.Hub
	conn    *protocol.Connector
	manager *workers.Manager
	monitor *workers.FailureMonitor

	mu      sync.Mutex
	workout *harness.Workout
	recipe  *harness.TestRecipe
	phases  map[phaseKey]string // phase error, "" when it succeeded
}

// phaseKey identifies one phase of one test on one worker.
type phaseKey struct {
	worker    address.Address
	testIndex int
	phase     operation.TestPhase
}

// New creates an Agent. Call Serve to start it.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	self := address.Agent(cfg.Index)
	logger := cfg.Logger.With("agent", self.String())

	a := &Agent{
		cfg:     cfg,
		self:    self,
		logger:  logger,
		hub:     link.NewHub(logger),
		monitor: workers.NewFailureMonitor(logger),
		phases:  make(map[phaseKey]string),
	}
	a.conn = protocol.NewConnector(protocol.Config{
		Self:          self,
		Sender:        a.hub,
		Router:        a,
		Hosts:         func(dst address.Address) bool { return dst == self },
		Logger:        logger,
		Timeout:       cfg.RequestTimeout,
		QueueCapacity: cfg.QueueCapacity,
		Processors:    cfg.Processors,
	})
	a.hub.Bind(a.conn)

	var issuer workers.TokenIssuer
	if cfg.Tokens != nil {
		issuer = cfg.Tokens
	}
	a.manager = workers.NewManager(workers.Config{
		Agent:               self,
		Home:                cfg.WorkersHome,
		Command:             cfg.WorkerCommand,
		LinkAddr:            cfg.LinkAddr,
		Launcher:            cfg.Launcher,
		Attacher:            a.hub,
		Dispatcher:          a.conn,
		Tokens:              issuer,
		Monitor:             a.monitor,
		Logger:              logger,
		TokenTTL:            cfg.TokenTTL,
		StartupTimeout:      cfg.StartupTimeout,
		MemberShutdownDelay: cfg.MemberShutdownDelay,
		TerminationGrace:    cfg.TerminationGrace,
	})
	return a
}

// Address returns the agent address.
func (a *Agent) Address() address.Address {
	return a.self
}

// Hub returns the registry of attached worker sessions.
func (a *Agent) Hub() *link.Hub {
	return a.hub
}

// Connector returns the agent's correlation layer.
func (a *Agent) Connector() *protocol.Connector {
	return a.conn
}

// Workers returns the worker lifecycle manager.
func (a *Agent) Workers() *workers.Manager {
	return a.manager
}

// Serve runs the worker link on linkLn and the coordinator transport on
// serviceLn until ctx is cancelled or either server fails. Remaining workers
// are killed on return.
func (a *Agent) Serve(ctx context.Context, serviceLn, linkLn net.Listener) error {
	a.conn.Start(ctx)
	defer a.conn.Close()
	defer a.manager.Close()

	var tokens auth.TokenVerifier
	if a.cfg.Tokens != nil {
		tokens = a.cfg.Tokens
	}
	linkServer := link.NewServer(a.hub, tokens, a.logger)
	transportServer := transport.NewServer(a, transport.ServerConfig{
		PoolSize:      a.cfg.PoolSize,
		IOTimeout:     a.cfg.IOTimeout,
		Logger:        a.logger,
		OnUndelivered: a.requeue,
	})

	a.logger.Info("=== AGENT STARTED ===",
		"service_addr", serviceLn.Addr().String(),
		"link_addr", linkLn.Addr().String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return linkServer.Serve(gctx, linkLn) })
	g.Go(func() error { return transportServer.Serve(gctx, serviceLn) })
	err := g.Wait()

	a.logger.Info("=== AGENT STOPPED ===", "error", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Route implements processor.Router. Only the agent itself is hosted.
func (a *Agent) Route(dst address.Address) (processor.Processor, operation.ResponseType) {
	if dst != a.self {
		return nil, operation.FailureWorkerNotFound
	}
	return processor.Func(a.Process), ""
}

// Process handles operations sent to the agent by its workers.
func (a *Agent) Process(_ context.Context, op operation.Operation, source address.Address) (processor.Result, error) {
	switch o := op.(type) {
	case operation.Ping:
		return processor.Reply(operation.Pong{}), nil
	case operation.Pong:
		a.logger.Debug("pong", "source", source)
		return processor.Succeeded, nil
	case operation.Log:
		logAt(a.logger, o.Level, o.Message, "source", source)
		return processor.Succeeded, nil
	case operation.PhaseCompleted:
		a.recordPhase(source, o)
		return processor.Succeeded, nil
	case operation.Failure:
		a.reportFailure(source, o)
		return processor.Succeeded, nil
	default:
		return processor.Unsupported, nil
	}
}

func (a *Agent) recordPhase(source address.Address, done operation.PhaseCompleted) {
	key := phaseKey{worker: source.Ancestor(address.WorkerLevel), testIndex: done.TestIndex, phase: done.Phase}
	a.mu.Lock()
	a.phases[key] = done.Error
	a.mu.Unlock()

	a.logger.Info("test phase completed",
		"worker", key.worker,
		"test_index", done.TestIndex,
		"test_id", done.TestID,
		"phase", done.Phase,
		"failed", done.Error != "",
	)
}

// requeue returns drained failures to the monitor when the coordinator never received them.
func (a *Agent) requeue(svc transport.Service, result any) {
	if failures, ok := result.([]harness.Failure); ok && svc == transport.Failures {
		a.monitor.Requeue(failures)
	}
}

func (a *Agent) reportFailure(source address.Address, f operation.Failure) {
	testID := f.TestID
	if testID == "" {
		a.mu.Lock()
		if a.recipe != nil {
			testID = a.recipe.TestCase.ID
		}
		a.mu.Unlock()
	}
	a.monitor.Report(harness.Failure{
		Worker:  source.Ancestor(address.WorkerLevel),
		Kind:    harness.WorkerException,
		TestID:  testID,
		Message: f.Message,
		Cause:   f.Cause,
	})
}

// Workout returns the workout set by InitWorkout.
func (a *Agent) Workout() (harness.Workout, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.workout == nil {
		return harness.Workout{}, false
	}
	return *a.workout, true
}

// CurrentTest returns the recipe set by PrepareForTest.
func (a *Agent) CurrentTest() (harness.TestRecipe, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recipe == nil {
		return harness.TestRecipe{}, false
	}
	return *a.recipe, true
}

func logAt(logger *slog.Logger, level, msg string, args ...any) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger.Log(context.Background(), l, msg, args...)
}

// resultsError summarizes the workers that did not answer SUCCESS.
func resultsError(op operation.OperationType, results []harness.CommandResult) error {
	var errs []error
	for _, r := range results {
		if r.Type == operation.Success {
			continue
		}
		detail := string(r.Type)
		if r.Error != "" {
			detail += ": " + r.Error
		}
		errs = append(errs, fmt.Errorf("%s on %s: %s", op, r.Worker, detail))
	}
	return errors.Join(errs...)
}
