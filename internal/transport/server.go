// ABOUTME: Socket service exposing an agent's Handler to the coordinator
// ABOUTME: One request per connection, executed on a bounded pool of goroutines

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-sim/internal/harness"
)

const (
	// DefaultPoolSize bounds the number of requests served at once.
	DefaultPoolSize = 20

	// DefaultIOTimeout bounds reading a request and writing its reply.
	DefaultIOTimeout = 30 * time.Second
)

// ServerConfig contains configuration options for a Server.
type ServerConfig struct {
	PoolSize  int
	IOTimeout time.Duration
	Logger    *slog.Logger

	// OnUndelivered receives the result of a service whose reply could not be
	// written back to the caller.
	OnUndelivered func(svc Service, result any)
}

// Server accepts coordinator connections and dispatches them to a Handler.
// When every pool slot is busy the accept loop stops accepting, so further
// connections wait in the listen backlog.
type Server struct {
	handler   Handler
	logger    *slog.Logger
	pool      *semaphore.Weighted
	poolSize  int
	ioTimeout time.Duration

	onUndelivered func(Service, any)

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server for handler.
func NewServer(handler Handler, cfg ServerConfig) *Server {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		handler:   handler,
		logger:    cfg.Logger,
		pool:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		poolSize:  cfg.PoolSize,
		ioTimeout: cfg.IOTimeout,

		onUndelivered: cfg.OnUndelivered,
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listening address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// in-flight requests to finish. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("transport listening", "addr", ln.Addr().String(), "pool_size", s.poolSize)

	for {
		if err := s.pool.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.pool.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pool.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	remote := conn.RemoteAddr().String()

	_ = conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	name, payload, err := readRequest(bufio.NewReader(conn))
	if err != nil {
		s.logger.Warn("reading request failed", "remote", remote, "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.logger.Info("accepted request", "remote", remote, "service", name)
	svc, rep, value := s.dispatch(ctx, name, payload)

	_ = conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	if err := writeReply(conn, rep); err != nil {
		s.logger.Warn("writing reply failed", "remote", remote, "service", name, "error", err)
		if value != nil && s.onUndelivered != nil {
			s.onUndelivered(svc, value)
		}
	}
}

// dispatch runs the named service and folds every failure into the reply.
// value is the service result carried by rep, if any.
func (s *Server) dispatch(ctx context.Context, name string, payload []byte) (svc Service, rep reply, value any) {
	svc, err := ParseService(name)
	if err != nil {
		s.logger.Warn("unknown service requested", "service", name)
		return 0, reply{Error: &RemoteError{Service: name, Kind: KindUnknownService, Message: err.Error()}}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("service panicked", "service", name, "panic", r, "stack", string(debug.Stack()))
			rep = reply{Error: &RemoteError{Service: name, Kind: KindPanic, Message: fmt.Sprint(r)}}
			value = nil
		}
	}()

	value, err = s.call(ctx, svc, payload)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return svc, reply{Error: remote}, nil
		}
		s.logger.Error("service failed", "service", name, "error", err)
		return svc, reply{Error: &RemoteError{Service: name, Kind: KindHandler, Message: err.Error()}}, nil
	}
	if value == nil {
		return svc, reply{}, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return svc, reply{Error: &RemoteError{Service: name, Kind: KindHandler, Message: fmt.Sprintf("encoding result: %v", err)}}, value
	}
	return svc, reply{Value: data}, value
}

func (s *Server) call(ctx context.Context, svc Service, payload []byte) (any, error) {
	switch svc {
	case SpawnWorkers:
		var settings harness.WorkerSettings
		if err := decodePayload(svc, payload, &settings); err != nil {
			return nil, err
		}
		return nil, s.handler.SpawnWorkers(ctx, settings)

	case InitWorkout:
		var workout harness.Workout
		if err := decodePayload(svc, payload, &workout); err != nil {
			return nil, err
		}
		return nil, s.handler.InitWorkout(ctx, workout)

	case CleanWorkersHome:
		return nil, s.handler.CleanWorkersHome(ctx)

	case TerminateWorkers:
		return nil, s.handler.TerminateWorkers(ctx)

	case ExecuteOnAllWorkers, ExecuteOnSingleWorker:
		var cmd harness.Command
		if err := decodePayload(svc, payload, &cmd); err != nil {
			return nil, err
		}
		execute := s.handler.ExecuteOnAllWorkers
		if svc == ExecuteOnSingleWorker {
			execute = s.handler.ExecuteOnSingleWorker
		}
		results, err := execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return results, nil

	case Echo:
		var msg string
		if err := decodePayload(svc, payload, &msg); err != nil {
			return nil, err
		}
		echoed, err := s.handler.Echo(ctx, msg)
		if err != nil {
			return nil, err
		}
		return echoed, nil

	case PrepareForTest:
		var recipe harness.TestRecipe
		if err := decodePayload(svc, payload, &recipe); err != nil {
			return nil, err
		}
		return nil, s.handler.PrepareForTest(ctx, recipe)

	case Failures:
		failures, err := s.handler.Failures(ctx)
		if err != nil {
			return nil, err
		}
		return failures, nil

	case PhaseStatus:
		var query harness.PhaseQuery
		if err := decodePayload(svc, payload, &query); err != nil {
			return nil, err
		}
		status, err := s.handler.PhaseStatus(ctx, query)
		if err != nil {
			return nil, err
		}
		return status, nil
	}
	return nil, &RemoteError{Service: svc.String(), Kind: KindUnknownService, Message: ErrUnknownService.Error()}
}

func decodePayload(svc Service, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &RemoteError{Service: svc.String(), Kind: KindBadPayload, Message: err.Error()}
	}
	return nil
}
