// ABOUTME: In-process worker launcher for tests of the lifecycle manager and agent
// ABOUTME: Each launched worker runs the real worker runtime attached to a link hub in memory

// Package workerstest provides a workers.Launcher that runs workers inside
// the test process instead of forking the worker binary.
package workerstest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/cluster"
	"github.com/2389/coven-sim/internal/link"
	"github.com/2389/coven-sim/internal/operation"
	"github.com/2389/coven-sim/internal/protocol"
	"github.com/2389/coven-sim/internal/worker"
	"github.com/2389/coven-sim/internal/workers"
	"github.com/2389/coven-sim/internal/workload"
)

// ErrKilled is the exit error of a killed in-process worker.
var ErrKilled = errors.New("killed")

// ErrLaunchRefused is returned for workers listed in Launcher.Refuse.
var ErrLaunchRefused = errors.New("launch refused")

// Launcher starts in-process workers attached to Hub.
type Launcher struct {
	Hub     *link.Hub
	Modules *workload.Registry
	Logger  *slog.Logger

	// Detached workers start but never attach to the hub.
	Detached map[address.Address]bool
	// Refuse makes Launch fail for these workers.
	Refuse map[address.Address]bool

	mu       sync.Mutex
	procs    map[address.Address]*Process
	launches []workers.LaunchSpec
}

// Launch implements workers.Launcher.
func (l *Launcher) Launch(_ context.Context, spec workers.LaunchSpec) (workers.Process, error) {
	if l.Refuse[spec.Worker] {
		return nil, ErrLaunchRefused
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Process{
		pid:  spec.Worker.WorkerIndex(),
		done: make(chan struct{}),
	}
	p.worker = worker.New(worker.Config{
		Self:       spec.Worker,
		Type:       spec.Type,
		Cluster:    cluster.NewLocal(spec.Type.IsMember(), 1),
		Modules:    l.Modules,
		Logger:     logger,
		OnShutdown: func() { p.exit(nil) },
	})
	p.conn = protocol.NewConnector(protocol.Config{
		Self: spec.Worker,
		Sender: protocol.SenderFunc(func(_ context.Context, env *operation.Envelope) error {
			return l.Hub.Receive(spec.Worker, env)
		}),
		Router:      p.worker,
		OnException: p.worker.ReportException,
		Logger:      logger,
	})
	p.worker.Bind(p.conn)
	p.conn.Start(context.Background())

	if !l.Detached[spec.Worker] {
		detach, err := l.Hub.Attach(spec.Worker, func(_ context.Context, env *operation.Envelope) error {
			return p.conn.Deliver(env)
		})
		if err != nil {
			p.conn.Close()
			return nil, err
		}
		p.detach = detach
	}

	l.mu.Lock()
	if l.procs == nil {
		l.procs = make(map[address.Address]*Process)
	}
	l.procs[spec.Worker] = p
	l.launches = append(l.launches, spec)
	l.mu.Unlock()
	return p, nil
}

// Process returns the in-process worker launched as addr.
func (l *Launcher) Process(addr address.Address) (*Process, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[addr]
	return p, ok
}

// Launches returns every LaunchSpec seen so far.
func (l *Launcher) Launches() []workers.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]workers.LaunchSpec(nil), l.launches...)
}

// Process is an in-process worker. It exits when the worker shuts down.
type Process struct {
	pid    int
	worker *worker.Worker
	conn   *protocol.Connector
	detach func()

	once   sync.Once
	done   chan struct{}
	err    error
	stderr string
}

// Worker returns the worker runtime.
func (p *Process) Worker() *worker.Worker {
	return p.worker
}

// Crash ends the process with err and stderr, as if it had died on its own.
func (p *Process) Crash(err error, stderr string) {
	p.exitWith(err, stderr)
	p.worker.Shutdown()
}

func (p *Process) exit(err error) {
	p.exitWith(err, "")
}

func (p *Process) exitWith(err error, stderr string) {
	p.once.Do(func() {
		if p.detach != nil {
			p.detach()
		}
		p.err = err
		p.stderr = stderr
		close(p.done)
		// Shutdown runs on a processing goroutine of conn; close it elsewhere.
		go p.conn.Close()
	})
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait implements workers.Process.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill implements workers.Process.
func (p *Process) Kill() error {
	p.exitWith(ErrKilled, "")
	p.worker.Shutdown()
	return nil
}

// Pid implements workers.Process.
func (p *Process) Pid() int {
	return p.pid
}

// StderrTail implements workers.Process.
func (p *Process) StderrTail() string {
	if !p.Exited() {
		return ""
	}
	return p.stderr
}
