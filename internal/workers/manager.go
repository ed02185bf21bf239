// ABOUTME: Worker lifecycle manager: spawns, commands, terminates and cleans up an agent's workers
// ABOUTME: Exit events from worker processes are consumed by a single monitor goroutine

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
)

// Manager errors
var (
	ErrSpawnOutstanding = errors.New("workers from a previous spawn are still outstanding")
	ErrWorkersRunning   = errors.New("workers are still running")
	ErrStartupTimeout   = errors.New("worker did not attach in time")
	ErrWorkerExited     = errors.New("worker exited before attaching")
	ErrManagerClosed    = errors.New("worker manager closed")
)

// Defaults for Config fields left at zero.
const (
	DefaultStartupTimeout   = 60 * time.Second
	DefaultTerminationGrace = 10 * time.Second
	DefaultTokenTTL         = 24 * time.Hour
	DefaultParallelism      = 16
)

// Dispatcher writes operations to workers and waits for their replies.
type Dispatcher interface {
	Write(ctx context.Context, destination address.Address, op operation.Operation) (*operation.Response, error)
}

// Attacher reports when a launched worker has attached to the agent.
type Attacher interface {
	WaitAttached(ctx context.Context, worker address.Address) error
}

// TokenIssuer mints the credential a worker presents when attaching.
type TokenIssuer interface {
	Generate(addr address.Address, workerType harness.WorkerType, expiresIn time.Duration) (string, error)
}

// Config contains configuration options for a Manager.
type Config struct {
	Agent    address.Address
	Home     string
	Command  []string
	LinkAddr string

	Launcher   Launcher
	Attacher   Attacher
	Dispatcher Dispatcher
	Tokens     TokenIssuer
	Monitor    *FailureMonitor
	Logger     *slog.Logger

	TokenTTL            time.Duration
	StartupTimeout      time.Duration
	MemberShutdownDelay time.Duration
	TerminationGrace    time.Duration
	Parallelism         int
}

// WorkerInfo describes one managed worker.
type WorkerInfo struct {
	Address     address.Address    `json:"address"`
	Type        harness.WorkerType `json:"type"`
	Pid         int                `json:"pid"`
	Home        string             `json:"home"`
	Started     time.Time          `json:"started"`
	Terminating bool               `json:"terminating"`
	Exited      bool               `json:"exited"`
}

type handle struct {
	addr    address.Address
	kind    harness.WorkerType
	home    string
	proc    Process
	started time.Time

	// guarded by Manager.mu
	terminating bool
	exited      bool
	exitErr     error

	done chan struct{} // closed by the monitor once the process has exited
}

type exitEvent struct {
	h   *handle
	err error
}

// Manager owns the worker processes of one agent.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	monitor *FailureMonitor

	exits       chan exitEvent
	closing     chan struct{}
	monitorDone chan struct{}
	closeOnce   sync.Once

	mu          sync.Mutex
	workers     map[address.Address]*handle
	nextIndex   int
	outstanding bool
	spawning    bool // a Spawn call is launching or awaiting workers
	closed      bool
}

// NewManager creates a Manager and starts its monitor goroutine.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Monitor == nil {
		cfg.Monitor = NewFailureMonitor(cfg.Logger)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = DefaultTerminationGrace
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}

	m := &Manager{
		cfg:         cfg,
		logger:      cfg.Logger.With("agent", cfg.Agent.String()),
		monitor:     cfg.Monitor,
		exits:       make(chan exitEvent),
		closing:     make(chan struct{}),
		monitorDone: make(chan struct{}),
		workers:     make(map[address.Address]*handle),
		nextIndex:   1,
	}
	go m.monitorLoop()
	return m
}

// Monitor returns the failure buffer fed by this manager.
func (m *Manager) Monitor() *FailureMonitor {
	return m.monitor
}

// Spawn launches settings.Count workers and waits for each to attach.
// Worker indexes keep increasing across spawns.
func (m *Manager) Spawn(ctx context.Context, settings harness.WorkerSettings) ([]address.Address, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	command := settings.Command
	if len(command) == 0 {
		command = m.cfg.Command
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", harness.ErrInvalidSettings)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.outstanding {
		m.mu.Unlock()
		return nil, ErrSpawnOutstanding
	}
	m.outstanding = true
	m.spawning = true
	first := m.nextIndex
	m.nextIndex += settings.Count
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.spawning = false
		m.mu.Unlock()
	}()

	m.logger.Info("spawning workers", "count", settings.Count, "type", settings.Type)

	handles := make([]*handle, 0, settings.Count)
	for i := range settings.Count {
		worker := address.Worker(m.cfg.Agent.AgentIndex(), first+i)
		h, err := m.launch(ctx, worker, settings, command)
		if err != nil {
			if len(handles) == 0 {
				// Nothing was launched, so there is nothing left to terminate.
				m.mu.Lock()
				m.outstanding = false
				m.mu.Unlock()
			}
			return addressesOf(handles), err
		}
		handles = append(handles, h)
	}

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error { return m.awaitAttach(ctx, h) })
	}
	if err := g.Wait(); err != nil {
		return addressesOf(handles), err
	}

	m.logger.Info("workers spawned", "count", len(handles), "type", settings.Type)
	return addressesOf(handles), nil
}

func (m *Manager) launch(ctx context.Context, worker address.Address, settings harness.WorkerSettings, command []string) (*handle, error) {
	home := filepath.Join(m.cfg.Home, worker.String())
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("creating home of %s: %w", worker, err)
	}

	var token string
	if m.cfg.Tokens != nil {
		var err error
		if token, err = m.cfg.Tokens.Generate(worker, settings.Type, m.cfg.TokenTTL); err != nil {
			return nil, fmt.Errorf("issuing token for %s: %w", worker, err)
		}
	}

	env := []string{
		EnvLinkAddr + "=" + m.cfg.LinkAddr,
		EnvWorkerAddress + "=" + worker.String(),
		EnvWorkerType + "=" + string(settings.Type),
		EnvWorkerToken + "=" + token,
		EnvWorkerHome + "=" + home,
	}
	for _, k := range slices.Sorted(maps.Keys(settings.Env)) {
		env = append(env, k+"="+settings.Env[k])
	}

	proc, err := m.cfg.Launcher.Launch(ctx, LaunchSpec{
		Worker:  worker,
		Type:    settings.Type,
		Command: command,
		Env:     env,
		Dir:     home,
	})
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", worker, err)
	}

	h := &handle{
		addr:    worker,
		kind:    settings.Type,
		home:    home,
		proc:    proc,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.workers[worker] = h
	m.mu.Unlock()

	go m.waitExit(h)

	m.logger.Info("worker launched", "worker", worker, "pid", proc.Pid(), "home", home)
	return h, nil
}

func (m *Manager) awaitAttach(ctx context.Context, h *handle) error {
	actx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-actx.Done():
		}
	}()

	err := m.cfg.Attacher.WaitAttached(actx, h.addr)
	if err == nil {
		return nil
	}

	select {
	case <-h.done:
		return fmt.Errorf("%w: %s", ErrWorkerExited, h.addr)
	default:
	}
	if ctx.Err() != nil {
		return err
	}

	m.monitor.Report(harness.Failure{
		Worker:  h.addr,
		Kind:    harness.WorkerStartupTimeout,
		Message: fmt.Sprintf("worker did not attach within %s", m.cfg.StartupTimeout),
		Cause:   h.proc.StderrTail(),
	})
	m.mu.Lock()
	h.terminating = true
	m.mu.Unlock()
	if killErr := h.proc.Kill(); killErr != nil {
		m.logger.Warn("killing worker", "worker", h.addr, "error", killErr)
	}
	return fmt.Errorf("%w: %s", ErrStartupTimeout, h.addr)
}

func (m *Manager) waitExit(h *handle) {
	err := h.proc.Wait()
	select {
	case m.exits <- exitEvent{h: h, err: err}:
	case <-m.closing:
	}
}

func (m *Manager) monitorLoop() {
	defer close(m.monitorDone)
	for {
		select {
		case ev := <-m.exits:
			m.handleExit(ev)
		case <-m.closing:
			return
		}
	}
}

func (m *Manager) handleExit(ev exitEvent) {
	h := ev.h
	m.mu.Lock()
	terminating := h.terminating
	h.exited = true
	h.exitErr = ev.err
	m.mu.Unlock()
	close(h.done)

	if terminating {
		m.logger.Info("worker exited", "worker", h.addr, "error", ev.err)
		return
	}

	reason := "exit status 0"
	if ev.err != nil {
		reason = ev.err.Error()
	}
	m.monitor.Report(harness.Failure{
		Worker:  h.addr,
		Kind:    harness.WorkerExit,
		Message: "worker process exited unexpectedly: " + reason,
		Cause:   h.proc.StderrTail(),
	})
}

// live returns the workers that are neither terminating nor exited, in address order.
func (m *Manager) live() []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

func (m *Manager) liveLocked() []*handle {
	out := make([]*handle, 0, len(m.workers))
	for _, h := range m.workers {
		if !h.terminating && !h.exited {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b *handle) int { return address.Compare(a.addr, b.addr) })
	return out
}

// Live returns the addresses of workers that accept commands.
func (m *Manager) Live() []address.Address {
	return addressesOf(m.live())
}

// Workers describes every managed worker in address order.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkerInfo, 0, len(m.workers))
	for _, h := range m.workers {
		out = append(out, WorkerInfo{
			Address:     h.addr,
			Type:        h.kind,
			Pid:         h.proc.Pid(),
			Home:        h.home,
			Started:     h.started,
			Terminating: h.terminating,
			Exited:      h.exited,
		})
	}
	slices.SortFunc(out, func(a, b WorkerInfo) int { return address.Compare(a.Address, b.Address) })
	return out
}

// ExecuteOnAllWorkers sends cmd to every live worker in parallel and
// collects one result per worker.
func (m *Manager) ExecuteOnAllWorkers(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	op, err := cmd.Operation()
	if err != nil {
		return nil, err
	}

	targets := m.live()
	results := make([]harness.CommandResult, len(targets))

	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, h := range targets {
		g.Go(func() error {
			results[i] = m.execute(ctx, h.addr, cmd, op)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// ExecuteOnSingleWorker sends cmd to cmd.Worker, or to the lowest-index live
// worker when none is named. It does nothing when the target is gone.
func (m *Manager) ExecuteOnSingleWorker(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error) {
	op, err := cmd.Operation()
	if err != nil {
		return nil, err
	}

	live := m.live()
	var target *handle
	if cmd.Worker == nil {
		if len(live) > 0 {
			target = live[0]
		}
	} else {
		for _, h := range live {
			if h.addr == *cmd.Worker {
				target = h
				break
			}
		}
	}
	if target == nil {
		m.logger.Debug("no live worker for command", "worker", cmd.Worker, "operation", cmd.OperationType)
		return nil, nil
	}
	return []harness.CommandResult{m.execute(ctx, target.addr, cmd, op)}, nil
}

func (m *Manager) execute(ctx context.Context, worker address.Address, cmd harness.Command, op operation.Operation) harness.CommandResult {
	result := harness.CommandResult{Worker: worker}

	dst, err := cmd.Destination(worker)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp, err := m.cfg.Dispatcher.Write(ctx, dst, op)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Type = resp.Type
	if err := resp.Err(); err != nil {
		result.Error = err.Error()
	}
	return result
}

// TerminateWorkers asks every worker to terminate, waits for the processes to
// exit, kills those still running after the grace period and forgets them all.
func (m *Manager) TerminateWorkers(ctx context.Context) error {
	m.mu.Lock()
	targets := m.liveLocked()
	all := slices.Collect(maps.Values(m.workers))
	for _, h := range all {
		h.terminating = true
	}
	m.mu.Unlock()

	delay := m.cfg.MemberShutdownDelay
	m.logger.Info("terminating workers", "count", len(targets), "member_shutdown_delay", delay)

	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for _, h := range targets {
		g.Go(func() error {
			resp, err := m.cfg.Dispatcher.Write(ctx, h.addr, operation.TerminateWorker{MemberShutdownDelay: delay})
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				m.logger.Warn("terminate request failed", "worker", h.addr, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	deadline := time.NewTimer(delay + m.cfg.TerminationGrace)
	defer deadline.Stop()

	var errs []error
	for _, h := range all {
		select {
		case <-h.done:
			continue
		case <-deadline.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		// Grace period is over; kill every remaining worker.
		for _, rest := range all {
			select {
			case <-rest.done:
			default:
				m.logger.Warn("killing worker after grace period", "worker", rest.addr)
				if err := rest.proc.Kill(); err != nil {
					errs = append(errs, fmt.Errorf("killing %s: %w", rest.addr, err))
				}
			}
		}
		break
	}
	for _, h := range all {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	for _, h := range all {
		if m.workers[h.addr] == h {
			delete(m.workers, h.addr)
		}
	}
	if !m.spawning && len(m.workers) == 0 {
		m.outstanding = false
	}
	m.mu.Unlock()

	m.logger.Info("workers terminated", "count", len(all))
	return errors.Join(errs...)
}

// CleanWorkersHome removes the directories of previous workers. It refuses
// while a spawn is in flight or any worker process is still running.
func (m *Manager) CleanWorkersHome(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.spawning {
		return fmt.Errorf("%w: spawn in progress", ErrWorkersRunning)
	}
	for _, h := range m.workers {
		if !h.exited {
			return fmt.Errorf("%w: %s", ErrWorkersRunning, h.addr)
		}
	}

	entries, err := os.ReadDir(m.cfg.Home)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading workers home: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.cfg.Home, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	clear(m.workers)
	m.outstanding = false

	m.logger.Info("workers home cleaned", "home", m.cfg.Home, "removed", len(entries))
	return nil
}

// Close kills every remaining worker and stops the monitor.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		all := slices.Collect(maps.Values(m.workers))
		for _, h := range all {
			h.terminating = true
		}
		m.mu.Unlock()

		for _, h := range all {
			if err := h.proc.Kill(); err != nil {
				m.logger.Warn("killing worker", "worker", h.addr, "error", err)
			}
		}
		close(m.closing)
		<-m.monitorDone
	})
}

func addressesOf(hs []*handle) []address.Address {
	out := make([]address.Address, len(hs))
	for i, h := range hs {
		out[i] = h.addr
	}
	return out
}
