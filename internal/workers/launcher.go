// ABOUTME: Starts worker processes and exposes their exit and stderr
// ABOUTME: ExecLauncher runs the worker binary; tests substitute in-process launchers

package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
)

// Environment variables handed to every worker process.
const (
	EnvLinkAddr      = "SIM_LINK_ADDR"
	EnvWorkerAddress = "SIM_WORKER_ADDRESS"
	EnvWorkerType    = "SIM_WORKER_TYPE"
	EnvWorkerToken   = "SIM_WORKER_TOKEN"
	EnvWorkerHome    = "SIM_WORKER_HOME"
)

// stderrTailSize is how much of a worker's stderr is kept for failure reports.
const stderrTailSize = 8 << 10

// LaunchSpec describes one worker process to start.
type LaunchSpec struct {
	Worker  address.Address
	Type    harness.WorkerType
	Command []string
	Env     []string // KEY=VALUE
	Dir     string
}

// Process is a started worker process.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	// It may be called more than once.
	Wait() error
	Kill() error
	Pid() int
	// StderrTail returns the last bytes the process wrote to stderr.
	StderrTail() string
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts workers as OS processes. Output goes to worker.log in
// the worker's directory.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty worker command")
	}

	logFile, err := os.OpenFile(filepath.Join(spec.Dir, "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening worker log: %w", err)
	}

	p := &execProcess{
		tail: &tailBuffer{limit: stderrTailSize},
		done: make(chan struct{}),
	}
	// Workers outlive the request that spawned them, so the command is not bound to ctx.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // command comes from agent config
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, p.tail)
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Command[0], err)
	}

	go func() {
		p.err = cmd.Wait()
		_ = logFile.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	err  error
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) StderrTail() string {
	return p.tail.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
