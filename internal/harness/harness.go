// ABOUTME: Value types exchanged between coordinator and agents
// ABOUTME: Worker settings, workouts, test recipes, worker commands and failure records

package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
)

// ErrInvalidSettings indicates worker settings that cannot be spawned.
var ErrInvalidSettings = errors.New("invalid worker settings")

// WorkerType is the role a worker plays in the cluster under test.
type WorkerType string

const (
	// MemberWorker holds data as a member of the cluster under test.
	MemberWorker WorkerType = "member"
	// ClientWorker only drives load against the cluster.
	ClientWorker WorkerType = "client"
)

// IsMember reports whether t is the member role.
func (t WorkerType) IsMember() bool {
	return t == MemberWorker
}

// WorkerSettings describes a batch of worker processes to spawn on one agent.
type WorkerSettings struct {
	Count int        `json:"count"`
	Type  WorkerType `json:"type"`

	// Command overrides the worker binary and its arguments.
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Validate checks the settings for obvious errors.
func (s WorkerSettings) Validate() error {
	if s.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidSettings, s.Count)
	}
	switch s.Type {
	case MemberWorker, ClientWorker:
	default:
		return fmt.Errorf("%w: unknown worker type %q", ErrInvalidSettings, s.Type)
	}
	return nil
}

// Workout is the ordered list of tests a run executes.
type Workout struct {
	ID    string               `json:"id"`
	Tests []operation.TestCase `json:"tests"`

	// Duration bounds the run phase of each test. Zero runs until stopped.
	Duration time.Duration `json:"duration,omitempty"`
}

// TestRecipe identifies the test an agent is currently running.
type TestRecipe struct {
	Index    int                `json:"index"`
	TestCase operation.TestCase `json:"test_case"`
}

// Command carries an operation to one or all workers of an agent.
type Command struct {
	// Worker selects the target of a single-worker command. Nil picks the
	// lowest-index live worker.
	Worker *address.Address `json:"worker,omitempty"`

	// TestIndex, when positive, addresses the test with this index on each worker.
	TestIndex int `json:"test_index,omitempty"`

	OperationType operation.OperationType `json:"operation_type"`
	Payload       json.RawMessage         `json:"payload,omitempty"`
}

// NewCommand wraps op in a Command.
func NewCommand(op operation.Operation) (Command, error) {
	t, payload, err := operation.Encode(op)
	if err != nil {
		return Command{}, err
	}
	return Command{OperationType: t, Payload: payload}, nil
}

// MustCommand is NewCommand for operations known to be registered.
func MustCommand(op operation.Operation) Command {
	cmd, err := NewCommand(op)
	if err != nil {
		panic(err)
	}
	return cmd
}

// ForTest returns a copy of c addressed to test index on each worker.
func (c Command) ForTest(index int) Command {
	c.TestIndex = index
	return c
}

// ForWorker returns a copy of c targeted at one worker.
func (c Command) ForWorker(worker address.Address) Command {
	c.Worker = &worker
	return c
}

// Operation decodes the carried operation.
func (c Command) Operation() (operation.Operation, error) {
	return operation.Decode(c.OperationType, c.Payload)
}

// Destination resolves the address the command is delivered to on worker.
func (c Command) Destination(worker address.Address) (address.Address, error) {
	if c.TestIndex > 0 {
		return worker.Child(c.TestIndex)
	}
	return worker, nil
}

// CommandResult is the reply of one worker to a Command.
type CommandResult struct {
	Worker address.Address        `json:"worker"`
	Type   operation.ResponseType `json:"type"`
	Error  string                 `json:"error,omitempty"`
}

// FailureKind classifies a worker failure.
type FailureKind string

const (
	// WorkerException is an error raised inside a running worker.
	WorkerException FailureKind = "WORKER_EXCEPTION"
	// WorkerExit is a worker process exiting without being terminated.
	WorkerExit FailureKind = "WORKER_EXIT"
	// WorkerStartupTimeout is a worker that never attached to its agent.
	WorkerStartupTimeout FailureKind = "WORKER_STARTUP_TIMEOUT"
)

// Failure describes one failure observed on a worker.
type Failure struct {
	Time    time.Time       `json:"time"`
	Worker  address.Address `json:"worker"`
	Kind    FailureKind     `json:"kind"`
	TestID  string          `json:"test_id,omitempty"`
	Message string          `json:"message"`
	Cause   string          `json:"cause,omitempty"`
}

func (f Failure) String() string {
	s := fmt.Sprintf("%s %s %s: %s", f.Time.Format(time.RFC3339), f.Worker, f.Kind, f.Message)
	if f.TestID != "" {
		s += fmt.Sprintf(" (test %s)", f.TestID)
	}
	if f.Cause != "" {
		s += "\n" + f.Cause
	}
	return s
}

// PhaseQuery names one phase of one test across the workers of an agent.
type PhaseQuery struct {
	TestIndex int                 `json:"test_index"`
	Phase     operation.TestPhase `json:"phase"`
}

// PhaseStatus reports which live workers have finished the queried phase.
type PhaseStatus struct {
	Completed []address.Address `json:"completed,omitempty"`
	Failed    []address.Address `json:"failed,omitempty"`
	Pending   []address.Address `json:"pending,omitempty"`
}

// Done reports whether no worker is still running the phase.
func (s PhaseStatus) Done() bool {
	return len(s.Pending) == 0
}
