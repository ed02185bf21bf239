// ABOUTME: Typed operations exchanged between addressed components
// ABOUTME: Each operation is an immutable payload identified by its OperationType tag

package operation

import (
	"time"
)

// OperationType is the wire discriminator of an operation.
type OperationType string

const (
	TypeCreateTest      OperationType = "CREATE_TEST"
	TypeStartTestPhase  OperationType = "START_TEST_PHASE"
	TypeStopTest        OperationType = "STOP_TEST"
	TypePhaseCompleted  OperationType = "PHASE_COMPLETED"
	TypeTerminateWorker OperationType = "TERMINATE_WORKER"
	TypePing            OperationType = "PING"
	TypePong            OperationType = "PONG"
	TypeLog             OperationType = "LOG"
	TypeIntegrationTest OperationType = "INTEGRATION_TEST"
	TypeFailure         OperationType = "FAILURE"
)

// Operation is a typed command or query sent between addressed components.
// Implementations are plain values with no shared mutable state.
type Operation interface {
	Type() OperationType
}

// TestCase describes one workload module instance to run.
type TestCase struct {
	ID         string            `json:"id" toml:"id"`
	Module     string            `json:"module" toml:"module"`
	Properties map[string]string `json:"properties,omitempty" toml:"properties"`
}

// CreateTest asks a worker to instantiate a test under the given positional index.
type CreateTest struct {
	TestIndex int      `json:"test_index"`
	TestCase  TestCase `json:"test_case"`
}

func (CreateTest) Type() OperationType { return TypeCreateTest }

// TestPhase is one lifecycle hook of a workload module.
type TestPhase string

const (
	PhaseSetup  TestPhase = "setup"
	PhaseRun    TestPhase = "run"
	PhaseVerify TestPhase = "verify"
)

// StartTestPhase starts a lifecycle hook on a test. Completion is reported asynchronously.
type StartTestPhase struct {
	Phase TestPhase `json:"phase"`
}

func (StartTestPhase) Type() OperationType { return TypeStartTestPhase }

// StopTest raises the stop flag of a running test.
type StopTest struct{}

func (StopTest) Type() OperationType { return TypeStopTest }

// PhaseCompleted is sent upstream when a test phase has returned.
// Error is set when the phase failed; the failure itself travels as a FAILURE.
type PhaseCompleted struct {
	TestIndex int       `json:"test_index"`
	TestID    string    `json:"test_id"`
	Phase     TestPhase `json:"phase"`
	Error     string    `json:"error,omitempty"`
}

func (PhaseCompleted) Type() OperationType { return TypePhaseCompleted }

// TerminateWorker asks a worker to shut down. Member workers wait MemberShutdownDelay first.
type TerminateWorker struct {
	MemberShutdownDelay time.Duration `json:"member_shutdown_delay"`
}

func (TerminateWorker) Type() OperationType { return TypeTerminateWorker }

// Ping checks that the destination is alive.
type Ping struct{}

func (Ping) Type() OperationType { return TypePing }

// Pong is the fixed reply payload to a Ping.
type Pong struct{}

func (Pong) Type() OperationType { return TypePong }

// Log asks the receiver to log a message.
type Log struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (Log) Type() OperationType { return TypeLog }

// IntegrationTestKind selects the round-trip mode exercised by an IntegrationTest.
type IntegrationTestKind string

const (
	NestedSync  IntegrationTestKind = "NESTED_SYNC"
	NestedAsync IntegrationTestKind = "NESTED_ASYNC"
)

// IntegrationTest makes a processor issue a nested call back to the sender.
type IntegrationTest struct {
	Kind IntegrationTestKind `json:"kind"`
}

func (IntegrationTest) Type() OperationType { return TypeIntegrationTest }

// Failure reports an error raised inside a worker.
type Failure struct {
	TestID  string `json:"test_id,omitempty"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

func (Failure) Type() OperationType { return TypeFailure }
