// ABOUTME: Closed set of services an agent exposes to the coordinator
// ABOUTME: Service names, the Handler each one dispatches to, and typed remote errors

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-sim/internal/harness"
)

// ErrUnknownService indicates a request named a service outside the dispatch table.
var ErrUnknownService = errors.New("unknown service")

// Service identifies one remote agent operation.
type Service int

const (
	SpawnWorkers Service = iota + 1
	InitWorkout
	CleanWorkersHome
	TerminateWorkers
	ExecuteOnAllWorkers
	ExecuteOnSingleWorker
	Echo
	PrepareForTest
	Failures
	PhaseStatus
)

var serviceNames = map[Service]string{
	SpawnWorkers:          "spawnWorkers",
	InitWorkout:           "initWorkout",
	CleanWorkersHome:      "cleanWorkersHome",
	TerminateWorkers:      "terminateWorkers",
	ExecuteOnAllWorkers:   "executeOnAllWorkers",
	ExecuteOnSingleWorker: "executeOnSingleWorker",
	Echo:                  "echo",
	PrepareForTest:        "prepareForTest",
	Failures:              "failures",
	PhaseStatus:           "phaseStatus",
}

var servicesByName = func() map[string]Service {
	m := make(map[string]Service, len(serviceNames))
	for s, name := range serviceNames {
		m[name] = s
	}
	return m
}()

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Service(%d)", int(s))
}

// Services returns every service in declaration order.
func Services() []Service {
	return []Service{
		SpawnWorkers,
		InitWorkout,
		CleanWorkersHome,
		TerminateWorkers,
		ExecuteOnAllWorkers,
		ExecuteOnSingleWorker,
		Echo,
		PrepareForTest,
		Failures,
		PhaseStatus,
	}
}

// ParseService resolves a wire name to its Service.
func ParseService(name string) (Service, error) {
	s, ok := servicesByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return s, nil
}

// Handler implements the agent side of every service.
type Handler interface {
	SpawnWorkers(ctx context.Context, settings harness.WorkerSettings) error
	InitWorkout(ctx context.Context, workout harness.Workout) error
	CleanWorkersHome(ctx context.Context) error
	TerminateWorkers(ctx context.Context) error
	ExecuteOnAllWorkers(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error)
	ExecuteOnSingleWorker(ctx context.Context, cmd harness.Command) ([]harness.CommandResult, error)
	Echo(ctx context.Context, msg string) (string, error)
	PrepareForTest(ctx context.Context, recipe harness.TestRecipe) error
	Failures(ctx context.Context) ([]harness.Failure, error)
	PhaseStatus(ctx context.Context, query harness.PhaseQuery) (harness.PhaseStatus, error)
}

// ErrorKind classifies a RemoteError.
type ErrorKind string

const (
	KindUnknownService ErrorKind = "unknown_service"
	KindBadPayload     ErrorKind = "bad_payload"
	KindHandler        ErrorKind = "handler"
	KindPanic          ErrorKind = "panic"
)

// RemoteError is a failure raised by the agent while serving a request.
// It is returned to the caller as the request's result.
type RemoteError struct {
	Service string    `json:"service"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (%s): %s", e.Service, e.Kind, e.Message)
}

// Is lets errors.Is match ErrUnknownService against a remote unknown-service error.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownService && e.Kind == KindUnknownService
}
