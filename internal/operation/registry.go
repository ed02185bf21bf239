// ABOUTME: Maps wire tags to concrete operation shapes
// ABOUTME: Encodes operations to JSON payloads and decodes them back by tag

package operation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownOperationType indicates a wire tag with no registered operation shape.
var ErrUnknownOperationType = errors.New("unknown operation type")

var registry = map[OperationType]func() Operation{
	TypeCreateTest:      func() Operation { return &CreateTest{} },
	TypeStartTestPhase:  func() Operation { return &StartTestPhase{} },
	TypeStopTest:        func() Operation { return &StopTest{} },
	TypePhaseCompleted:  func() Operation { return &PhaseCompleted{} },
	TypeTerminateWorker: func() Operation { return &TerminateWorker{} },
	TypePing:            func() Operation { return &Ping{} },
	TypePong:            func() Operation { return &Pong{} },
	TypeLog:             func() Operation { return &Log{} },
	TypeIntegrationTest: func() Operation { return &IntegrationTest{} },
	TypeFailure:         func() Operation { return &Failure{} },
}

// Known reports whether t is a registered operation type.
func Known(t OperationType) bool {
	_, ok := registry[t]
	return ok
}

// Encode serializes an operation to its tag and JSON payload.
func Encode(op Operation) (OperationType, json.RawMessage, error) {
	if !Known(op.Type()) {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownOperationType, op.Type())
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", op.Type(), err)
	}
	return op.Type(), payload, nil
}

// Decode builds the concrete operation for tag t from its JSON payload.
// The returned value is the operation struct, not a pointer to it.
func Decode(t OperationType, payload json.RawMessage) (Operation, error) {
	newOp, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperationType, t)
	}
	ptr := newOp()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ptr); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", t, err)
		}
	}
	return deref(ptr), nil
}

func deref(op Operation) Operation {
	switch o := op.(type) {
	case *CreateTest:
		return *o
	case *StartTestPhase:
		return *o
	case *StopTest:
		return *o
	case *PhaseCompleted:
		return *o
	case *TerminateWorker:
		return *o
	case *Ping:
		return *o
	case *Pong:
		return *o
	case *Log:
		return *o
	case *IntegrationTest:
		return *o
	case *Failure:
		return *o
	default:
		return op
	}
}
