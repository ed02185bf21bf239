// ABOUTME: Tests for the coordinator/agent value types.
// ABOUTME: Covers settings validation, command encoding and destination resolution.

package harness

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/operation"
)

func TestWorkerSettings_Validate(t *testing.T) {
	tests := []struct {
		name     string
		settings WorkerSettings
		wantErr  bool
	}{
		{"member", WorkerSettings{Count: 3, Type: MemberWorker}, false},
		{"client", WorkerSettings{Count: 1, Type: ClientWorker}, false},
		{"zero count", WorkerSettings{Count: 0, Type: MemberWorker}, true},
		{"unknown type", WorkerSettings{Count: 1, Type: "lite"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSettings)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommand_CarriesOperation(t *testing.T) {
	cmd, err := NewCommand(operation.StartTestPhase{Phase: operation.PhaseRun})
	require.NoError(t, err)

	op, err := cmd.Operation()
	require.NoError(t, err)
	assert.Equal(t, operation.StartTestPhase{Phase: operation.PhaseRun}, op)
}

func TestCommand_Destination(t *testing.T) {
	worker := address.Worker(1, 2)

	dst, err := MustCommand(operation.Ping{}).Destination(worker)
	require.NoError(t, err)
	assert.Equal(t, worker, dst)

	dst, err = MustCommand(operation.StopTest{}).ForTest(3).Destination(worker)
	require.NoError(t, err)
	assert.Equal(t, address.Test(1, 2, 3), dst)
}

func TestCommand_ForWorkerDoesNotAliasOriginal(t *testing.T) {
	base := MustCommand(operation.Ping{})
	targeted := base.ForWorker(address.Worker(1, 4))

	assert.Nil(t, base.Worker)
	require.NotNil(t, targeted.Worker)
	assert.Equal(t, address.Worker(1, 4), *targeted.Worker)
}

func TestFailure_String(t *testing.T) {
	f := Failure{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Worker:  address.Worker(1, 2),
		Kind:    WorkerExit,
		TestID:  "maps",
		Message: "exit status 3",
		Cause:   "panic: boom",
	}

	s := f.String()
	assert.True(t, strings.HasPrefix(s, "2026-01-02T03:04:05Z C_A1_W2 WORKER_EXIT: exit status 3"))
	assert.Contains(t, s, "(test maps)")
	assert.Contains(t, s, "panic: boom")
}
