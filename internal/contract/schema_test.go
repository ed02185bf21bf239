// ABOUTME: Contract tests for the JSON shapes exchanged between coordinator, agents and workers.
// ABOUTME: Validates that expected fields survive encoding so older peers keep decoding them.

package contract

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
)

// fieldsOf encodes v and returns its top-level JSON keys.
func fieldsOf(t *testing.T, v any) map[string]json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	return fields
}

func assertFields(t *testing.T, fields map[string]json.RawMessage, want ...string) {
	t.Helper()
	for _, name := range want {
		assert.Contains(t, fields, name, "field %q should be encoded", name)
	}
	for name := range fields {
		if !slices.Contains(want, name) {
			t.Logf("INFO: extra field %q not in contract (consider adding)", name)
		}
	}
}

func TestEnvelopeSchema(t *testing.T) {
	agent := address.Agent(1)
	worker, err := agent.Child(2)
	require.NoError(t, err)

	env, err := operation.NewOperationEnvelope("7", agent, worker, operation.Ping{})
	require.NoError(t, err)
	env.NoReply = true

	fields := fieldsOf(t, env)
	assertFields(t, fields, "kind", "id", "source", "destination", "operation_type", "payload", "no_reply")
	assert.JSONEq(t, `"operation"`, string(fields["kind"]))
	assert.JSONEq(t, `"PING"`, string(fields["operation_type"]))

	resp, err := operation.NewResponseEnvelope(&operation.Response{
		ID:          "7",
		Source:      worker,
		Destination: agent,
		Type:        operation.ExceptionDuringOperationExecution,
		Cause:       &operation.Cause{Message: "boom"},
	})
	require.NoError(t, err)

	fields = fieldsOf(t, resp)
	assertFields(t, fields, "kind", "id", "source", "destination", "response_type", "cause")
	assert.JSONEq(t, `"EXCEPTION_DURING_OPERATION_EXECUTION"`, string(fields["response_type"]))
}

func TestCommandSchema(t *testing.T) {
	worker, err := address.Agent(1).Child(1)
	require.NoError(t, err)

	cmd := harness.MustCommand(operation.StopTest{}).ForTest(1).ForWorker(worker)
	assertFields(t, fieldsOf(t, cmd), "worker", "test_index", "operation_type")
}

func TestFailureSchema(t *testing.T) {
	worker, err := address.Agent(1).Child(1)
	require.NoError(t, err)

	f := harness.Failure{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Worker:  worker,
		Kind:    harness.WorkerExit,
		TestID:  "smoke",
		Message: "worker exited with status 1",
		Cause:   "panic: boom",
	}
	fields := fieldsOf(t, f)
	assertFields(t, fields, "time", "worker", "kind", "test_id", "message", "cause")
	assert.JSONEq(t, `"WORKER_EXIT"`, string(fields["kind"]))
}

func TestWorkerSettingsSchema(t *testing.T) {
	s := harness.WorkerSettings{
		Count:   2,
		Type:    harness.ClientWorker,
		Command: []string{"sim-worker"},
		Env:     map[string]string{"A": "1"},
	}
	assertFields(t, fieldsOf(t, s), "count", "type", "command", "env")
}
