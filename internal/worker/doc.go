// Package worker is the runtime of a worker process.
//
// # Processors
//
// A Worker is the processor.Router for its own address and its tests:
//
//   - the worker address handles CREATE_TEST, TERMINATE_WORKER, PING, LOG
//     and INTEGRATION_TEST
//   - a test address (worker.Child(testIndex)) handles START_TEST_PHASE,
//     STOP_TEST and PING for that test
//   - the test wildcard (C_A1_W1_T*) applies a test operation to every test
//
// Everything else is answered with UNSUPPORTED_OPERATION_ON_THIS_PROCESSOR.
//
// # Test Registration
//
// CREATE_TEST validates the test id (empty ids are allowed, others must be a
// safe file name), builds the workload module and registers a TestContainer.
// Index and id uniqueness are checked and committed under one lock, so two
// concurrent registrations cannot both succeed. Member workers publish the
// module in the cluster user context under UserContextKey(id).
//
// # Upstream Reports
//
// Test phases run in the background. Completion is sent to the agent as
// PHASE_COMPLETED; phase errors and processor exceptions other than rejected
// registrations are sent as FAILURE.
//
// # Termination
//
// TERMINATE_WORKER replies at once. Member workers wait the requested delay
// before shutting down so in-flight cluster operations can drain.
package worker
