// Package agent runs the per-machine agent of the test harness.
//
// An Agent hosts two servers. Workers it spawns dial the worker link and
// exchange operations with the agent's Connector. The coordinator calls the
// agent's remote services over the transport socket; those calls land on the
// Agent's transport.Handler methods and are carried out by the worker
// lifecycle manager.
//
// The agent's Connector hosts only the agent address. Operations for workers
// and their tests are forwarded to the link hub, which picks the session of
// the destination's worker.
//
// Workers send FAILURE, PHASE_COMPLETED, LOG and PONG operations upstream.
// Failures are buffered until the coordinator drains them with the
// failures service; a failure reported without a test id is attributed to the
// test named by the last prepareForTest call. Phase completions are kept per
// worker and answered through the phaseStatus service until the next
// initWorkout.
package agent
