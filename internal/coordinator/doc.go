// Package coordinator drives the agents of a test run.
//
// Every remote service is sent to all agents in parallel; the first agent
// error cancels the rest. Command results and failures from all agents are
// merged, results in worker-address order and failures in time order.
//
// Run executes a suite end to end:
//
//  1. clean the workers' home directories and spawn the suite's workers
//  2. create every test on every worker
//  3. for each test: prepare, setup, run for the workout duration, stop, verify
//  4. terminate the workers and drain the remaining failures
//
// Failures are polled throughout the run and gathered into the Report.
package coordinator
