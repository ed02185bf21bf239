// Package workers manages the worker processes of one agent.
//
// A Manager spawns workers through a Launcher, hands each one its address,
// link credentials and home directory through the environment, and waits for
// it to attach to the agent's link. Commands fan out to the live workers over
// the agent's connector. TerminateWorkers asks every worker to stop, honoring
// the member shutdown delay, and kills whatever is still running after the
// grace period.
//
// A single monitor goroutine consumes process exits. An exit that was not
// requested becomes a WORKER_EXIT failure carrying the tail of the worker's
// stderr. Failures accumulate in a FailureMonitor until drained.
package workers
