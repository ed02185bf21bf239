// Package cluster is the worker's view of the cluster under test.
//
// Workload modules reach the cluster only through Instance: a shared
// UserContext (member workers publish their running tests there), named
// Maps, and membership information used for logging. Local is an
// in-process node backed by go-cache, used by sim-worker and tests.
package cluster
