// Package harness defines the values a coordinator and its agents exchange:
// WorkerSettings for spawning, Workout and TestRecipe for describing tests,
// Command for reaching workers, and Failure records drained from agents.
package harness
