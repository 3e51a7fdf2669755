// Package app wires the orchestration core into a runnable application: it
// loads a task grid, builds the dependency graph, executes it on a worker
// pool and reports the outcome.
package app
