// Package steps implements the workflow step executors. Each executor does
// the work of exactly one step against the object store and reports success
// or a classified failure; retries, persistence, and status transitions stay
// with the workflow engine.
package steps
