// Package services provides the shared error taxonomy and context helpers
// used across workflow components. Step executors and stores tag failures
// with the sentinel markers defined here so the engine can decide between
// retrying, failing the job, or leaving the message for redelivery.
package services
