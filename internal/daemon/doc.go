// Package daemon ties the workflow engine, intake source, and metrics
// endpoint into a single lifecycle with flock-based locking to prevent
// multiple daemons from consuming the same data directory.
package daemon
