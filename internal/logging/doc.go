// Package logging wraps log/slog with the attribute helpers, standardized
// field keys, and context plumbing used throughout the daemon. All workflow
// components log through loggers built here so that job and step identifiers
// appear consistently in every line.
package logging
