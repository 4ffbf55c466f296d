// Package job defines the workflow job record, its status lifecycle, and the
// table-driven transition rules the orchestrator enforces. The status order
// is strict: a job only ever moves forward, and completed/failed are
// terminal.
package job
