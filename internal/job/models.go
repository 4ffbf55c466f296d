package job

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusValidating   Status = "validating"
	StatusResizing     Status = "resizing"
	StatusWatermarking Status = "watermarking"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusValidating,
	StatusResizing,
	StatusWatermarking,
	StatusCompleted,
	StatusFailed,
}

var statusRank = map[Status]int{
	StatusQueued:       0,
	StatusValidating:   1,
	StatusResizing:     2,
	StatusWatermarking: 3,
	StatusCompleted:    4,
	StatusFailed:       4,
}

var processingStatuses = map[Status]struct{}{
	StatusValidating:   {},
	StatusResizing:     {},
	StatusWatermarking: {},
}

// Outcome records how a step attempt sequence ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SourceRef locates the original uploaded object.
type SourceRef struct {
	Store string `json:"store"`
	Key   string `json:"key"`
}

// StepResult records one step's outcome for a job.
type StepResult struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	Attempts    int       `json:"attempts"`
	OutputKeys  []string  `json:"output_keys,omitempty"`
}

// FailureDetail is set exactly once, on transition to failed.
type FailureDetail struct {
	FailedStep string `json:"failed_step"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// Job is the unit of work tracked by the orchestrator.
type Job struct {
	ID             string
	OwnerID        string
	IdempotencyKey string
	Source         SourceRef
	Filename       string
	SizeBytes      int64
	Status         Status
	StepResults    map[string]StepResult
	Failure        *FailureDetail
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy so callers can mutate a snapshot freely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StepResults != nil {
		cp.StepResults = make(map[string]StepResult, len(j.StepResults))
		for name, result := range j.StepResults {
			outputs := make([]string, len(result.OutputKeys))
			copy(outputs, result.OutputKeys)
			result.OutputKeys = outputs
			cp.StepResults[name] = result
		}
	}
	if j.Failure != nil {
		failure := *j.Failure
		cp.Failure = &failure
	}
	return &cp
}

// IsTerminal reports whether no further transitions are permitted.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// IsProcessing returns true when the status reflects an in-flight step.
func (j *Job) IsProcessing() bool {
	_, ok := processingStatuses[j.Status]
	return ok
}

// RecordStepResult writes the result entry for a step. Entries may only be
// written while the step is active, so overwrites outside the active step are
// a programming error the store-level version check would surface anyway.
func (j *Job) RecordStepResult(step string, result StepResult) {
	if j.StepResults == nil {
		j.StepResults = make(map[string]StepResult, 3)
	}
	j.StepResults[step] = result
}

// IsTerminalStatus reports whether a status permits no outgoing transitions.
func IsTerminalStatus(status Status) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsProcessingStatus reports whether a status reflects an in-flight step.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	if _, ok := statusRank[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

// Rank returns the position of a status in the forward ordering. Completed
// and failed share the terminal rank. Unknown statuses rank below queued so
// comparisons against them always favor known states.
func Rank(status Status) int {
	if rank, ok := statusRank[status]; ok {
		return rank
	}
	return -1
}

// Before reports whether a precedes b in the forward status ordering.
func Before(a, b Status) bool {
	return Rank(a) < Rank(b)
}
