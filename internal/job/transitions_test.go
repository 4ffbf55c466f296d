package job_test

import (
	"testing"

	"imageflow/internal/job"
)

func TestStageForStatus(t *testing.T) {
	cases := []struct {
		status   job.Status
		wantStep string
		ok       bool
	}{
		{job.StatusQueued, job.StepValidate, true},
		{job.StatusValidating, job.StepValidate, true},
		{job.StatusResizing, job.StepResize, true},
		{job.StatusWatermarking, job.StepWatermark, true},
		{job.StatusCompleted, "", false},
		{job.StatusFailed, "", false},
	}
	for _, tc := range cases {
		stage, ok := job.StageForStatus(tc.status)
		if ok != tc.ok {
			t.Fatalf("StageForStatus(%s) ok = %v, want %v", tc.status, ok, tc.ok)
		}
		if ok && stage.Step != tc.wantStep {
			t.Fatalf("StageForStatus(%s) step = %s, want %s", tc.status, stage.Step, tc.wantStep)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to job.Status }{
		{job.StatusQueued, job.StatusValidating},
		{job.StatusValidating, job.StatusResizing},
		{job.StatusResizing, job.StatusWatermarking},
		{job.StatusWatermarking, job.StatusCompleted},
		{job.StatusValidating, job.StatusFailed},
		{job.StatusResizing, job.StatusFailed},
		{job.StatusWatermarking, job.StatusFailed},
	}
	for _, tc := range allowed {
		if !job.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to job.Status }{
		{job.StatusQueued, job.StatusResizing},     // skipping a step
		{job.StatusResizing, job.StatusValidating}, // backward
		{job.StatusCompleted, job.StatusFailed},    // terminal
		{job.StatusFailed, job.StatusQueued},       // terminal
		{job.StatusQueued, job.StatusFailed},       // not yet attempted
		{job.StatusValidating, job.StatusWatermarking},
	}
	for _, tc := range denied {
		if job.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestStatusOrderingIsMonotonic(t *testing.T) {
	order := []job.Status{
		job.StatusQueued,
		job.StatusValidating,
		job.StatusResizing,
		job.StatusWatermarking,
		job.StatusCompleted,
	}
	for i := 1; i < len(order); i++ {
		if !job.Before(order[i-1], order[i]) {
			t.Errorf("expected %s to rank before %s", order[i-1], order[i])
		}
	}
	// Completed and failed share the terminal rank.
	if job.Rank(job.StatusCompleted) != job.Rank(job.StatusFailed) {
		t.Error("terminal statuses should share a rank")
	}
}

func TestPriorStages(t *testing.T) {
	prior := job.PriorStages(job.StepWatermark)
	if len(prior) != 2 || prior[0].Step != job.StepValidate || prior[1].Step != job.StepResize {
		t.Fatalf("unexpected prior stages: %+v", prior)
	}
	if got := job.PriorStages(job.StepValidate); len(got) != 0 {
		t.Fatalf("validate should have no prior stages, got %+v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := &job.Job{
		ID:     "j1",
		Status: job.StatusResizing,
		StepResults: map[string]job.StepResult{
			job.StepValidate: {Outcome: job.OutcomeSuccess, OutputKeys: []string{"a"}},
		},
		Failure: &job.FailureDetail{Reason: "x"},
	}
	cp := original.Clone()
	cp.StepResults[job.StepValidate] = job.StepResult{Outcome: job.OutcomeFailure}
	cp.Failure.Reason = "y"

	if original.StepResults[job.StepValidate].Outcome != job.OutcomeSuccess {
		t.Fatal("clone mutated original step results")
	}
	if original.Failure.Reason != "x" {
		t.Fatal("clone mutated original failure detail")
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := job.ParseStatus(" Queued "); !ok || status != job.StatusQueued {
		t.Fatalf("ParseStatus = %q, %v", status, ok)
	}
	if _, ok := job.ParseStatus("encoding"); ok {
		t.Fatal("unknown status should not parse")
	}
}
