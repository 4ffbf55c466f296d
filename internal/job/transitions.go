package job

// Step names. These double as stepResults keys and blob key prefixes, so
// they are part of the persisted format.
const (
	StepValidate  = "validate"
	StepResize    = "resize"
	StepWatermark = "watermark"
)

// Stage binds a step to the status it runs under and the status a success
// advances to. The workflow engine is driven entirely off this table; adding
// a step means adding a row, not a branch.
type Stage struct {
	Step   string
	Active Status
	Next   Status
}

var stages = []Stage{
	{Step: StepValidate, Active: StatusValidating, Next: StatusResizing},
	{Step: StepResize, Active: StatusResizing, Next: StatusWatermarking},
	{Step: StepWatermark, Active: StatusWatermarking, Next: StatusCompleted},
}

// Stages returns the ordered stage table.
func Stages() []Stage {
	cp := make([]Stage, len(stages))
	copy(cp, stages)
	return cp
}

// StepNames returns the ordered step names.
func StepNames() []string {
	names := make([]string, len(stages))
	for i, stage := range stages {
		names[i] = stage.Step
	}
	return names
}

// StageForStatus resolves the stage a job in the given status should run:
// queued jobs start the first stage; a job observed in an active status
// re-runs that stage (redelivery after a crash). Terminal statuses have no
// stage.
func StageForStatus(status Status) (Stage, bool) {
	if status == StatusQueued {
		return stages[0], true
	}
	for _, stage := range stages {
		if stage.Active == status {
			return stage, true
		}
	}
	return Stage{}, false
}

// StageForStep resolves a stage by step name.
func StageForStep(step string) (Stage, bool) {
	for _, stage := range stages {
		if stage.Step == step {
			return stage, true
		}
	}
	return Stage{}, false
}

// PriorStages returns the stages that run before the given step, in order.
// Used by failure cleanup to locate intermediate artifacts.
func PriorStages(step string) []Stage {
	var prior []Stage
	for _, stage := range stages {
		if stage.Step == step {
			break
		}
		prior = append(prior, stage)
	}
	return prior
}

// CanTransition reports whether moving a job from one status to another is
// legal under the state machine: strictly forward along the stage table, or
// from any active status to failed.
func CanTransition(from, to Status) bool {
	if IsTerminalStatus(from) {
		return false
	}
	if to == StatusFailed {
		return IsProcessingStatus(from)
	}
	if from == StatusQueued {
		return to == stages[0].Active
	}
	for _, stage := range stages {
		if stage.Active == from {
			return to == stage.Next
		}
	}
	return false
}
