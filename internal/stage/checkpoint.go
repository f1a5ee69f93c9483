package stage

// GateType identifies one quality gate panel.
type GateType string

const (
	GateClarify   GateType = "clarify"
	GateChecklist GateType = "checklist"
	GateAnalyze   GateType = "analyze"
)

// Checkpoint is a pre-stage quality gate placement.
type Checkpoint int

const (
	// BeforeSpecify runs clarify before the plan stage, assuming the spec
	// document exists from specify.
	BeforeSpecify Checkpoint = iota
	// AfterSpecify runs checklist after plan, before tasks.
	AfterSpecify
	// AfterTasks runs analyze after tasks, before implement.
	AfterTasks
)

// Name returns the checkpoint key used in evidence paths and telemetry.
func (c Checkpoint) Name() string {
	switch c {
	case BeforeSpecify:
		return "before-specify"
	case AfterSpecify:
		return "after-specify"
	case AfterTasks:
		return "after-tasks"
	}
	return "unknown"
}

// Gates returns the quality gates run at this checkpoint.
func (c Checkpoint) Gates() []GateType {
	switch c {
	case BeforeSpecify:
		return []GateType{GateClarify}
	case AfterSpecify:
		return []GateType{GateChecklist}
	case AfterTasks:
		return []GateType{GateAnalyze}
	}
	return nil
}

// CheckpointBefore returns the quality checkpoint that must complete before
// the given stage dispatches, if any.
func CheckpointBefore(s Stage) (Checkpoint, bool) {
	switch s {
	case Plan:
		return BeforeSpecify, true
	case Tasks:
		return AfterSpecify, true
	case Implement:
		return AfterTasks, true
	}
	return 0, false
}
