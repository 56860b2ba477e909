// Package stagedefs resolves a stage's type tag to its StageDefinition
// capability: the task list it builds and the synthetic before/after/
// parallel-branch children it contributes. Concrete stage-type business
// logic ("deploy", "bake", "webhook") is out of the engine's scope; this
// package only fixes the interface those builders satisfy and ships a
// handful of reference definitions exercised by the engine's own tests.
package stagedefs

import "pipelex/internal/engine"

// TaskGraphBuilder accumulates the task list a StageDefinition contributes
// to its stage. Tasks are appended in the order they should run; callers
// set IsStageStart/IsStageEnd/IsLoopStart/IsLoopEnd on the returned Task.
type TaskGraphBuilder struct {
	tasks []*engine.Task
}

// Append adds t to the end of the builder's task list and returns it for
// further mutation (setting loop/stage-boundary flags).
func (b *TaskGraphBuilder) Append(name, implementingClass string) *engine.Task {
	t := &engine.Task{
		ID:                 itoa(len(b.tasks) + 1),
		Name:               name,
		ImplementingClass:  implementingClass,
		Status:             engine.TaskNotStarted,
	}
	b.tasks = append(b.tasks, t)
	return t
}

// Tasks returns the accumulated task list with IsStageStart/IsStageEnd
// fixed up: the first task is the stage start, the last is the stage end,
// unless the builder already produced zero tasks.
func (b *TaskGraphBuilder) Tasks() []*engine.Task {
	if len(b.tasks) == 0 {
		return nil
	}
	b.tasks[0].IsStageStart = true
	b.tasks[len(b.tasks)-1].IsStageEnd = true
	return b.tasks
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SyntheticStage is a descriptor for a before/after/parallel-branch child a
// StageDefinition wants inserted next to its owning stage. Ordinal and
// AuthorID together produce the deterministic id
// "{parentId}-{ordinal}-{authorId}".
type SyntheticStage struct {
	Ordinal  int
	AuthorID string
	Type     string
	Context  map[string]any
}

// StageDefinition is the capability a stage type exposes to the engine.
type StageDefinition interface {
	// Type is the stage type tag this definition answers for.
	Type() string

	// TaskGraph appends the stage's own tasks (loop markers included) to
	// builder.
	TaskGraph(stage *engine.Stage, builder *TaskGraphBuilder)

	// BeforeStages returns synthetic STAGE_BEFORE children, in the order
	// they should run.
	BeforeStages(stage *engine.Stage) []SyntheticStage

	// AfterStages returns synthetic STAGE_AFTER children, in the order
	// they should run.
	AfterStages(stage *engine.Stage) []SyntheticStage

	// ParallelStages returns the parallel-branch children for a
	// parallel-branching stage type, or nil if the stage does not branch.
	// When non-nil, the engine adds each as a STAGE_BEFORE synthetic of
	// the descriptor's Type, and the parent stage's own TaskGraph is
	// expected to contribute only its post-branch tasks.
	ParallelStages(stage *engine.Stage) []SyntheticStage
}

// Base provides no-op BeforeStages/AfterStages/ParallelStages so concrete
// definitions only implement what they need.
type Base struct {
	TypeTag string
}

// Type implements StageDefinition.
func (b Base) Type() string { return b.TypeTag }

// BeforeStages implements StageDefinition as a no-op.
func (Base) BeforeStages(*engine.Stage) []SyntheticStage { return nil }

// AfterStages implements StageDefinition as a no-op.
func (Base) AfterStages(*engine.Stage) []SyntheticStage { return nil }

// ParallelStages implements StageDefinition as a no-op.
func (Base) ParallelStages(*engine.Stage) []SyntheticStage { return nil }
