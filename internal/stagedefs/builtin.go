package stagedefs

import "pipelex/internal/engine"

// MultiTask is a stage type with three linear tasks, used to exercise the
// basic stage-start/stage-end task boundary invariants.
type MultiTask struct {
	Base
}

// NewMultiTask returns the "multiTask" stage definition.
func NewMultiTask() MultiTask { return MultiTask{Base{TypeTag: "multiTask"}} }

// TaskGraph implements StageDefinition.
func (MultiTask) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("dummy1", "DummyTask")
	b.Append("dummy2", "DummyTask")
	b.Append("dummy3", "DummyTask")
}

// StageWithSyntheticBefore contributes two STAGE_BEFORE synthetics ahead
// of a single-task parent stage.
type StageWithSyntheticBefore struct {
	Base
}

// NewStageWithSyntheticBefore returns the "stageWithSyntheticBefore" stage
// definition.
func NewStageWithSyntheticBefore() StageWithSyntheticBefore {
	return StageWithSyntheticBefore{Base{TypeTag: "stageWithSyntheticBefore"}}
}

// TaskGraph implements StageDefinition.
func (StageWithSyntheticBefore) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("main", "DummyTask")
}

// BeforeStages implements StageDefinition.
func (StageWithSyntheticBefore) BeforeStages(stage *engine.Stage) []SyntheticStage {
	return []SyntheticStage{
		{Ordinal: 1, AuthorID: "pre1", Type: "multiTask"},
		{Ordinal: 2, AuthorID: "pre2", Type: "multiTask"},
	}
}

// StageWithParallelBranches contributes N parallel branch children and
// retains only its post-branch task on the parent stage itself.
type StageWithParallelBranches struct {
	Base
	Branches int
}

// NewStageWithParallelBranches returns the "stageWithParallelBranches"
// stage definition fanning out to n branches.
func NewStageWithParallelBranches(n int) StageWithParallelBranches {
	return StageWithParallelBranches{Base{TypeTag: "stageWithParallelBranches"}, n}
}

// TaskGraph implements StageDefinition: the parent retains only its
// post-branch task. The branch children produced by ParallelStages share
// this type, so each branch runs this same single task; the definition has
// no pre-branch tasks.
func (StageWithParallelBranches) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("post-branch", "DummyTask")
}

// ParallelStages implements StageDefinition.
func (s StageWithParallelBranches) ParallelStages(stage *engine.Stage) []SyntheticStage {
	out := make([]SyntheticStage, 0, s.Branches)
	for i := 1; i <= s.Branches; i++ {
		out = append(out, SyntheticStage{
			Ordinal:  i,
			AuthorID: "branch" + itoa(i),
			Type:     stage.Type,
		})
	}
	return out
}

// RestrictExecutionDuringTimeWindow is the synthetic stage type the engine
// prepends when a stage's restrictExecutionDuringTimeWindow control flag is
// set. It has a single task that reports SUCCEEDED immediately; real
// deployments give this type a task implementation that blocks until the
// window opens, which the engine never needs to know about.
type RestrictExecutionDuringTimeWindow struct {
	Base
}

// NewRestrictExecutionDuringTimeWindow returns the
// "restrictExecutionDuringTimeWindow" stage definition.
func NewRestrictExecutionDuringTimeWindow() RestrictExecutionDuringTimeWindow {
	return RestrictExecutionDuringTimeWindow{Base{TypeTag: "restrictExecutionDuringTimeWindow"}}
}

// TaskGraph implements StageDefinition.
func (RestrictExecutionDuringTimeWindow) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("waitForWindow", "WaitForWindowTask")
}

// Webhook is a single-task stage type standing in for an external HTTP
// callout; its implementing class is resolved through the task registry
// like any other task, and the engine never inspects the payload.
type Webhook struct {
	Base
}

// NewWebhook returns the "webhook" stage definition.
func NewWebhook() Webhook { return Webhook{Base{TypeTag: "webhook"}} }

// TaskGraph implements StageDefinition.
func (Webhook) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("invokeWebhook", "WebhookTask")
}

// LoopingTask is a stage type with a matched isLoopStart/isLoopEnd pair
// around a single body task, used to exercise rolling-push loop semantics.
type LoopingTask struct {
	Base
}

// NewLoopingTask returns the "loopingTask" stage definition.
func NewLoopingTask() LoopingTask { return LoopingTask{Base{TypeTag: "loopingTask"}} }

// TaskGraph implements StageDefinition.
func (LoopingTask) TaskGraph(_ *engine.Stage, b *TaskGraphBuilder) {
	b.Append("loopStart", "NoopTask").IsLoopStart = true
	b.Append("loopBody", "LoopBodyTask")
	b.Append("loopEnd", "NoopTask").IsLoopEnd = true
}

// RegisterBuiltins registers every definition in this file under r.
func RegisterBuiltins(r *Registry) {
	r.Register(NewMultiTask())
	r.Register(NewStageWithSyntheticBefore())
	r.Register(NewStageWithParallelBranches(3))
	r.Register(NewRestrictExecutionDuringTimeWindow())
	r.Register(NewWebhook())
	r.Register(NewLoopingTask())
}
