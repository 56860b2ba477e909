package engine

import (
	"context"
	"fmt"
)

// handleStartStage evaluates a stage for admission and, if eligible, either
// expands it into synthetic children or advances it to RUNNING and kicks
// off its first task.
//
// The handler is safe to receive any number of times: a stage that is not
// yet startable (requisites incomplete) acks and waits for the completing
// upstream stage to re-enqueue it, and the NOT_STARTED -> RUNNING
// transition is a store-level compare-and-set so two workers racing on a
// join stage cannot both start its tasks.
func (e *Engine) handleStartStage(ctx context.Context, m *StartStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}

	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}
	if stage.Status == StageRunning {
		// Crash window: the RUNNING transition committed but the worker may
		// have died before enqueueing the first StartTask. Re-enqueueing is
		// safe; StartTask and RunTask both tolerate redelivery.
		if len(stage.Tasks) > 0 && allTasksNotStarted(stage) {
			first := stageStartTask(stage)
			return e.queue.Push(&StartTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: first.ID})
		}
		return nil
	}
	if stage.Status != StageNotStarted {
		return nil
	}

	for _, ref := range stage.RequisiteStageRefIDs {
		up := requisiteOf(exec, stage, ref)
		if up == nil || !IsRequisiteSatisfied(up.Status) {
			return nil
		}
	}

	enabled, evalErr := EvaluateStageEnabled(stage, mergedContext(exec, stage))
	if evalErr != nil {
		e.log.Warn().
			Err(evalErr).
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Msg("stageEnabled evaluation failed")
		return e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: StageTerminal})
	}
	if !enabled {
		stage.Status = StageSkipped
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store skipped stage %s: %w", stage.ID, err)
		}
		return e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: StageSkipped})
	}

	exp, defErr := e.defs.Expand(stage)
	if defErr != nil {
		e.log.Warn().
			Err(defErr).
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Str("stage_type", stage.Type).
			Msg("stage definition unresolved")
		return e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: StageTerminal})
	}

	added := e.ensureSynthetics(exec, stage, exp)

	// STAGE_BEFORE children run ahead of the parent's own tasks: sequential
	// children one at a time, parallel branch children fanned out together.
	parallelIDs := make(map[string]bool, len(exp.Parallel))
	if !stage.IsSynthetic() {
		for _, spec := range exp.Parallel {
			parallelIDs[syntheticID(stage, spec)] = true
		}
	}

	// A branching parent keeps only its post-branch tasks, and keeps them
	// from the moment it expands; an ordinary stage materializes its tasks
	// when it enters the task phase.
	if len(parallelIDs) > 0 && len(stage.Tasks) == 0 && len(exp.Tasks) > 0 {
		stage.Tasks = exp.Tasks
		added = true
	}

	if added {
		if err := e.store.Store(exec); err != nil {
			return fmt.Errorf("store execution %s after expansion: %w", exec.ID, err)
		}
	}
	var fanOut []*Stage
	branchActive := false
	for _, child := range childrenOf(exec, stage, StageBefore) {
		// A skipped synthetic counts as complete for its parent's gate.
		if IsRequisiteSatisfied(child.Status) || child.Status == StageSkipped {
			continue
		}
		if IsStageTerminal(child.Status) {
			// A failed before-child already rolled the failure up through
			// its own CompleteStage; the parent never enters its task phase.
			return nil
		}
		if child.Status == StageRunning {
			if parallelIDs[child.ID] {
				branchActive = true
				continue
			}
			return nil
		}
		if parallelIDs[child.ID] {
			fanOut = append(fanOut, child)
			continue
		}
		// First incomplete sequential child gates everything behind it.
		return e.queue.Push(&StartStageMessage{MessageHeader: m.MessageHeader, StageID: child.ID})
	}
	if len(fanOut) > 0 {
		for _, child := range fanOut {
			if err := e.queue.Push(&StartStageMessage{MessageHeader: m.MessageHeader, StageID: child.ID}); err != nil {
				return err
			}
		}
		return nil
	}
	if branchActive {
		return nil
	}

	// All before-children complete: materialize tasks and enter the task
	// phase. The CAS decides the winner when two workers get here at once.
	if len(stage.Tasks) == 0 {
		stage.Tasks = exp.Tasks
	}
	won, err := e.store.CASStageStatus(exec.Type, exec.ID, stage.ID, StageNotStarted, StageRunning)
	if err != nil {
		return fmt.Errorf("cas stage %s to RUNNING: %w", stage.ID, err)
	}
	if !won {
		return nil
	}
	now := e.clock.Now()
	stage.Status = StageRunning
	stage.StartTime = &now
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store running stage %s: %w", stage.ID, err)
	}

	if len(stage.Tasks) == 0 {
		if err := e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: StageSucceeded}); err != nil {
			return err
		}
	} else {
		first := stageStartTask(stage)
		if err := e.queue.Push(&StartTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: first.ID}); err != nil {
			return err
		}
	}
	e.publish(stageEvent(EventStageStarted, exec, stage, string(StageRunning)))
	return nil
}

// handleCompleteStage records a stage's terminal status and advances the
// DAG: synthetic children hand control back to their parent, STAGE_AFTER
// children run after the parent's own tasks, and downstream siblings are
// triggered once a non-synthetic stage (tasks plus afters) is fully done.
func (e *Engine) handleCompleteStage(ctx context.Context, m *CompleteStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}

	now := e.clock.Now()
	stage.Status = m.Status
	if stage.EndTime == nil {
		stage.EndTime = &now
	}
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store completed stage %s: %w", stage.ID, err)
	}
	e.publish(stageEvent(EventStageComplete, exec, stage, string(m.Status)))

	switch m.Status {
	case StageCanceled, StageStopped:
		return nil
	case StageSucceeded, StageSkipped, StageFailedContinue:
		// progression continues below
	default:
		if stage.FailPipeline() {
			return e.queue.Push(&CompleteExecutionMessage{MessageHeader: m.MessageHeader, Status: ExecutionTerminal})
		}
		return nil
	}

	// STAGE_AFTER children run only after a clean success of the stage's
	// own tasks.
	if m.Status == StageSucceeded {
		if next := firstNotStarted(childrenOf(exec, stage, StageAfter)); next != nil {
			return e.queue.Push(&StartStageMessage{MessageHeader: m.MessageHeader, StageID: next.ID})
		}
	}
	if anyRunning(childrenOf(exec, stage, StageAfter)) {
		return nil
	}

	return e.advanceFrom(exec, m.MessageHeader, stage)
}

// advanceFrom propagates completion of a fully-complete stage (its own
// status terminal, its STAGE_AFTER children done) outward: synthetic
// children re-dispatch their parent, non-synthetic stages trigger their
// downstream siblings and, once the execution has nothing left to run,
// the terminal rollup.
func (e *Engine) advanceFrom(exec *Execution, header MessageHeader, stage *Stage) error {
	switch stage.SyntheticStageOwner {
	case StageBefore:
		parent := exec.StageByID(stage.ParentStageID)
		if parent != nil && parent.Status == StageNotStarted {
			return e.queue.Push(&StartStageMessage{MessageHeader: header, StageID: parent.ID})
		}
		return nil
	case StageAfter:
		parent := exec.StageByID(stage.ParentStageID)
		if parent == nil {
			return nil
		}
		if next := firstNotStarted(childrenOf(exec, parent, StageAfter)); next != nil {
			return e.queue.Push(&StartStageMessage{MessageHeader: header, StageID: next.ID})
		}
		if anyRunning(childrenOf(exec, parent, StageAfter)) {
			return nil
		}
		return e.advanceFrom(exec, header, parent)
	}

	for _, d := range downstreamOf(exec, stage) {
		if err := e.queue.Push(&StartStageMessage{MessageHeader: header, StageID: d.ID}); err != nil {
			return err
		}
	}
	if quiescentForSuccess(exec) {
		return e.queue.Push(&CompleteExecutionMessage{MessageHeader: header, Status: ExecutionSucceeded})
	}
	return nil
}

// ensureSynthetics inserts the stage's synthetic children into the
// execution's stage sequence: the execution-window stage and the
// definition's STAGE_BEFORE children (plus parallel branch children)
// immediately before the stage, STAGE_AFTER children immediately after.
//
// Child ids are deterministic ("{parentId}-{ordinal}-{authorId}"), and a
// child whose id already exists is left alone, so redelivered StartStage
// messages and racing workers converge on identical expansions.
func (e *Engine) ensureSynthetics(exec *Execution, stage *Stage, exp StageExpansion) bool {
	before := exp.Before
	if stage.RestrictExecutionDuringTimeWindow() && stage.Type != "restrictExecutionDuringTimeWindow" {
		window := SyntheticSpec{Ordinal: 0, AuthorID: "restrictExecutionDuringTimeWindow", Type: "restrictExecutionDuringTimeWindow"}
		before = append([]SyntheticSpec{window}, before...)
	}
	if !stage.IsSynthetic() {
		// Parallel branch children fan out as STAGE_BEFORE synthetics of
		// the parent. A branch child of the same type must not branch
		// again, so synthetic stages never expand Parallel.
		before = append(before, exp.Parallel...)
	}

	added := false
	for _, spec := range before {
		if e.insertSynthetic(exec, stage, spec, StageBefore) {
			added = true
		}
	}
	for _, spec := range exp.After {
		if e.insertSynthetic(exec, stage, spec, StageAfter) {
			added = true
		}
	}
	return added
}

func (e *Engine) insertSynthetic(exec *Execution, parent *Stage, spec SyntheticSpec, owner SyntheticOwner) bool {
	id := syntheticID(parent, spec)
	if exec.StageByID(id) != nil {
		return false
	}
	child := &Stage{
		ID:                  id,
		RefID:               id,
		Type:                spec.Type,
		Status:              StageNotStarted,
		ParentStageID:       parent.ID,
		SyntheticStageOwner: owner,
		Context:             cloneContext(spec.Context),
	}

	pos := stagePosition(exec, parent.ID)
	if pos < 0 {
		return false
	}
	at := pos
	if owner == StageAfter {
		// After the parent and after any previously inserted STAGE_AFTER
		// children, preserving author order.
		at = pos + 1
		for at < len(exec.Stages) && exec.Stages[at].ParentStageID == parent.ID && exec.Stages[at].SyntheticStageOwner == StageAfter {
			at++
		}
	}
	exec.Stages = append(exec.Stages, nil)
	copy(exec.Stages[at+1:], exec.Stages[at:])
	exec.Stages[at] = child
	return true
}

func syntheticID(parent *Stage, spec SyntheticSpec) string {
	return fmt.Sprintf("%s-%d-%s", parent.ID, spec.Ordinal, spec.AuthorID)
}

func stagePosition(exec *Execution, stageID string) int {
	for i, s := range exec.Stages {
		if s.ID == stageID {
			return i
		}
	}
	return -1
}

// childrenOf returns the synthetic children of parent with the given owner
// slot, in execution order.
func childrenOf(exec *Execution, parent *Stage, owner SyntheticOwner) []*Stage {
	var out []*Stage
	for _, s := range exec.Stages {
		if s.ParentStageID == parent.ID && s.SyntheticStageOwner == owner {
			out = append(out, s)
		}
	}
	return out
}

func firstNotStarted(stages []*Stage) *Stage {
	for _, s := range stages {
		if s.Status == StageNotStarted {
			return s
		}
	}
	return nil
}

func anyRunning(stages []*Stage) bool {
	for _, s := range stages {
		if s.Status == StageRunning {
			return true
		}
	}
	return false
}

// requisiteOf resolves a requisite reference id to a non-synthetic sibling
// at the same level as stage.
func requisiteOf(exec *Execution, stage *Stage, refID string) *Stage {
	for _, s := range exec.Stages {
		if s.RefID == refID && !s.IsSynthetic() && s.ParentStageID == stage.ParentStageID {
			return s
		}
	}
	return nil
}

// downstreamOf returns the stages to start once s is fully complete: the
// non-synthetic siblings whose requisites name s, or, when nothing does,
// the next non-synthetic sibling in author order that has no explicit
// edges of its own (implicit sequential ordering).
func downstreamOf(exec *Execution, s *Stage) []*Stage {
	var out []*Stage
	for _, t := range exec.Stages {
		if t.IsSynthetic() || t.ID == s.ID {
			continue
		}
		if containsString(t.RequisiteStageRefIDs, s.RefID) {
			out = append(out, t)
		}
	}
	if len(out) > 0 {
		return out
	}

	seen := false
	for _, t := range exec.Stages {
		if t.ID == s.ID {
			seen = true
			continue
		}
		if !seen || t.IsSynthetic() {
			continue
		}
		if len(t.RequisiteStageRefIDs) == 0 && t.Status == StageNotStarted {
			return []*Stage{t}
		}
		break
	}
	return nil
}

// quiescentForSuccess reports whether nothing in the execution can still
// run: no stage is RUNNING, every non-synthetic stage is terminal or can
// never start (a requisite ended in a state that does not satisfy it), and
// no synthetic child is still owed a start by its parent.
func quiescentForSuccess(exec *Execution) bool {
	blocked := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, s := range exec.Stages {
			if s.IsSynthetic() || s.Status != StageNotStarted || blocked[s.RefID] {
				continue
			}
			for _, ref := range s.RequisiteStageRefIDs {
				up := requisiteOf(exec, s, ref)
				if up == nil || blocked[up.RefID] || (IsStageTerminal(up.Status) && !IsRequisiteSatisfied(up.Status)) {
					blocked[s.RefID] = true
					changed = true
					break
				}
			}
		}
	}

	for _, s := range exec.Stages {
		if s.Status == StageRunning {
			return false
		}
		if s.Status != StageNotStarted {
			continue
		}
		if !s.IsSynthetic() {
			if !blocked[s.RefID] {
				return false
			}
			continue
		}
		parent := exec.StageByID(s.ParentStageID)
		if parent == nil {
			continue
		}
		switch s.SyntheticStageOwner {
		case StageAfter:
			if parent.Status == StageSucceeded {
				return false
			}
		case StageBefore:
			if parent.Status == StageNotStarted && !blocked[parent.RefID] {
				return false
			}
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func allTasksNotStarted(stage *Stage) bool {
	for _, t := range stage.Tasks {
		if t.Status != TaskNotStarted {
			return false
		}
	}
	return true
}

// stageStartTask returns the task flagged isStageStart, falling back to the
// first task in ordinal order.
func stageStartTask(stage *Stage) *Task {
	for _, t := range stage.Tasks {
		if t.IsStageStart {
			return t
		}
	}
	return stage.Tasks[0]
}

// mergedContext overlays the stage context on the execution context for
// expression evaluation.
func mergedContext(exec *Execution, stage *Stage) map[string]any {
	out := make(map[string]any, len(exec.Context)+len(stage.Context))
	for k, v := range exec.Context {
		out[k] = v
	}
	for k, v := range stage.Context {
		out[k] = v
	}
	return out
}
