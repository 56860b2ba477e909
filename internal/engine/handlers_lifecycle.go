package engine

import (
	"context"
	"fmt"

	"pipelex/internal/stagegraph"
)

// handleRestartStage rewinds a terminal stage and everything transitively
// downstream of it back to NOT_STARTED, drops their task lists, removes
// their synthetic children, and re-enqueues StartStage for the target.
// Downstream stages restart naturally through completion propagation.
//
// Restart is surgical: stages outside the downstream closure, and their
// synthetics, are never touched. Restarting a stage that is not terminal
// is a no-op.
func (e *Engine) handleRestartStage(ctx context.Context, m *RestartStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if !IsStageTerminal(stage.Status) {
		return nil
	}
	if stage.IsSynthetic() {
		e.log.Warn().
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Msg("restart targets a synthetic stage; ignoring")
		return nil
	}

	g, gerr := stagegraph.NewGraph(requisiteNodes(exec))
	if gerr != nil {
		return fmt.Errorf("restart %s: build requisite graph: %w", stage.ID, gerr)
	}
	restartRefs := append([]string{stage.RefID}, g.Downstream(stage.RefID)...)

	for _, ref := range restartRefs {
		s := exec.StageByRefID(ref)
		if s == nil || s.IsSynthetic() {
			continue
		}
		for _, child := range syntheticDescendants(exec, s.ID) {
			if err := e.store.RemoveStage(exec.Type, exec.ID, child.ID); err != nil {
				return fmt.Errorf("restart %s: remove synthetic %s: %w", stage.ID, child.ID, err)
			}
			dropStage(exec, child.ID)
		}
		s.Status = StageNotStarted
		s.StartTime = nil
		s.EndTime = nil
		s.Tasks = nil
		if err := e.store.StoreStage(exec.Type, exec.ID, s); err != nil {
			return fmt.Errorf("restart %s: store stage %s: %w", stage.ID, s.ID, err)
		}
	}

	if _, err := e.store.UpdateStatus(exec.Type, exec.ID, ExecutionRunning); err != nil {
		return fmt.Errorf("restart %s: reopen execution: %w", stage.ID, err)
	}
	e.log.Info().
		Str("execution_id", exec.ID).
		Str("stage_id", stage.ID).
		Int("stages_rewound", len(restartRefs)).
		Msg("stage restarted")
	return e.queue.Push(&StartStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID})
}

// handleCancelExecution marks the execution canceled and tears down every
// non-terminal stage through CancelStage messages. Active RunTask messages
// observe the cancel flag on their next delivery and stop on their own.
func (e *Engine) handleCancelExecution(ctx context.Context, m *CancelExecutionMessage) error {
	exec, ok, err := e.load(m.Header())
	if !ok || err != nil {
		return err
	}
	if IsExecutionTerminal(exec.Status) {
		return nil
	}

	exec.Canceled = true
	if err := e.store.Store(exec); err != nil {
		return fmt.Errorf("store canceled execution %s: %w", exec.ID, err)
	}
	for _, s := range exec.Stages {
		if IsStageTerminal(s.Status) {
			continue
		}
		if err := e.queue.Push(&CancelStageMessage{MessageHeader: m.MessageHeader, StageID: s.ID}); err != nil {
			return err
		}
	}
	return e.queue.Push(&CompleteExecutionMessage{MessageHeader: m.MessageHeader, Status: ExecutionCanceled})
}

// handleCancelStage transitions a RUNNING stage to CANCELED and stops
// further task dispatch on it. Stages that never started stay NOT_STARTED.
func (e *Engine) handleCancelStage(ctx context.Context, m *CancelStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}

	won, err := e.store.CASStageStatus(exec.Type, exec.ID, stage.ID, StageRunning, StageCanceled)
	if err != nil {
		return fmt.Errorf("cancel stage %s: %w", stage.ID, err)
	}
	if !won {
		return nil
	}
	now := e.clock.Now()
	stage.Status = StageCanceled
	stage.EndTime = &now
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store canceled stage %s: %w", stage.ID, err)
	}
	e.publish(stageEvent(EventStageComplete, exec, stage, string(StageCanceled)))
	return nil
}

// handlePauseStage adds the PAUSED marker to a stage. StartTask checks the
// marker and parks itself while it is present.
func (e *Engine) handlePauseStage(ctx context.Context, m *PauseStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if IsStageTerminal(stage.Status) {
		return nil
	}
	if stage.Context == nil {
		stage.Context = make(map[string]any)
	}
	stage.Context["PAUSED"] = true
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store paused stage %s: %w", stage.ID, err)
	}
	return nil
}

// handleResumeStage removes the PAUSED marker; the parked StartTask finds
// the marker gone on its next scheduled redelivery and proceeds.
func (e *Engine) handleResumeStage(ctx context.Context, m *ResumeStageMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if stage.Context == nil {
		return nil
	}
	delete(stage.Context, "PAUSED")
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store resumed stage %s: %w", stage.ID, err)
	}
	return nil
}

// handlePauseExecution pauses every non-terminal stage of the execution.
func (e *Engine) handlePauseExecution(ctx context.Context, m *PauseExecutionMessage) error {
	exec, ok, err := e.load(m.Header())
	if !ok || err != nil {
		return err
	}
	for _, s := range exec.Stages {
		if IsStageTerminal(s.Status) {
			continue
		}
		if err := e.queue.Push(&PauseStageMessage{MessageHeader: m.MessageHeader, StageID: s.ID}); err != nil {
			return err
		}
	}
	return nil
}

// handleResumeExecution resumes every paused stage of the execution.
func (e *Engine) handleResumeExecution(ctx context.Context, m *ResumeExecutionMessage) error {
	exec, ok, err := e.load(m.Header())
	if !ok || err != nil {
		return err
	}
	for _, s := range exec.Stages {
		if !s.ContextBool("PAUSED", false) {
			continue
		}
		if err := e.queue.Push(&ResumeStageMessage{MessageHeader: m.MessageHeader, StageID: s.ID}); err != nil {
			return err
		}
	}
	return nil
}

// requisiteNodes projects the execution's non-synthetic top-level stages
// into the requisite graph's node form.
func requisiteNodes(exec *Execution) []stagegraph.Node {
	var nodes []stagegraph.Node
	for _, s := range exec.Stages {
		if s.IsSynthetic() {
			continue
		}
		nodes = append(nodes, stagegraph.Node{RefID: s.RefID, Requisites: s.RequisiteStageRefIDs})
	}
	return nodes
}

// syntheticDescendants returns every stage whose transitive parent chain
// reaches stageID, in execution order.
func syntheticDescendants(exec *Execution, stageID string) []*Stage {
	parents := map[string]bool{stageID: true}
	var out []*Stage
	for changed := true; changed; {
		changed = false
		for _, s := range exec.Stages {
			if s.ParentStageID == "" || parents[s.ID] {
				continue
			}
			if parents[s.ParentStageID] {
				parents[s.ID] = true
				out = append(out, s)
				changed = true
			}
		}
	}
	return out
}

func dropStage(exec *Execution, stageID string) {
	for i, s := range exec.Stages {
		if s.ID == stageID {
			exec.Stages = append(exec.Stages[:i], exec.Stages[i+1:]...)
			return
		}
	}
}
