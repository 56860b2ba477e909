package engine

import (
	"context"
	"fmt"
)

// handleStartExecution moves the execution to RUNNING and enqueues
// StartStage for its root stages.
//
// Root selection: when any stage declares explicit requisite edges, every
// stage with no requisites is a root and they all start concurrently. When
// no stage declares edges at all, the pipeline uses implicit sequential
// ordering and only the first stage starts; completion propagation walks
// the rest in author order.
func (e *Engine) handleStartExecution(ctx context.Context, m *StartExecutionMessage) error {
	exec, ok, err := e.load(m.Header())
	if !ok || err != nil {
		return err
	}
	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}

	if exec.Status == ExecutionNotStarted {
		now := e.clock.Now()
		exec.Status = ExecutionRunning
		exec.StartTime = &now
		if err := e.store.Store(exec); err != nil {
			return fmt.Errorf("store execution %s: %w", exec.ID, err)
		}
	}

	explicit := false
	for _, s := range exec.Stages {
		if !s.IsSynthetic() && len(s.RequisiteStageRefIDs) > 0 {
			explicit = true
			break
		}
	}

	for _, s := range exec.Stages {
		if s.IsSynthetic() || len(s.RequisiteStageRefIDs) > 0 {
			continue
		}
		if err := e.queue.Push(&StartStageMessage{MessageHeader: m.MessageHeader, StageID: s.ID}); err != nil {
			return err
		}
		if !explicit {
			break
		}
	}
	return nil
}

// handleCompleteExecution performs the terminal rollup: it moves the
// execution to its final status, stamps the end time, and publishes
// ExecutionComplete.
//
// A SUCCEEDED rollup is guarded: while any stage can still run the message
// is dropped, and the stage that finishes last re-enqueues it. The
// ExecutionComplete event is published only when the store reports a first
// transition into a terminal status, so redelivery does not duplicate it.
func (e *Engine) handleCompleteExecution(ctx context.Context, m *CompleteExecutionMessage) error {
	exec, ok, err := e.load(m.Header())
	if !ok || err != nil {
		return err
	}

	if m.Status == ExecutionSucceeded && !quiescentForSuccess(exec) {
		return nil
	}

	first, err := e.store.UpdateStatus(exec.Type, exec.ID, m.Status)
	if err != nil {
		return fmt.Errorf("update execution %s status: %w", exec.ID, err)
	}
	if !first {
		return nil
	}

	// A non-success rollup can leave sibling branches mid-flight; tear
	// them down so a terminal execution never keeps RUNNING stages.
	if m.Status != ExecutionSucceeded {
		for _, s := range exec.Stages {
			if s.Status != StageRunning {
				continue
			}
			if err := e.queue.Push(&CancelStageMessage{MessageHeader: m.MessageHeader, StageID: s.ID}); err != nil {
				return err
			}
		}
	}

	e.log.Info().
		Str("execution_id", exec.ID).
		Str("application", exec.Application).
		Str("status", string(m.Status)).
		Msg("execution complete")
	e.publish(Event{
		Kind:          EventExecutionComplete,
		ExecutionType: exec.Type,
		ExecutionID:   exec.ID,
		Application:   exec.Application,
		Status:        string(m.Status),
	})
	return nil
}
