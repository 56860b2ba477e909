package engine

import (
	"context"
	"fmt"

	"pipelex/internal/task"
)

// handleStartTask marks a task RUNNING and enqueues RunTask. A paused stage
// parks the message instead: it re-enqueues itself with a fixed delay and
// checks the marker again on redelivery.
func (e *Engine) handleStartTask(ctx context.Context, m *StartTaskMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}
	if IsStageTerminal(stage.Status) {
		return nil
	}
	if stage.ContextBool("PAUSED", false) {
		return e.queue.PushDelayed(m, e.cfg.PauseRecheckDelay)
	}

	t := stage.TaskByID(m.TaskID)
	if t == nil {
		e.log.Warn().
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Str("task_id", m.TaskID).
			Msg("start for unknown task id")
		return nil
	}

	switch t.Status {
	case TaskSucceeded, TaskTerminal:
		return nil
	case TaskNotStarted:
		now := e.clock.Now()
		t.Status = TaskRunning
		t.StartTime = &now
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store stage %s: %w", stage.ID, err)
		}
		e.publish(taskEvent(EventTaskStarted, exec, stage, t, string(TaskRunning)))
	}
	// Already-RUNNING falls through: a redelivered StartTask may have died
	// between the status write and the RunTask enqueue, and RunTask is safe
	// to deliver more than once.
	return e.queue.Push(&RunTaskMessage{MessageHeader: m.MessageHeader, StageID: m.StageID, TaskID: m.TaskID})
}

// handleRunTask resolves the task implementation, invokes it, and
// interprets the result: success merges outputs and completes the task,
// RUNNING re-enqueues with backoff (or converts to TERMINAL on timeout),
// TERMINAL rolls the failure up, and REDIRECT rewinds the enclosing loop.
//
// Cancellation is cooperative: the handler observes the execution's cancel
// flag here, at the top of every delivery, and simply stops dispatching.
func (e *Engine) handleRunTask(ctx context.Context, m *RunTaskMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}
	if stage.Status == StageCanceled {
		return nil
	}

	t := stage.TaskByID(m.TaskID)
	if t == nil || t.Status != TaskRunning {
		return nil
	}

	impl, resolveErr := e.tasks.Resolve(t.ImplementingClass)
	if resolveErr != nil {
		if err := e.queue.Push(&InvalidTaskTypeMessage{
			MessageHeader: m.MessageHeader,
			StageID:       stage.ID,
			TaskID:        t.ID,
			Class:         t.ImplementingClass,
		}); err != nil {
			return err
		}
		e.recordTaskError(exec, stage, resolveErr.Error())
		return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskTerminal})
	}

	view := task.StageView{
		ExecutionID: exec.ID,
		StageID:     stage.ID,
		StageType:   stage.Type,
		Context:     mergedContext(exec, stage),
	}
	result, execErr := impl.Execute(ctx, view)
	if execErr != nil {
		e.recordTaskError(exec, stage, execErr.Error())
		return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskTerminal})
	}

	switch result.Status {
	case task.StatusSucceeded:
		mergeOutputs(stage, result)
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store stage %s outputs: %w", stage.ID, err)
		}
		return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskSucceeded})

	case task.StatusRunning:
		backoff := e.cfg.DefaultRetryBackoff
		if r, isRetryable := impl.(task.Retryable); isRetryable {
			if p := r.BackoffPeriod(); p > 0 {
				backoff = p
			}
			if timeout := r.Timeout(); timeout > 0 && t.StartTime != nil && e.clock.Now().Sub(*t.StartTime) > timeout {
				e.recordTaskError(exec, stage, fmt.Sprintf("task %s timed out after %s", t.ID, timeout))
				return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskTerminal})
			}
		}
		now := e.clock.Now()
		t.LastRetryAt = &now
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store stage %s retry mark: %w", stage.ID, err)
		}
		return e.queue.PushDelayed(m, backoff)

	case task.StatusTerminal:
		if result.Error != "" {
			e.recordTaskError(exec, stage, result.Error)
		}
		mergeOutputs(stage, result)
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store stage %s outputs: %w", stage.ID, err)
		}
		return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskTerminal})

	case task.StatusRedirect:
		mergeOutputs(stage, result)
		return e.rewindLoop(exec, m.MessageHeader, stage, t)

	default:
		e.recordTaskError(exec, stage, fmt.Sprintf("task %s returned unknown status %q", t.ID, result.Status))
		return e.queue.Push(&CompleteTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: t.ID, Status: TaskTerminal})
	}
}

// handleCompleteTask records a task outcome and selects the next step:
// loop continuation, the next task in ordinal order, stage completion on
// the stage-end task, or failure rollup through the stage's
// failPipeline/continuePipeline flags.
func (e *Engine) handleCompleteTask(ctx context.Context, m *CompleteTaskMessage) error {
	exec, stage, ok, err := e.loadStage(m.Header(), m.StageID)
	if !ok || err != nil {
		return err
	}
	if exec.Canceled || IsExecutionTerminal(exec.Status) {
		return nil
	}

	t := stage.TaskByID(m.TaskID)
	if t == nil {
		e.log.Warn().
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Str("task_id", m.TaskID).
			Msg("completion for unknown task id")
		return nil
	}
	// A task must be RUNNING to complete. A terminal task means this is a
	// redelivery of an already-handled message; a NOT_STARTED task means
	// the message is stale from before a loop rewind. Both drop.
	if t.Status != TaskRunning {
		return nil
	}

	now := e.clock.Now()
	t.Status = m.Status
	t.EndTime = &now

	if m.Status == TaskSucceeded && t.IsLoopEnd && stage.ContextBool("continueLoop", false) {
		if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
			return fmt.Errorf("store stage %s: %w", stage.ID, err)
		}
		e.publish(taskEvent(EventTaskComplete, exec, stage, t, string(m.Status)))
		return e.rewindLoop(exec, m.MessageHeader, stage, t)
	}

	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store stage %s: %w", stage.ID, err)
	}
	e.publish(taskEvent(EventTaskComplete, exec, stage, t, string(m.Status)))

	if m.Status == TaskSucceeded {
		if next := stage.NextTask(t); next != nil {
			return e.queue.Push(&StartTaskMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, TaskID: next.ID})
		}
		return e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: StageSucceeded})
	}

	rollup := StageTerminal
	if stage.ContinuePipeline() {
		rollup = StageFailedContinue
	}
	return e.queue.Push(&CompleteStageMessage{MessageHeader: m.MessageHeader, StageID: stage.ID, Status: rollup})
}

// rewindLoop resets every task from the matching loop-start forward to
// NOT_STARTED and re-enqueues the loop-start task, implementing the
// rolling-push loop iteration.
func (e *Engine) rewindLoop(exec *Execution, header MessageHeader, stage *Stage, from *Task) error {
	start := from
	if !from.IsLoopStart {
		start = stage.LoopStartFor(from)
	}
	if start == nil {
		e.log.Warn().
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Str("task_id", from.ID).
			Msg("loop rewind without a loop-start marker")
		return e.queue.Push(&CompleteStageMessage{MessageHeader: header, StageID: stage.ID, Status: StageTerminal})
	}

	rewinding := false
	for _, t := range stage.Tasks {
		if t.ID == start.ID {
			rewinding = true
		}
		if rewinding {
			t.Status = TaskNotStarted
			t.StartTime = nil
			t.EndTime = nil
			t.LastRetryAt = nil
		}
	}
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		return fmt.Errorf("store stage %s loop rewind: %w", stage.ID, err)
	}
	return e.queue.Push(&StartTaskMessage{MessageHeader: header, StageID: stage.ID, TaskID: start.ID})
}

// mergeOutputs folds a task result's outputs and stage outputs into the
// stage context, where later tasks and the engine's own control fields
// (loop continuation, failure detail) read them.
func mergeOutputs(stage *Stage, result task.Result) {
	if len(result.Outputs) == 0 && len(result.StageOutputs) == 0 {
		return
	}
	if stage.Context == nil {
		stage.Context = make(map[string]any)
	}
	for k, v := range result.Outputs {
		stage.Context[k] = v
	}
	for k, v := range result.StageOutputs {
		stage.Context[k] = v
	}
}

func (e *Engine) recordTaskError(exec *Execution, stage *Stage, msg string) {
	if stage.Context == nil {
		stage.Context = make(map[string]any)
	}
	stage.Context["error"] = msg
	if err := e.store.StoreStage(exec.Type, exec.ID, stage); err != nil {
		e.log.Error().
			Err(err).
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Msg("failed to persist task error detail")
	}
}
