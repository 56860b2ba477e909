package store

import (
	"fmt"
	"sync"

	"pipelex/internal/engine"
)

// Memory is an in-memory engine.Store. Safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	clock engine.Clock
	execs map[string]*engine.Execution
}

// NewMemory returns an empty in-memory store reading timestamps from clock.
func NewMemory(clock engine.Clock) *Memory {
	if clock == nil {
		clock = engine.RealClock{}
	}
	return &Memory{clock: clock, execs: make(map[string]*engine.Execution)}
}

func key(typ engine.ExecutionType, id string) string {
	return string(typ) + "/" + id
}

// Retrieve implements engine.Store.
func (m *Memory) Retrieve(typ engine.ExecutionType, id string) (*engine.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[key(typ, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, id)
	}
	return e.Clone(), nil
}

// Store implements engine.Store. It is a full overwrite: the caller's copy
// replaces the stored one wholesale.
func (m *Memory) Store(e *engine.Execution) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[key(e.Type, e.ID)] = e.Clone()
	return nil
}

// StoreStage implements engine.Store, replacing the stage in place or
// appending it when the id is new.
func (m *Memory) StoreStage(typ engine.ExecutionType, executionID string, stage *engine.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[key(typ, executionID)]
	if !ok {
		return fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, executionID)
	}
	for i, s := range e.Stages {
		if s.ID == stage.ID {
			e.Stages[i] = stage.Clone()
			return nil
		}
	}
	e.Stages = append(e.Stages, stage.Clone())
	return nil
}

// RemoveStage implements engine.Store. Removing an absent stage is a no-op
// so restart redelivery converges.
func (m *Memory) RemoveStage(typ engine.ExecutionType, executionID, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[key(typ, executionID)]
	if !ok {
		return fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, executionID)
	}
	for i, s := range e.Stages {
		if s.ID == stageID {
			e.Stages = append(e.Stages[:i], e.Stages[i+1:]...)
			return nil
		}
	}
	return nil
}

// UpdateStatus implements engine.Store. Moving into a terminal status sets
// the end time; moving back to RUNNING (restart) clears it. The returned
// bool reports whether this call performed the first transition into a
// terminal status.
func (m *Memory) UpdateStatus(typ engine.ExecutionType, executionID string, status engine.ExecutionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[key(typ, executionID)]
	if !ok {
		return false, fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, executionID)
	}
	return applyStatus(e, status, m.clock), nil
}

// CASStageStatus implements engine.Store.
func (m *Memory) CASStageStatus(typ engine.ExecutionType, executionID, stageID string, from, to engine.StageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[key(typ, executionID)]
	if !ok {
		return false, fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, executionID)
	}
	s := e.StageByID(stageID)
	if s == nil {
		return false, fmt.Errorf("%w: %s", engine.ErrStageNotFound, stageID)
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

// applyStatus is the shared status-transition rule for both store
// implementations.
func applyStatus(e *engine.Execution, status engine.ExecutionStatus, clock engine.Clock) bool {
	wasTerminal := engine.IsExecutionTerminal(e.Status)
	if wasTerminal && engine.IsExecutionTerminal(status) {
		return false
	}
	e.Status = status
	if engine.IsExecutionTerminal(status) {
		if e.EndTime == nil {
			now := clock.Now()
			e.EndTime = &now
		}
		return true
	}
	e.EndTime = nil
	return false
}
