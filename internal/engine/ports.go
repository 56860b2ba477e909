package engine

import (
	"time"

	"pipelex/internal/task"
)

// Store is the execution store the engine loads and writes executions
// through. The store is the single authority over execution state; handlers
// load, mutate, and write back, and the store's compare-and-set operations
// arbitrate races between workers.
//
// Retrieve must return a copy the caller owns outright. Store is a full
// overwrite; correctness under concurrent StartStage expansion relies on
// synthetic-stage ids being deterministic (two workers write identical
// content) and on status advancement going through the CAS operations, not
// through Store.
type Store interface {
	// Retrieve loads an execution, or ErrExecutionNotFound.
	Retrieve(typ ExecutionType, id string) (*Execution, error)

	// Store writes the whole execution back, creating it if absent.
	Store(e *Execution) error

	// StoreStage writes a single stage of an existing execution back,
	// appending it if the id is new.
	StoreStage(typ ExecutionType, executionID string, stage *Stage) error

	// RemoveStage deletes a stage from an execution. Removing a stage that
	// is already gone is not an error; restart redelivery depends on that.
	RemoveStage(typ ExecutionType, executionID, stageID string) error

	// UpdateStatus moves the execution to status and reports whether this
	// call performed the first transition into a terminal status, so the
	// caller can suppress duplicate completion events under redelivery.
	UpdateStatus(typ ExecutionType, executionID string, status ExecutionStatus) (bool, error)

	// CASStageStatus atomically moves a stage from one status to another,
	// reporting false when the stage was no longer in the expected status.
	// The losing worker of a join race elides its follow-up work.
	CASStageStatus(typ ExecutionType, executionID, stageID string, from, to StageStatus) (bool, error)
}

// Delivery is one polled message plus the opaque token that acknowledges
// it. Attempt counts deliveries of the same record, starting at 1.
type Delivery struct {
	Message Message
	Token   string
	Attempt int
}

// Queue is the reliable at-least-once message queue the engine coordinates
// through. A polled message is hidden from other consumers for the queue's
// visibility timeout; an unacked message comes back, semantically
// identical, on a later poll.
type Queue interface {
	// Push enqueues msg for immediate delivery.
	Push(msg Message) error

	// PushDelayed enqueues msg for delivery no earlier than delay from now.
	PushDelayed(msg Message, delay time.Duration) error

	// Poll returns the next visible message, or nil when the queue has
	// nothing deliverable right now.
	Poll() (*Delivery, error)

	// Ack permanently removes the delivered message.
	Ack(token string) error

	// Nack returns the delivered message to the queue immediately.
	Nack(token string) error
}

// SyntheticSpec describes one synthetic child a stage definition wants
// inserted next to its owning stage. Ordinal and AuthorID produce the
// deterministic child id "{parentId}-{ordinal}-{authorId}".
type SyntheticSpec struct {
	Ordinal  int
	AuthorID string
	Type     string
	Context  map[string]any
}

// StageExpansion is everything a stage definition contributes when a stage
// starts: the stage's own task list and its synthetic children.
//
// For a parallel-branching stage, Parallel carries the branch children (the
// engine inserts them as STAGE_BEFORE synthetics) and Tasks carries only
// the post-branch tasks the parent retains.
type StageExpansion struct {
	Tasks    []*Task
	Before   []SyntheticSpec
	After    []SyntheticSpec
	Parallel []SyntheticSpec
}

// DefinitionSource resolves a stage's type tag to its expansion. The
// stagedefs registry is the production implementation.
type DefinitionSource interface {
	Expand(stage *Stage) (StageExpansion, error)
}

// TaskSource resolves a task's implementing-class string to a runnable Task
// capability. An unresolvable class is the InvalidTaskType condition.
type TaskSource interface {
	Resolve(class string) (task.Task, error)
}
