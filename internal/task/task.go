// Package task defines the Task capability the engine dispatches work
// through, and a small set of sample implementations used by tests and the
// CLI's builtin stage catalog.
//
// The engine treats execute as a black box: it reads status and outputs
// and does not interpret anything else the task did. Concrete task
// implementations (HTTP callers, cloud-driver clients, webhook invokers)
// live outside this module; this package only fixes the interface they
// must satisfy.
package task

import (
	"context"
	"time"
)

// Status is the outcome a Task reports back to the engine.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusRunning   Status = "RUNNING"
	StatusTerminal  Status = "TERMINAL"
	StatusRedirect  Status = "REDIRECT"
)

// StageView is the minimal read-only projection of a stage a Task needs to
// execute: its resolved context and identity. It deliberately does not
// expose the owning Execution or sibling stages, so a Task cannot reach
// outside its own stage.
type StageView struct {
	ExecutionID string
	StageID     string
	StageType   string
	Context     map[string]any
}

// Result is what execute returns: a status plus outputs to merge into the
// stage context.
type Result struct {
	Status       Status
	Outputs      map[string]any
	StageOutputs map[string]any
	Error        string
}

// Task is the capability the engine invokes for every RunTask message.
type Task interface {
	Execute(ctx context.Context, stage StageView) (Result, error)
}

// Retryable extends Task with backoff and timeout policy for tasks whose
// RUNNING result should be polled rather than treated as complete.
type Retryable interface {
	Task
	BackoffPeriod() time.Duration
	Timeout() time.Duration
}

// Func adapts a plain function to the Task interface.
type Func func(ctx context.Context, stage StageView) (Result, error)

// Execute implements Task by delegating to the wrapped function.
func (f Func) Execute(ctx context.Context, stage StageView) (Result, error) {
	return f(ctx, stage)
}
