package task

import (
	"context"
	"time"
)

// Dummy always succeeds immediately, echoing its Name into the stage
// outputs under "dummy". It is the engine's analogue of scaffolding test
// fixtures like "dummy1"/"dummy2"/"dummy3" used across the lifecycle tests.
type Dummy struct {
	Name string
}

// Execute implements Task.
func (d Dummy) Execute(_ context.Context, _ StageView) (Result, error) {
	return Result{Status: StatusSucceeded, Outputs: map[string]any{"dummy": d.Name}}, nil
}

// AlwaysFail always terminates with the given error message, exercising
// failPipeline/continuePipeline rollup paths in tests.
type AlwaysFail struct {
	Message string
}

// Execute implements Task.
func (f AlwaysFail) Execute(_ context.Context, _ StageView) (Result, error) {
	return Result{Status: StatusTerminal, Error: f.Message}, nil
}

// PollUntil reports RUNNING until attempts have been observed, then
// SUCCEEDED; it exercises the RunTask retry/backoff path. Calls are not
// expected to be concurrent for a single instance (the engine runs one
// RunTask at a time per task).
type PollUntil struct {
	Attempts int
	Backoff  time.Duration
	seen     int
}

// Execute implements Task.
func (p *PollUntil) Execute(_ context.Context, _ StageView) (Result, error) {
	p.seen++
	if p.seen < p.Attempts {
		return Result{Status: StatusRunning}, nil
	}
	return Result{Status: StatusSucceeded}, nil
}

// BackoffPeriod implements Retryable.
func (p *PollUntil) BackoffPeriod() time.Duration { return p.Backoff }

// Timeout implements Retryable; zero means no timeout.
func (p *PollUntil) Timeout() time.Duration { return 0 }

// NeverFinishes always reports RUNNING, used to exercise RetryableTask
// timeout conversion to TERMINAL.
type NeverFinishes struct {
	Backoff      time.Duration
	TimeoutAfter time.Duration
}

// Execute implements Task.
func (n NeverFinishes) Execute(context.Context, StageView) (Result, error) {
	return Result{Status: StatusRunning}, nil
}

// BackoffPeriod implements Retryable.
func (n NeverFinishes) BackoffPeriod() time.Duration { return n.Backoff }

// Timeout implements Retryable.
func (n NeverFinishes) Timeout() time.Duration { return n.TimeoutAfter }

// LoopBody increments a counter in stage context each time it runs and
// reports via Result.StageOutputs["continueLoop"] whether the loop should
// keep iterating, consulted by the CompleteTask handler's loop
// continuation check.
type LoopBody struct {
	MaxIterations int
}

// Execute implements Task.
func (l LoopBody) Execute(_ context.Context, stage StageView) (Result, error) {
	iteration := 0
	if v, ok := stage.Context["loopIteration"]; ok {
		switch n := v.(type) {
		case int:
			iteration = n
		case float64:
			// Stores that round-trip the context through JSON hand
			// numbers back as float64.
			iteration = int(n)
		}
	}
	iteration++
	keepGoing := iteration < l.MaxIterations
	return Result{
		Status: StatusSucceeded,
		Outputs: map[string]any{
			"loopIteration": iteration,
		},
		StageOutputs: map[string]any{
			"continueLoop": keepGoing,
		},
	}, nil
}
