package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelex/internal/engine"
	"pipelex/internal/queue"
	"pipelex/internal/stagedefs"
	"pipelex/internal/store"
	"pipelex/internal/task"
)

// TestRunUntilTerminal_WorkerPool drives a DAG through the real worker
// pool (real clock, concurrent workers) rather than the synchronous drain,
// proving correctness does not depend on the pool size being 1.
func TestRunUntilTerminal_WorkerPool(t *testing.T) {
	st := store.NewMemory(engine.RealClock{})
	q := queue.NewMemory()
	defs := stagedefs.NewRegistry()
	stagedefs.RegisterBuiltins(defs)
	tasks := task.NewRegistry()
	tasks.Register("DummyTask", task.Dummy{Name: "dummy"})

	eng := engine.New(st, q, defs, tasks, engine.WithConfig(engine.Config{
		Workers:      4,
		PollInterval: 2 * time.Millisecond,
	}))

	exec := &engine.Execution{
		ID:          "exec-pool",
		Application: "app",
		Type:        engine.ExecutionTypePipeline,
		Status:      engine.ExecutionNotStarted,
		Stages: []*engine.Stage{
			{ID: "s1", RefID: "1", Type: "multiTask", Status: engine.StageNotStarted},
			{ID: "s2", RefID: "2", Type: "multiTask", Status: engine.StageNotStarted, RequisiteStageRefIDs: []string{"1"}},
			{ID: "s3", RefID: "3", Type: "multiTask", Status: engine.StageNotStarted, RequisiteStageRefIDs: []string{"1"}},
			{ID: "s4", RefID: "4", Type: "multiTask", Status: engine.StageNotStarted, RequisiteStageRefIDs: []string{"2", "3"}},
		},
	}
	require.NoError(t, eng.Submit(exec))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := eng.RunUntilTerminal(ctx, engine.ExecutionTypePipeline, "exec-pool")
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, engine.ExecutionSucceeded, final.Status)
	for _, s := range final.Stages {
		assert.Equal(t, engine.StageSucceeded, s.Status, s.ID)
	}
}

func TestRunUntilTerminal_DeadlineExpires(t *testing.T) {
	st := store.NewMemory(engine.RealClock{})
	q := queue.NewMemory()
	defs := stagedefs.NewRegistry()
	stagedefs.RegisterBuiltins(defs)
	tasks := task.NewRegistry()
	// NeverFinishes keeps reporting RUNNING with a backoff far beyond the
	// test deadline, so the execution never terminates.
	tasks.Register("DummyTask", task.NeverFinishes{Backoff: time.Hour})

	eng := engine.New(st, q, defs, tasks, engine.WithConfig(engine.Config{
		Workers:      2,
		PollInterval: 2 * time.Millisecond,
	}))

	exec := &engine.Execution{
		ID:          "exec-stuck",
		Application: "app",
		Type:        engine.ExecutionTypePipeline,
		Status:      engine.ExecutionNotStarted,
		Stages: []*engine.Stage{
			{ID: "s1", RefID: "1", Type: "multiTask", Status: engine.StageNotStarted},
		},
	}
	require.NoError(t, eng.Submit(exec))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	final, err := eng.RunUntilTerminal(ctx, engine.ExecutionTypePipeline, "exec-stuck")
	assert.Error(t, err)
	require.NotNil(t, final)
	assert.Equal(t, engine.ExecutionRunning, final.Status)
}
