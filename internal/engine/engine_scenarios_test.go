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

// harness wires an engine against the in-memory store and queue with a
// fixed clock and a recording sink, and drives it by draining the queue
// synchronously so every test is deterministic.
type harness struct {
	t     *testing.T
	clk   *engine.FixedClock
	store *store.Memory
	q     *queue.Memory
	rec   *engine.Recorder
	defs  *stagedefs.Registry
	tasks *task.Registry
	eng   *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := engine.NewFixedClock(time.Unix(1700000000, 0))
	st := store.NewMemory(clk)
	q := queue.NewMemory(queue.WithClock(clk))
	defs := stagedefs.NewRegistry()
	stagedefs.RegisterBuiltins(defs)

	tasks := task.NewRegistry()
	tasks.Register("DummyTask", task.Dummy{Name: "dummy"})
	tasks.Register("NoopTask", task.Dummy{Name: "noop"})
	tasks.Register("WaitForWindowTask", task.Dummy{Name: "window"})
	tasks.Register("WebhookTask", task.Dummy{Name: "webhook"})
	tasks.Register("LoopBodyTask", &task.LoopBody{MaxIterations: 3})

	rec := engine.NewRecorder()
	eng := engine.New(st, q, defs, tasks,
		engine.WithClock(clk),
		engine.WithSink(rec),
	)
	return &harness{t: t, clk: clk, store: st, q: q, rec: rec, defs: defs, tasks: tasks, eng: eng}
}

func (h *harness) handle(msg engine.Message) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Handle(context.Background(), msg))
}

// drain handles every currently-visible message until the queue is empty.
// Delayed messages stay put; advance the clock and drain again to deliver
// them.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		d, err := h.q.Poll()
		require.NoError(h.t, err)
		if d == nil {
			return
		}
		require.NoError(h.t, h.eng.Handle(context.Background(), d.Message))
		require.NoError(h.t, h.q.Ack(d.Token))
	}
	h.t.Fatal("queue did not drain")
}

// pending returns the currently-visible messages without consuming them.
func (h *harness) pending() []engine.Message {
	h.t.Helper()
	var ds []*engine.Delivery
	for {
		d, err := h.q.Poll()
		require.NoError(h.t, err)
		if d == nil {
			break
		}
		ds = append(ds, d)
	}
	msgs := make([]engine.Message, len(ds))
	for i, d := range ds {
		msgs[i] = d.Message
		require.NoError(h.t, h.q.Nack(d.Token))
	}
	return msgs
}

func (h *harness) loadExec(id string) *engine.Execution {
	h.t.Helper()
	e, err := h.store.Retrieve(engine.ExecutionTypePipeline, id)
	require.NoError(h.t, err)
	return e
}

func (h *harness) eventCount(kind engine.EventKind) int {
	n := 0
	for _, ev := range h.rec.Snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func header(exec *engine.Execution) engine.MessageHeader {
	return engine.MessageHeader{
		ExecutionType: exec.Type,
		ExecutionID:   exec.ID,
		Application:   exec.Application,
	}
}

func pipeline(stages ...*engine.Stage) *engine.Execution {
	return &engine.Execution{
		ID:          "exec-1",
		Application: "app",
		Type:        engine.ExecutionTypePipeline,
		Status:      engine.ExecutionRunning,
		Stages:      stages,
	}
}

func authoredStage(id, refID, typ string, requisites ...string) *engine.Stage {
	return &engine.Stage{
		ID:                   id,
		RefID:                refID,
		Type:                 typ,
		Status:               engine.StageNotStarted,
		RequisiteStageRefIDs: requisites,
	}
}

func TestStartStage_LinearThreeTaskStage(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(authoredStage("s1", "1", "multiTask"))
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.StartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	stage := got.StageByID("s1")
	assert.Equal(t, engine.StageRunning, stage.Status)
	assert.NotNil(t, stage.StartTime)
	require.Len(t, stage.Tasks, 3)

	assert.True(t, stage.Tasks[0].IsStageStart)
	assert.False(t, stage.Tasks[0].IsStageEnd)
	assert.False(t, stage.Tasks[1].IsStageStart)
	assert.False(t, stage.Tasks[1].IsStageEnd)
	assert.False(t, stage.Tasks[2].IsStageStart)
	assert.True(t, stage.Tasks[2].IsStageEnd)
	assert.Equal(t, []string{"1", "2", "3"}, []string{stage.Tasks[0].ID, stage.Tasks[1].ID, stage.Tasks[2].ID})

	msgs := h.pending()
	require.Len(t, msgs, 1)
	st, ok := msgs[0].(*engine.StartTaskMessage)
	require.True(t, ok)
	assert.Equal(t, "1", st.TaskID)
	assert.Equal(t, 1, h.eventCount(engine.EventStageStarted))
}

func TestStartStage_SyntheticBeforeExpansion(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(authoredStage("s1", "1", "stageWithSyntheticBefore"))
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.StartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	require.Len(t, got.Stages, 3)
	assert.Equal(t, "s1-1-pre1", got.Stages[0].ID)
	assert.Equal(t, "s1-2-pre2", got.Stages[1].ID)
	assert.Equal(t, "s1", got.Stages[2].ID)
	assert.Equal(t, engine.StageBefore, got.Stages[0].SyntheticStageOwner)
	assert.Equal(t, "s1", got.Stages[0].ParentStageID)

	// Parent has no tasks yet; the first synthetic gates them.
	assert.Empty(t, got.StageByID("s1").Tasks)
	assert.Equal(t, engine.StageNotStarted, got.StageByID("s1").Status)

	msgs := h.pending()
	require.Len(t, msgs, 1)
	ss, ok := msgs[0].(*engine.StartStageMessage)
	require.True(t, ok)
	assert.Equal(t, "s1-1-pre1", ss.StageID)
}

func TestStartStage_ParallelBranchFanOut(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(authoredStage("s1", "1", "stageWithParallelBranches"))
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.StartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	require.Len(t, got.Stages, 4)

	parent := got.StageByID("s1")
	require.Len(t, parent.Tasks, 1)
	assert.Equal(t, "post-branch", parent.Tasks[0].Name)

	msgs := h.pending()
	require.Len(t, msgs, 3)
	targets := make(map[string]bool)
	for _, m := range msgs {
		ss, ok := m.(*engine.StartStageMessage)
		require.True(t, ok)
		targets[ss.StageID] = true
	}
	assert.True(t, targets["s1-1-branch1"])
	assert.True(t, targets["s1-2-branch2"])
	assert.True(t, targets["s1-3-branch3"])
}

func TestStartStage_JoinWaitsForIncompleteRequisite(t *testing.T) {
	h := newHarness(t)
	s1 := authoredStage("s1", "1", "multiTask")
	s1.Status = engine.StageSucceeded
	s2 := authoredStage("s2", "2", "multiTask")
	s2.Status = engine.StageRunning
	s3 := authoredStage("s3", "3", "multiTask", "1", "2")
	exec := pipeline(s1, s2, s3)
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.StartStageMessage{MessageHeader: header(exec), StageID: "s3"})

	got := h.loadExec("exec-1")
	join := got.StageByID("s3")
	assert.Equal(t, engine.StageNotStarted, join.Status)
	assert.Empty(t, join.Tasks)
	assert.Empty(t, h.pending())
	assert.Empty(t, h.rec.Snapshot())
}

func TestStartStage_SkipOnDisabledExpression(t *testing.T) {
	h := newHarness(t)
	s1 := authoredStage("s1", "1", "multiTask")
	s1.Context = map[string]any{
		"stageEnabled": map[string]any{"type": "expression", "expression": "false"},
	}
	exec := pipeline(s1)
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.StartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	stage := got.StageByID("s1")
	assert.Equal(t, engine.StageSkipped, stage.Status)
	assert.Empty(t, stage.Tasks)
	assert.Len(t, got.Stages, 1)

	msgs := h.pending()
	require.Len(t, msgs, 1)
	cs, ok := msgs[0].(*engine.CompleteStageMessage)
	require.True(t, ok)
	assert.Equal(t, engine.StageSkipped, cs.Status)
}

func TestRestartStage_DownstreamJoinLocality(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(
		authoredStage("s1", "1", "multiTask"),
		authoredStage("s2", "2", "multiTask"),
		authoredStage("s3", "3", "multiTask", "1", "2"),
		authoredStage("s4", "4", "multiTask", "3"),
	)
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	ran := h.loadExec("exec-1")
	require.Equal(t, engine.ExecutionSucceeded, ran.Status)
	for _, s := range ran.Stages {
		require.Equal(t, engine.StageSucceeded, s.Status)
	}
	untouched := ran.StageByID("s2").Clone()

	h.handle(&engine.RestartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionRunning, got.Status)
	for _, id := range []string{"s1", "s3", "s4"} {
		s := got.StageByID(id)
		assert.Equal(t, engine.StageNotStarted, s.Status, id)
		assert.Nil(t, s.StartTime, id)
		assert.Nil(t, s.EndTime, id)
		assert.Empty(t, s.Tasks, id)
	}
	assert.Equal(t, untouched, got.StageByID("s2"))

	msgs := h.pending()
	require.Len(t, msgs, 1)
	ss, ok := msgs[0].(*engine.StartStageMessage)
	require.True(t, ok)
	assert.Equal(t, "s1", ss.StageID)

	// The restarted subgraph runs back to success through normal
	// completion propagation.
	h.drain()
	final := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, final.Status)
	for _, s := range final.Stages {
		assert.Equal(t, engine.StageSucceeded, s.Status, s.ID)
	}
}

func TestRestartStage_NonTerminalIsNoOp(t *testing.T) {
	h := newHarness(t)
	s1 := authoredStage("s1", "1", "multiTask")
	s1.Status = engine.StageRunning
	exec := pipeline(s1)
	require.NoError(t, h.store.Store(exec))

	h.handle(&engine.RestartStageMessage{MessageHeader: header(exec), StageID: "s1"})

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.StageRunning, got.StageByID("s1").Status)
	assert.Empty(t, h.pending())
}

func TestEndToEnd_ImplicitSequentialPipeline(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(
		authoredStage("s1", "1", "multiTask"),
		authoredStage("s2", "2", "webhook"),
	)
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	assert.NotNil(t, got.StartTime)
	assert.NotNil(t, got.EndTime)
	assert.Equal(t, engine.StageSucceeded, got.StageByID("s1").Status)
	assert.Equal(t, engine.StageSucceeded, got.StageByID("s2").Status)
	assert.Equal(t, 1, h.eventCount(engine.EventExecutionComplete))
	assert.Equal(t, 2, h.eventCount(engine.EventStageStarted))
	assert.Equal(t, 2, h.eventCount(engine.EventStageComplete))
	assert.Equal(t, 4, h.eventCount(engine.EventTaskComplete))
}

func TestEndToEnd_ExplicitJoinDAG(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(
		authoredStage("s1", "1", "multiTask"),
		authoredStage("s2", "2", "multiTask", "1"),
		authoredStage("s3", "3", "multiTask", "1", "2"),
	)
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	for _, s := range got.Stages {
		assert.Equal(t, engine.StageSucceeded, s.Status, s.ID)
	}
}

func TestEndToEnd_SyntheticBeforeRunsBeforeParentTasks(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(authoredStage("s1", "1", "stageWithSyntheticBefore"))
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	for _, id := range []string{"s1-1-pre1", "s1-2-pre2", "s1"} {
		assert.Equal(t, engine.StageSucceeded, got.StageByID(id).Status, id)
	}

	// Both synthetics finished before the parent's first task started.
	events := h.rec.Snapshot()
	parentStarted := -1
	lastSyntheticDone := -1
	for i, ev := range events {
		if ev.Kind == engine.EventStageStarted && ev.StageID == "s1" {
			parentStarted = i
		}
		if ev.Kind == engine.EventStageComplete && ev.StageID == "s1-2-pre2" {
			lastSyntheticDone = i
		}
	}
	require.GreaterOrEqual(t, parentStarted, 0)
	require.GreaterOrEqual(t, lastSyntheticDone, 0)
	assert.Greater(t, parentStarted, lastSyntheticDone)
}

func TestEndToEnd_ParallelBranchesJoinOnParent(t *testing.T) {
	h := newHarness(t)
	exec := pipeline(authoredStage("s1", "1", "stageWithParallelBranches"))
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	require.Len(t, got.Stages, 4)
	for _, s := range got.Stages {
		assert.Equal(t, engine.StageSucceeded, s.Status, s.ID)
	}
}

func TestEndToEnd_ExecutionWindowSyntheticPrepended(t *testing.T) {
	h := newHarness(t)
	s1 := authoredStage("s1", "1", "multiTask")
	s1.Context = map[string]any{"restrictExecutionDuringTimeWindow": true}
	exec := pipeline(s1)
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	require.Len(t, got.Stages, 2)
	window := got.Stages[0]
	assert.Equal(t, "s1-0-restrictExecutionDuringTimeWindow", window.ID)
	assert.Equal(t, "restrictExecutionDuringTimeWindow", window.Type)
	assert.Equal(t, engine.StageBefore, window.SyntheticStageOwner)
	assert.Equal(t, engine.StageSucceeded, window.Status)
}

func TestEndToEnd_SkippedStageBlocksDependentButExecutionSucceeds(t *testing.T) {
	h := newHarness(t)
	s1 := authoredStage("s1", "1", "multiTask")
	s1.Context = map[string]any{
		"stageEnabled": map[string]any{"type": "expression", "expression": "false"},
	}
	exec := pipeline(
		s1,
		authoredStage("s2", "2", "multiTask", "1"),
	)
	exec.Status = engine.ExecutionNotStarted
	require.NoError(t, h.eng.Submit(exec))
	h.drain()

	got := h.loadExec("exec-1")
	assert.Equal(t, engine.ExecutionSucceeded, got.Status)
	assert.Equal(t, engine.StageSkipped, got.StageByID("s1").Status)
	// A skipped requisite never satisfies its dependents; the dependent
	// stays NOT_STARTED, which a terminal execution allows.
	assert.Equal(t, engine.StageNotStarted, got.StageByID("s2").Status)
	assert.Empty(t, got.StageByID("s2").Tasks)
}
