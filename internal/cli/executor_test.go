package cli

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelex/internal/engine"
)

type stubRunner struct {
	status engine.ExecutionStatus
	err    error
	panics bool
}

func (r stubRunner) RunToTerminal(_ context.Context, exec *engine.Execution) (*engine.Execution, error) {
	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return nil, r.err
	}
	exec.Status = r.status
	return exec, nil
}

func invocationFor(t *testing.T, pipeline string) Invocation {
	t.Helper()
	path := writePipeline(t, pipeline)
	return Invocation{
		WorkDir:       "/work",
		PipelinePath:  path,
		ExecutionType: engine.ExecutionTypePipeline,
		Store:         StoreKindMemory,
		Deadline:      time.Minute,
	}
}

func TestExecuteWithRunner_ExitCodeMapping(t *testing.T) {
	cases := []struct {
		name   string
		runner stubRunner
		want   int
	}{
		{"succeeded", stubRunner{status: engine.ExecutionSucceeded}, ExitSuccess},
		{"terminal", stubRunner{status: engine.ExecutionTerminal}, ExitExecutionFailure},
		{"canceled", stubRunner{status: engine.ExecutionCanceled}, ExitExecutionFailure},
		{"stopped", stubRunner{status: engine.ExecutionStopped}, ExitExecutionFailure},
		{"never terminal", stubRunner{status: engine.ExecutionRunning}, ExitInternalError},
		{"runner error", stubRunner{err: fmt.Errorf("store down")}, ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ExecuteWithRunner(context.Background(), invocationFor(t, validPipeline), tc.runner)
			assert.Equal(t, tc.want, res.ExitCode)
			if tc.want != ExitSuccess && tc.want != ExitExecutionFailure {
				assert.Error(t, err)
			}
		})
	}
}

func TestExecuteWithRunner_PanicMapsToInternalError(t *testing.T) {
	res, err := ExecuteWithRunner(context.Background(), invocationFor(t, validPipeline), stubRunner{panics: true})
	assert.Equal(t, ExitInternalError, res.ExitCode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestExecuteWithRunner_BadPipelineIsConfigError(t *testing.T) {
	res, err := ExecuteWithRunner(context.Background(), invocationFor(t, "stages: []"), stubRunner{status: engine.ExecutionSucceeded})
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.Error(t, err)
}

func TestExecuteWithRunner_MissingPipelineIsConfigError(t *testing.T) {
	inv := invocationFor(t, validPipeline)
	inv.PipelinePath = "/no/such/pipeline.yaml"
	res, err := ExecuteWithRunner(context.Background(), inv, stubRunner{status: engine.ExecutionSucceeded})
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.Error(t, err)
}

// TestExecute_EndToEnd runs the real engine through the default runner
// against a temp-dir file store and the builtin stage catalog.
func TestExecute_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, validPipeline)

	inv := Invocation{
		WorkDir:       dir,
		PipelinePath:  path,
		ExecutionType: engine.ExecutionTypePipeline,
		Store:         StoreKindFile,
		Deadline:      30 * time.Second,
	}
	res, err := Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	require.NotNil(t, res.Execution)
	assert.Equal(t, engine.ExecutionSucceeded, res.Execution.Status)
	assert.Equal(t, engine.ExecutionSucceeded, res.Summary.Status)
}

func TestRun_InvalidInvocation(t *testing.T) {
	res, err := Run(context.Background(), []string{"--pipeline", "p.yaml"})
	assert.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
}

func TestWriteSummary_RendersStagesAndTasks(t *testing.T) {
	var sb strings.Builder
	WriteSummary(&sb, engine.Summary{
		ExecutionID: "exec-1",
		Application: "app",
		Status:      engine.ExecutionSucceeded,
		Duration:    time.Second,
		Stages: []engine.StageSummary{
			{RefID: "1", Status: engine.StageSucceeded, Tasks: 3},
			{RefID: "s1-1-pre1", Status: engine.StageSucceeded, Synthetic: true},
		},
		TasksByStatus: map[engine.TaskStatus]int{engine.TaskSucceeded: 3},
	})
	out := sb.String()
	assert.Contains(t, out, "execution exec-1 (app) SUCCEEDED in 1s")
	assert.Contains(t, out, "stage 1")
	assert.Contains(t, out, "(synthetic)")
	assert.Contains(t, out, "tasks SUCCEEDED=3")
}
