package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"pipelex/internal/engine"
	"pipelex/internal/queue"
	"pipelex/internal/stagedefs"
	"pipelex/internal/store"
	"pipelex/internal/task"
)

// EngineRunner is the minimal engine interface the CLI wires into.
//
// This allows the CLI to prove exit-code mapping (including panic) in
// tests without depending on specific engine internals.
type EngineRunner interface {
	RunToTerminal(ctx context.Context, exec *engine.Execution) (*engine.Execution, error)
}

// CLIResult is what Execute hands back to main: the semantic exit code and
// the final execution state, when a run got far enough to have one.
type CLIResult struct {
	ExitCode  int
	Execution *engine.Execution
	Summary   engine.Summary
}

// defaultRunner wires the reference deployment of the engine: the chosen
// store, the in-memory queue, the builtin stage catalog, and the builtin
// task classes.
type defaultRunner struct {
	inv Invocation
	cfg engine.Config
	log zerolog.Logger
}

func (r defaultRunner) RunToTerminal(ctx context.Context, exec *engine.Execution) (*engine.Execution, error) {
	var st engine.Store
	switch r.inv.Store {
	case StoreKindMemory:
		st = store.NewMemory(engine.RealClock{})
	default:
		fs, err := store.NewFileStore(r.inv.WorkDir, engine.RealClock{})
		if err != nil {
			return nil, fmt.Errorf("open execution store: %w", err)
		}
		st = fs
	}

	q := queue.NewMemory(queue.WithLogger(r.log))
	defs := stagedefs.NewRegistry()
	stagedefs.RegisterBuiltins(defs)
	tasks := task.NewRegistry()
	registerBuiltinTasks(tasks)

	eng := engine.New(st, q, defs, tasks,
		engine.WithLogger(r.log),
		engine.WithConfig(r.cfg),
	)
	if err := eng.Submit(exec); err != nil {
		return nil, err
	}
	return eng.RunUntilTerminal(ctx, exec.Type, exec.ID)
}

// registerBuiltinTasks binds the implementing classes the builtin stage
// catalog names. A production deployment replaces these with real task
// implementations under the same class names.
func registerBuiltinTasks(r *task.Registry) {
	r.Register("DummyTask", task.Dummy{Name: "dummy"})
	r.Register("NoopTask", task.Dummy{Name: "noop"})
	r.Register("WaitForWindowTask", task.Dummy{Name: "window"})
	r.Register("WebhookTask", task.Dummy{Name: "webhook"})
	r.Register("LoopBodyTask", &task.LoopBody{MaxIterations: 3})
}

// Execute is the default entrypoint for running a canonical invocation.
func Execute(ctx context.Context, inv Invocation) (CLIResult, error) {
	return ExecuteWithRunner(ctx, inv, nil)
}

// ExecuteWithRunner maps a canonical Invocation to engine execution.
//
// Responsibilities:
//   - Load and validate the pipeline definition and engine config.
//   - Run the engine until the execution terminates or the deadline hits.
//   - Translate outcomes (including panic) to semantic exit codes.
func ExecuteWithRunner(ctx context.Context, inv Invocation, runner EngineRunner) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic during execution: %v", r)
		}
	}()

	cfg := engine.DefaultConfig()
	if inv.ConfigPath != "" {
		loaded, err := engine.LoadConfig(inv.ConfigPath)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, err
		}
		cfg = loaded
	}

	spec, err := LoadPipelineSpec(inv.PipelinePath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	exec := BuildExecution(spec, inv.ExecutionType, inv.Application)

	if runner == nil {
		level := zerolog.WarnLevel
		if inv.Verbose {
			level = zerolog.DebugLevel
		}
		runner = defaultRunner{
			inv: inv,
			cfg: cfg,
			log: zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Deadline)
	defer cancel()
	final, err := runner.RunToTerminal(runCtx, exec)
	if final != nil {
		res.Execution = final
		res.Summary = engine.Summarize(final)
	}
	if err != nil {
		return res, err
	}
	if final == nil {
		return res, fmt.Errorf("engine returned no execution")
	}

	switch final.Status {
	case engine.ExecutionSucceeded:
		res.ExitCode = ExitSuccess
	case engine.ExecutionTerminal, engine.ExecutionCanceled, engine.ExecutionStopped:
		res.ExitCode = ExitExecutionFailure
	default:
		res.ExitCode = ExitInternalError
		return res, fmt.Errorf("execution ended in non-terminal status %s", final.Status)
	}
	return res, nil
}

// WriteSummary renders the post-run rollup.
func WriteSummary(w io.Writer, s engine.Summary) {
	fmt.Fprintf(w, "execution %s (%s) %s", s.ExecutionID, s.Application, s.Status)
	if s.Duration > 0 {
		fmt.Fprintf(w, " in %s", s.Duration)
	}
	fmt.Fprintln(w)

	for _, st := range s.Stages {
		marker := ""
		if st.Synthetic {
			marker = " (synthetic)"
		}
		fmt.Fprintf(w, "  stage %-24s %-16s tasks=%d%s\n", st.RefID, st.Status, st.Tasks, marker)
	}

	statuses := make([]string, 0, len(s.TasksByStatus))
	for status := range s.TasksByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "  tasks %s=%d\n", status, s.TasksByStatus[engine.TaskStatus(status)])
	}
}
