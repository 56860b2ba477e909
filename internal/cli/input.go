package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"pipelex/internal/engine"
)

const (
	ExitSuccess           = 0
	ExitExecutionFailure  = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// StoreKind selects the execution store backing a run.
type StoreKind string

const (
	StoreKindFile   StoreKind = "file"
	StoreKindMemory StoreKind = "memory"
)

// Invocation is the fully canonicalized, deterministic description of a
// run. All relative paths are resolved under WorkDir, and WorkDir itself
// must be absolute so nothing depends on the process working directory.
type Invocation struct {
	WorkDir          string
	PipelinePath     string
	ConfigPath       string
	Application      string
	ExecutionType    engine.ExecutionType
	Store            StoreKind
	Deadline         time.Duration
	Verbose          bool
	OriginalPipeline string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical Invocation.
//
// Determinism goals, matching the rest of the CLI boundary:
//   - Does not read env vars.
//   - Does not read/assume the process CWD.
//   - Requires WorkDir to be explicit and absolute.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("pipelex", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var workDir string
	var pipelinePath string
	var configPath string
	var application string
	var execType string
	var storeKind string
	var deadline time.Duration
	var verbose bool

	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&pipelinePath, "pipeline", "", "Pipeline definition YAML. Required.")
	fs.StringVar(&configPath, "config", "", "Engine config YAML (optional).")
	fs.StringVar(&application, "application", "", "Application name override (optional).")
	fs.StringVar(&execType, "type", string(engine.ExecutionTypePipeline), "Execution type: pipeline|orchestration")
	fs.StringVar(&storeKind, "store", string(StoreKindFile), "Execution store: file|memory")
	fs.DurationVar(&deadline, "deadline", 5*time.Minute, "Give up after this long.")
	fs.BoolVar(&verbose, "verbose", false, "Debug-level engine logging.")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	workDir = filepath.Clean(workDir)
	if workDir == "" || workDir == "." {
		return Invocation{}, invalidInvocationf("--workdir is required")
	}
	if !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	if pipelinePath == "" {
		return Invocation{}, invalidInvocationf("--pipeline is required")
	}

	parsedType, err := parseExecutionType(execType)
	if err != nil {
		return Invocation{}, err
	}
	parsedStore, err := parseStoreKind(storeKind)
	if err != nil {
		return Invocation{}, err
	}
	if deadline <= 0 {
		return Invocation{}, invalidInvocationf("--deadline must be positive (got %s)", deadline)
	}

	resolvedPipeline, err := resolveUnderWorkDir(workDir, pipelinePath)
	if err != nil {
		return Invocation{}, err
	}
	inv := Invocation{
		WorkDir:          workDir,
		PipelinePath:     resolvedPipeline,
		Application:      application,
		ExecutionType:    parsedType,
		Store:            parsedStore,
		Deadline:         deadline,
		Verbose:          verbose,
		OriginalPipeline: pipelinePath,
	}
	if strings.TrimSpace(configPath) != "" {
		resolvedConfig, err := resolveUnderWorkDir(workDir, configPath)
		if err != nil {
			return Invocation{}, err
		}
		inv.ConfigPath = resolvedConfig
	}
	return inv, nil
}

func parseExecutionType(raw string) (engine.ExecutionType, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch engine.ExecutionType(n) {
	case engine.ExecutionTypePipeline, engine.ExecutionTypeOrchestration:
		return engine.ExecutionType(n), nil
	case "":
		return "", invalidInvocationf("--type is required")
	default:
		return "", invalidInvocationf("invalid --type %q (expected pipeline|orchestration)", raw)
	}
}

func parseStoreKind(raw string) (StoreKind, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch StoreKind(n) {
	case StoreKindFile, StoreKindMemory:
		return StoreKind(n), nil
	case "":
		return "", invalidInvocationf("--store is required")
	default:
		return "", invalidInvocationf("invalid --store %q (expected file|memory)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is required to be absolute, so Join does not consult the
	// process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
