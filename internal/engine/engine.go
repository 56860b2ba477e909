package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Engine routes messages to their handlers and owns the collaborator set
// every handler shares: the store, the queue, the stage definition and task
// registries, the event sink, and the clock.
//
// Engine methods never block on long-duration work. Long waits (task
// retries, pauses, time windows) are expressed by enqueueing a delayed
// message, never by sleeping a worker.
type Engine struct {
	store  Store
	queue  Queue
	defs   DefinitionSource
	tasks  TaskSource
	events Sink
	clock  Clock
	log    zerolog.Logger
	cfg    Config
}

// Option mutates an Engine during construction.
type Option func(*Engine)

// WithSink installs the event sink handlers publish through.
func WithSink(s Sink) Option { return func(e *Engine) { e.events = s } }

// WithClock installs the clock all timestamps and timeouts read from.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger installs the engine's structured logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithConfig overrides the engine tunables.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg.withDefaults() } }

// New wires an Engine. The store, queue, stage definition source, and task
// source are required; everything else defaults (no-op sink, real clock,
// disabled logger, DefaultConfig).
func New(store Store, queue Queue, defs DefinitionSource, tasks TaskSource, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		queue:  queue,
		defs:   defs,
		tasks:  tasks,
		events: NopSink{},
		clock:  RealClock{},
		log:    zerolog.Nop(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle routes msg to its handler by kind.
//
// A nil return means the message is fully handled and must be acked, even
// when handling consisted of emitting an Invalid* message and stopping. A
// non-nil return means a transient fault (store or queue); the caller must
// nack so redelivery retries.
func (e *Engine) Handle(ctx context.Context, msg Message) error {
	if msg == nil {
		return nil
	}

	var err error
	switch m := msg.(type) {
	case *StartExecutionMessage:
		err = e.handleStartExecution(ctx, m)
	case *StartStageMessage:
		err = e.handleStartStage(ctx, m)
	case *StartTaskMessage:
		err = e.handleStartTask(ctx, m)
	case *RunTaskMessage:
		err = e.handleRunTask(ctx, m)
	case *CompleteTaskMessage:
		err = e.handleCompleteTask(ctx, m)
	case *CompleteStageMessage:
		err = e.handleCompleteStage(ctx, m)
	case *CompleteExecutionMessage:
		err = e.handleCompleteExecution(ctx, m)
	case *RestartStageMessage:
		err = e.handleRestartStage(ctx, m)
	case *CancelExecutionMessage:
		err = e.handleCancelExecution(ctx, m)
	case *CancelStageMessage:
		err = e.handleCancelStage(ctx, m)
	case *PauseStageMessage:
		err = e.handlePauseStage(ctx, m)
	case *PauseExecutionMessage:
		err = e.handlePauseExecution(ctx, m)
	case *ResumeStageMessage:
		err = e.handleResumeStage(ctx, m)
	case *ResumeExecutionMessage:
		err = e.handleResumeExecution(ctx, m)
	case *InvalidExecutionMessage, *InvalidStageMessage, *InvalidTaskTypeMessage:
		// Diagnostic terminals. Logged so operators see them; nothing to
		// advance.
		e.log.Warn().
			Str("kind", string(msg.Kind())).
			Str("execution_id", msg.Header().ExecutionID).
			Msg("diagnostic message")
	default:
		err = fmt.Errorf("unhandled message kind %q", msg.Kind())
	}

	if err != nil {
		e.log.Error().
			Err(err).
			Str("kind", string(msg.Kind())).
			Str("execution_id", msg.Header().ExecutionID).
			Msg("handler failed")
		return err
	}
	e.log.Debug().
		Str("kind", string(msg.Kind())).
		Str("execution_id", msg.Header().ExecutionID).
		Msg("handled")
	return nil
}

// load resolves the execution named by header, emitting InvalidExecutionId
// when the store does not know it. The bool reports whether the caller may
// proceed.
func (e *Engine) load(header MessageHeader) (*Execution, bool, error) {
	exec, err := e.store.Retrieve(header.ExecutionType, header.ExecutionID)
	if err == nil {
		return exec, true, nil
	}
	if isNotFound(err) {
		if qerr := e.queue.Push(&InvalidExecutionMessage{MessageHeader: header, Reason: err.Error()}); qerr != nil {
			return nil, false, qerr
		}
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("retrieve execution %s: %w", header.ExecutionID, err)
}

// loadStage resolves a stage within the execution named by header, emitting
// InvalidExecutionId or InvalidStageId as needed.
func (e *Engine) loadStage(header MessageHeader, stageID string) (*Execution, *Stage, bool, error) {
	exec, ok, err := e.load(header)
	if !ok || err != nil {
		return nil, nil, false, err
	}
	stage := exec.StageByID(stageID)
	if stage == nil {
		if qerr := e.queue.Push(&InvalidStageMessage{MessageHeader: header, StageID: stageID, Reason: "stage not found"}); qerr != nil {
			return nil, nil, false, qerr
		}
		return nil, nil, false, nil
	}
	return exec, stage, true, nil
}

func (e *Engine) publish(ev Event) {
	SafePublish(e.events, ev)
}

func stageEvent(kind EventKind, exec *Execution, stage *Stage, status string) Event {
	return Event{
		Kind:          kind,
		ExecutionType: exec.Type,
		ExecutionID:   exec.ID,
		Application:   exec.Application,
		StageID:       stage.ID,
		Status:        status,
	}
}

func taskEvent(kind EventKind, exec *Execution, stage *Stage, task *Task, status string) Event {
	ev := stageEvent(kind, exec, stage, status)
	ev.TaskID = task.ID
	return ev
}
