package engine

// MessageKind is the stable, canonical discriminator for Message.
//
// These values route a popped queue message to its handler; do not rename
// them once messages carrying them may be in flight.
type MessageKind string

const (
	KindStartExecution    MessageKind = "StartExecution"
	KindStartStage        MessageKind = "StartStage"
	KindStartTask         MessageKind = "StartTask"
	KindRunTask           MessageKind = "RunTask"
	KindCompleteTask      MessageKind = "CompleteTask"
	KindCompleteStage     MessageKind = "CompleteStage"
	KindCompleteExecution MessageKind = "CompleteExecution"
	KindPauseStage        MessageKind = "PauseStage"
	KindPauseExecution    MessageKind = "PauseExecution"
	KindResumeStage       MessageKind = "ResumeStage"
	KindResumeExecution   MessageKind = "ResumeExecution"
	KindCancelExecution   MessageKind = "CancelExecution"
	KindCancelStage       MessageKind = "CancelStage"
	KindRestartStage      MessageKind = "RestartStage"
	KindInvalidExecution  MessageKind = "InvalidExecutionId"
	KindInvalidStage      MessageKind = "InvalidStageId"
	KindInvalidTaskType   MessageKind = "InvalidTaskType"
)

// Message is the envelope on the queue. Every concrete variant embeds
// MessageHeader and reports its own Kind.
//
// Messages own no persistent state; they are routing tokens. A redelivered
// message must be semantically identical to its first delivery, which is
// why every field here is either an id or a terminal status rather than a
// pointer into engine-owned memory.
type Message interface {
	Kind() MessageKind
	Header() MessageHeader
}

// MessageHeader carries the fields common to every message variant.
type MessageHeader struct {
	ExecutionType ExecutionType
	ExecutionID   string
	Application   string
}

func (h MessageHeader) Header() MessageHeader { return h }

// StartExecutionMessage triggers the first StartStage for the execution's
// root stages: every stage with no requisites when any stage declares
// requisite edges, otherwise only the first stage.
type StartExecutionMessage struct {
	MessageHeader
}

func (StartExecutionMessage) Kind() MessageKind { return KindStartExecution }

// StartStageMessage requests that a stage be evaluated and, if eligible,
// advanced to RUNNING (or expanded into synthetics first).
type StartStageMessage struct {
	MessageHeader
	StageID string
}

func (StartStageMessage) Kind() MessageKind { return KindStartStage }

// StartTaskMessage marks a task RUNNING and enqueues RunTask.
type StartTaskMessage struct {
	MessageHeader
	StageID string
	TaskID  string
}

func (StartTaskMessage) Kind() MessageKind { return KindStartTask }

// RunTaskMessage invokes the task implementation and interprets its result.
type RunTaskMessage struct {
	MessageHeader
	StageID string
	TaskID  string
}

func (RunTaskMessage) Kind() MessageKind { return KindRunTask }

// CompleteTaskMessage carries a task's terminal (or loop-continuation)
// outcome to the next-step selector.
type CompleteTaskMessage struct {
	MessageHeader
	StageID string
	TaskID  string
	Status  TaskStatus
}

func (CompleteTaskMessage) Kind() MessageKind { return KindCompleteTask }

// CompleteStageMessage rolls a stage up to a terminal status and triggers
// downstream progression.
type CompleteStageMessage struct {
	MessageHeader
	StageID string
	Status  StageStatus
}

func (CompleteStageMessage) Kind() MessageKind { return KindCompleteStage }

// CompleteExecutionMessage performs the terminal rollup for the whole
// execution.
type CompleteExecutionMessage struct {
	MessageHeader
	Status ExecutionStatus
}

func (CompleteExecutionMessage) Kind() MessageKind { return KindCompleteExecution }

// PauseStageMessage adds a PAUSED marker to a stage.
type PauseStageMessage struct {
	MessageHeader
	StageID string
}

func (PauseStageMessage) Kind() MessageKind { return KindPauseStage }

// PauseExecutionMessage pauses every active stage of an execution.
type PauseExecutionMessage struct {
	MessageHeader
}

func (PauseExecutionMessage) Kind() MessageKind { return KindPauseExecution }

// ResumeStageMessage removes the PAUSED marker from a stage.
type ResumeStageMessage struct {
	MessageHeader
	StageID string
}

func (ResumeStageMessage) Kind() MessageKind { return KindResumeStage }

// ResumeExecutionMessage resumes every paused stage of an execution.
type ResumeExecutionMessage struct {
	MessageHeader
}

func (ResumeExecutionMessage) Kind() MessageKind { return KindResumeExecution }

// CancelExecutionMessage marks the execution CANCELED and cancels every
// non-terminal stage.
type CancelExecutionMessage struct {
	MessageHeader
}

func (CancelExecutionMessage) Kind() MessageKind { return KindCancelExecution }

// CancelStageMessage transitions a RUNNING stage to CANCELED and stops
// further task dispatch on it.
type CancelStageMessage struct {
	MessageHeader
	StageID string
}

func (CancelStageMessage) Kind() MessageKind { return KindCancelStage }

// RestartStageMessage rewinds a terminal stage and its downstream closure
// back to NOT_STARTED.
type RestartStageMessage struct {
	MessageHeader
	StageID string
}

func (RestartStageMessage) Kind() MessageKind { return KindRestartStage }

// InvalidExecutionMessage is emitted when a handler cannot resolve
// ExecutionID in the store.
type InvalidExecutionMessage struct {
	MessageHeader
	Reason string
}

func (InvalidExecutionMessage) Kind() MessageKind { return KindInvalidExecution }

// InvalidStageMessage is emitted when a handler cannot resolve StageID
// within a resolved execution.
type InvalidStageMessage struct {
	MessageHeader
	StageID string
	Reason  string
}

func (InvalidStageMessage) Kind() MessageKind { return KindInvalidStage }

// InvalidTaskTypeMessage is emitted when the task registry cannot resolve a
// task's ImplementingClass.
type InvalidTaskTypeMessage struct {
	MessageHeader
	StageID string
	TaskID  string
	Class   string
}

func (InvalidTaskTypeMessage) Kind() MessageKind { return KindInvalidTaskType }
