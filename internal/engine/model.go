package engine

import "time"

// ExecutionType distinguishes a pipeline run from an ad-hoc orchestration.
type ExecutionType string

const (
	ExecutionTypePipeline      ExecutionType = "pipeline"
	ExecutionTypeOrchestration ExecutionType = "orchestration"
)

// ExecutionStatus is the lifecycle status of an Execution.
//
// Invariant: status monotonically progresses from NOT_STARTED through
// RUNNING to one terminal of {SUCCEEDED, TERMINAL, CANCELED, STOPPED}.
type ExecutionStatus string

const (
	ExecutionNotStarted ExecutionStatus = "NOT_STARTED"
	ExecutionRunning    ExecutionStatus = "RUNNING"
	ExecutionSucceeded  ExecutionStatus = "SUCCEEDED"
	ExecutionTerminal   ExecutionStatus = "TERMINAL"
	ExecutionCanceled   ExecutionStatus = "CANCELED"
	ExecutionStopped    ExecutionStatus = "STOPPED"
)

// IsExecutionTerminal reports whether s is a terminal execution status.
func IsExecutionTerminal(s ExecutionStatus) bool {
	switch s {
	case ExecutionSucceeded, ExecutionTerminal, ExecutionCanceled, ExecutionStopped:
		return true
	default:
		return false
	}
}

// StageStatus is the lifecycle status of a Stage.
//
// States: NOT_STARTED -> RUNNING -> {SUCCEEDED | TERMINAL | CANCELED |
// STOPPED | SKIPPED | FAILED_CONTINUE}. Terminal states are final unless a
// RestartStage message re-opens the stage.
type StageStatus string

const (
	StageNotStarted     StageStatus = "NOT_STARTED"
	StageRunning        StageStatus = "RUNNING"
	StageSucceeded      StageStatus = "SUCCEEDED"
	StageTerminal       StageStatus = "TERMINAL"
	StageCanceled       StageStatus = "CANCELED"
	StageStopped        StageStatus = "STOPPED"
	StageSkipped        StageStatus = "SKIPPED"
	StageFailedContinue StageStatus = "FAILED_CONTINUE"
)

// IsStageTerminal reports whether s is a terminal (non-restartable-in-place)
// stage status.
func IsStageTerminal(s StageStatus) bool {
	switch s {
	case StageSucceeded, StageTerminal, StageCanceled, StageStopped, StageSkipped, StageFailedContinue:
		return true
	default:
		return false
	}
}

// IsRequisiteSatisfied reports whether a requisite stage in status s gates
// its dependents as satisfied. Per the requisite rule, both a clean success
// and a "failed but continue" terminal state unblock downstream stages.
func IsRequisiteSatisfied(s StageStatus) bool {
	return s == StageSucceeded || s == StageFailedContinue
}

// SyntheticOwner tags which synthetic-stage slot a stage occupies relative
// to its parent, or "" if the stage is not synthetic.
type SyntheticOwner string

const (
	SyntheticNone SyntheticOwner = ""
	StageBefore   SyntheticOwner = "STAGE_BEFORE"
	StageAfter    SyntheticOwner = "STAGE_AFTER"
)

// TaskStatus is the lifecycle status of a Task.
//
// States: NOT_STARTED -> RUNNING -> {SUCCEEDED | TERMINAL}. RUNNING may be
// re-entered for retries; REDIRECT is used transiently by loop handling and
// never persisted as a task's resting status.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NOT_STARTED"
	TaskRunning    TaskStatus = "RUNNING"
	TaskSucceeded  TaskStatus = "SUCCEEDED"
	TaskTerminal   TaskStatus = "TERMINAL"
)

// Execution is the root entity: an instance of a pipeline or orchestration
// in flight.
//
// Ownership: Execution owns its Stages; Stage owns its Tasks. The store is
// the single authority over this tree; handlers load, mutate, and write
// back through it.
type Execution struct {
	ID          string          `json:"id"`
	Application string          `json:"application"`
	Type        ExecutionType   `json:"type"`
	Status      ExecutionStatus `json:"status"`
	StartTime   *time.Time      `json:"start_time,omitempty"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	Canceled    bool            `json:"canceled"`
	Stages      []*Stage        `json:"stages"`
	Context     map[string]any  `json:"context,omitempty"`
}

// StageByID returns the stage with the given id, or nil.
func (e *Execution) StageByID(id string) *Stage {
	for _, s := range e.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StageByRefID returns the non-synthetic-ambiguous stage with the given
// author-assigned reference id, or nil.
func (e *Execution) StageByRefID(refID string) *Stage {
	for _, s := range e.Stages {
		if s.RefID == refID {
			return s
		}
	}
	return nil
}

// SiblingsOf returns the stages sharing the same parent as s (both nil for
// top-level stages, or the same ParentStageID for synthetics), in execution
// order.
func (e *Execution) SiblingsOf(s *Stage) []*Stage {
	out := make([]*Stage, 0, len(e.Stages))
	for _, c := range e.Stages {
		if c.ParentStageID == s.ParentStageID {
			out = append(out, c)
		}
	}
	return out
}

// Stage is a node in the execution DAG containing a task list.
//
// Invariants: a synthetic stage has non-null ParentStageID and
// SyntheticStageOwner; a non-synthetic stage has both empty; the transitive
// parent chain is acyclic; RequisiteStageRefIDs only resolve to
// non-synthetic siblings at the same level.
type Stage struct {
	ID                   string         `json:"id"`
	RefID                string         `json:"ref_id"`
	Type                 string         `json:"type"`
	Status               StageStatus    `json:"status"`
	StartTime            *time.Time     `json:"start_time,omitempty"`
	EndTime              *time.Time     `json:"end_time,omitempty"`
	Tasks                []*Task        `json:"tasks,omitempty"`
	ParentStageID        string         `json:"parent_stage_id,omitempty"`
	SyntheticStageOwner  SyntheticOwner `json:"synthetic_stage_owner,omitempty"`
	RequisiteStageRefIDs []string       `json:"requisite_stage_ref_ids,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
}

// IsSynthetic reports whether the stage was generated by a parent stage's
// definition rather than authored directly.
func (s *Stage) IsSynthetic() bool {
	return s.ParentStageID != "" && s.SyntheticStageOwner != SyntheticNone
}

// TaskByID returns the task with the given per-stage ordinal id, or nil.
func (s *Stage) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// NextTask returns the task immediately following t in ordinal order, or
// nil if t is the last task.
func (s *Stage) NextTask(t *Task) *Task {
	for i, cur := range s.Tasks {
		if cur.ID == t.ID && i+1 < len(s.Tasks) {
			return s.Tasks[i+1]
		}
	}
	return nil
}

// LoopStartFor returns the isLoopStart task paired with the given
// isLoopEnd task, i.e. the nearest preceding loop-start in ordinal order.
func (s *Stage) LoopStartFor(loopEnd *Task) *Task {
	var candidate *Task
	for _, t := range s.Tasks {
		if t.ID == loopEnd.ID {
			break
		}
		if t.IsLoopStart {
			candidate = t
		}
	}
	return candidate
}

// Clone returns a deep copy of the execution, its stages, tasks, and
// context maps. The store hands clones across its boundary so two handlers
// holding the "same" execution never alias each other's mutations.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.StartTime = cloneTime(e.StartTime)
	out.EndTime = cloneTime(e.EndTime)
	out.Context = cloneContext(e.Context)
	out.Stages = make([]*Stage, len(e.Stages))
	for i, s := range e.Stages {
		out.Stages[i] = s.Clone()
	}
	return &out
}

// Clone returns a deep copy of the stage and its tasks.
func (s *Stage) Clone() *Stage {
	if s == nil {
		return nil
	}
	out := *s
	out.StartTime = cloneTime(s.StartTime)
	out.EndTime = cloneTime(s.EndTime)
	out.Context = cloneContext(s.Context)
	out.RequisiteStageRefIDs = append([]string(nil), s.RequisiteStageRefIDs...)
	out.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return &out
}

// Clone returns a copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.StartTime = cloneTime(t.StartTime)
	out.EndTime = cloneTime(t.EndTime)
	out.LastRetryAt = cloneTime(t.LastRetryAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ContextBool reads a boolean control field from the stage context, falling
// back to def when absent or of the wrong type.
func (s *Stage) ContextBool(key string, def bool) bool {
	if s.Context == nil {
		return def
	}
	v, ok := s.Context[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// FailPipeline returns the stage's failPipeline control flag, default true.
func (s *Stage) FailPipeline() bool { return s.ContextBool("failPipeline", true) }

// ContinuePipeline returns the stage's continuePipeline control flag,
// default false.
func (s *Stage) ContinuePipeline() bool { return s.ContextBool("continuePipeline", false) }

// RestrictExecutionDuringTimeWindow returns whether the stage declares a
// wall-clock execution window restriction.
func (s *Stage) RestrictExecutionDuringTimeWindow() bool {
	return s.ContextBool("restrictExecutionDuringTimeWindow", false)
}

// StageEnabledExpression returns the raw {type, expression} tuple stored
// under the stageEnabled context key, if present.
func (s *Stage) StageEnabledExpression() (typ, expr string, ok bool) {
	if s.Context == nil {
		return "", "", false
	}
	raw, ok := s.Context["stageEnabled"]
	if !ok {
		return "", "", false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return "", "", false
	}
	t, _ := m["type"].(string)
	e, _ := m["expression"].(string)
	return t, e, true
}

// Task is a leaf unit of work within a stage.
//
// Invariants: exactly one task per stage has IsStageStart; exactly one has
// IsStageEnd; loop markers (IsLoopStart/IsLoopEnd) come in matched pairs (0
// or 1 pair per stage).
type Task struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	ImplementingClass string     `json:"implementing_class"`
	Status            TaskStatus `json:"status"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	IsStageStart      bool       `json:"is_stage_start"`
	IsStageEnd        bool       `json:"is_stage_end"`
	IsLoopStart       bool       `json:"is_loop_start"`
	IsLoopEnd         bool       `json:"is_loop_end"`
	LastRetryAt       *time.Time `json:"last_retry_at,omitempty"`
}
