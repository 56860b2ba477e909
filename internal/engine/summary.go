package engine

import "time"

// StageSummary is one stage's line in an execution summary.
type StageSummary struct {
	ID        string
	RefID     string
	Type      string
	Status    StageStatus
	Synthetic bool
	Tasks     int
	Duration  time.Duration
}

// Summary is the operational rollup of an execution, rendered by the CLI
// after a run.
type Summary struct {
	ExecutionID    string
	Application    string
	Type           ExecutionType
	Status         ExecutionStatus
	Duration       time.Duration
	Stages         []StageSummary
	StagesByStatus map[StageStatus]int
	TasksByStatus  map[TaskStatus]int
}

// Summarize computes the summary of an execution from its recorded
// timestamps and statuses.
func Summarize(exec *Execution) Summary {
	s := Summary{
		ExecutionID:    exec.ID,
		Application:    exec.Application,
		Type:           exec.Type,
		Status:         exec.Status,
		StagesByStatus: make(map[StageStatus]int),
		TasksByStatus:  make(map[TaskStatus]int),
	}
	if exec.StartTime != nil && exec.EndTime != nil {
		s.Duration = exec.EndTime.Sub(*exec.StartTime)
	}
	for _, st := range exec.Stages {
		line := StageSummary{
			ID:        st.ID,
			RefID:     st.RefID,
			Type:      st.Type,
			Status:    st.Status,
			Synthetic: st.IsSynthetic(),
			Tasks:     len(st.Tasks),
		}
		if st.StartTime != nil && st.EndTime != nil {
			line.Duration = st.EndTime.Sub(*st.StartTime)
		}
		s.Stages = append(s.Stages, line)
		s.StagesByStatus[st.Status]++
		for _, t := range st.Tasks {
			s.TasksByStatus[t.Status]++
		}
	}
	return s
}
