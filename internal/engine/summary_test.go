package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize_CountsAndDurations(t *testing.T) {
	start := time.Unix(1000, 0)
	end := start.Add(90 * time.Second)
	stageEnd := start.Add(30 * time.Second)

	exec := &Execution{
		ID:          "exec-1",
		Application: "app",
		Type:        ExecutionTypePipeline,
		Status:      ExecutionSucceeded,
		StartTime:   &start,
		EndTime:     &end,
		Stages: []*Stage{
			{
				ID: "s1", RefID: "1", Type: "multiTask", Status: StageSucceeded,
				StartTime: &start, EndTime: &stageEnd,
				Tasks: []*Task{
					{ID: "1", Status: TaskSucceeded},
					{ID: "2", Status: TaskSucceeded},
				},
			},
			{
				ID: "s1-1-pre1", RefID: "s1-1-pre1", Type: "multiTask", Status: StageSkipped,
				ParentStageID: "s1", SyntheticStageOwner: StageBefore,
			},
		},
	}

	s := Summarize(exec)
	assert.Equal(t, "exec-1", s.ExecutionID)
	assert.Equal(t, ExecutionSucceeded, s.Status)
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Len(t, s.Stages, 2)
	assert.Equal(t, 30*time.Second, s.Stages[0].Duration)
	assert.True(t, s.Stages[1].Synthetic)
	assert.Equal(t, 1, s.StagesByStatus[StageSucceeded])
	assert.Equal(t, 1, s.StagesByStatus[StageSkipped])
	assert.Equal(t, 2, s.TasksByStatus[TaskSucceeded])
}
