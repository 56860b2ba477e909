package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelex/internal/engine"
)

func writePipeline(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validPipeline = `
application: demo
name: nightly
context:
  region: us-west-2
stages:
  - refId: "1"
    type: multiTask
  - refId: "2"
    type: webhook
    requisiteStageRefIds: ["1"]
    context:
      failPipeline: true
`

func TestLoadPipelineSpec_Valid(t *testing.T) {
	spec, err := LoadPipelineSpec(writePipeline(t, validPipeline))
	require.NoError(t, err)
	assert.Equal(t, "demo", spec.Application)
	require.Len(t, spec.Stages, 2)
	assert.Equal(t, []string{"1"}, spec.Stages[1].RequisiteStageRefIDs)
	assert.Equal(t, "us-west-2", spec.Context["region"])
}

func TestLoadPipelineSpec_Invalid(t *testing.T) {
	cases := map[string]string{
		"no stages": `application: demo`,
		"missing refId": `
stages:
  - type: multiTask
`,
		"missing type": `
stages:
  - refId: "1"
`,
		"unknown requisite": `
stages:
  - refId: "1"
    type: multiTask
    requisiteStageRefIds: ["ghost"]
`,
		"requisite cycle": `
stages:
  - refId: "1"
    type: multiTask
    requisiteStageRefIds: ["2"]
  - refId: "2"
    type: multiTask
    requisiteStageRefIds: ["1"]
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPipelineSpec(writePipeline(t, content))
			assert.Error(t, err)
		})
	}
}

func TestBuildExecution_MaterializesStages(t *testing.T) {
	spec, err := LoadPipelineSpec(writePipeline(t, validPipeline))
	require.NoError(t, err)

	exec := BuildExecution(spec, engine.ExecutionTypePipeline, "")
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, "demo", exec.Application)
	assert.Equal(t, engine.ExecutionNotStarted, exec.Status)
	require.Len(t, exec.Stages, 2)
	assert.Equal(t, "1", exec.Stages[0].ID)
	assert.Equal(t, "1", exec.Stages[0].RefID)
	assert.Equal(t, engine.StageNotStarted, exec.Stages[0].Status)
	assert.Equal(t, true, exec.Stages[1].Context["failPipeline"])
}

func TestBuildExecution_ApplicationOverride(t *testing.T) {
	spec := PipelineSpec{Stages: []StageSpec{{RefID: "1", Type: "multiTask"}}}
	exec := BuildExecution(spec, engine.ExecutionTypeOrchestration, "override")
	assert.Equal(t, "override", exec.Application)
	assert.Equal(t, engine.ExecutionTypeOrchestration, exec.Type)

	exec = BuildExecution(spec, engine.ExecutionTypePipeline, "")
	assert.Equal(t, "pipelex", exec.Application)
}
