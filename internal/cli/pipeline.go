package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pipelex/internal/engine"
	"pipelex/internal/stagegraph"
)

// PipelineSpec is the author-facing YAML shape of a pipeline definition.
type PipelineSpec struct {
	Application string         `yaml:"application"`
	Name        string         `yaml:"name"`
	Context     map[string]any `yaml:"context"`
	Stages      []StageSpec    `yaml:"stages"`
}

// StageSpec is one authored stage.
type StageSpec struct {
	RefID                string         `yaml:"refId"`
	Type                 string         `yaml:"type"`
	RequisiteStageRefIDs []string       `yaml:"requisiteStageRefIds"`
	Context              map[string]any `yaml:"context"`
}

// LoadPipelineSpec reads and validates a pipeline definition file.
func LoadPipelineSpec(path string) (PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineSpec{}, fmt.Errorf("read pipeline definition: %w", err)
	}
	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return PipelineSpec{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return PipelineSpec{}, err
	}
	return spec, nil
}

// Validate checks the spec's structural rules: a non-empty stage list,
// stage types present, and a requisite graph that resolves and is acyclic.
func (s PipelineSpec) Validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	nodes := make([]stagegraph.Node, 0, len(s.Stages))
	for i, st := range s.Stages {
		if strings.TrimSpace(st.RefID) == "" {
			return fmt.Errorf("stage %d: refId is required", i)
		}
		if strings.TrimSpace(st.Type) == "" {
			return fmt.Errorf("stage %q: type is required", st.RefID)
		}
		nodes = append(nodes, stagegraph.Node{RefID: st.RefID, Requisites: st.RequisiteStageRefIDs})
	}
	if _, err := stagegraph.NewGraph(nodes); err != nil {
		return fmt.Errorf("invalid requisite graph: %w", err)
	}
	return nil
}

// BuildExecution materializes an execution from the spec. Authored stage
// ids are the reference ids themselves; only the execution id is
// generated.
func BuildExecution(spec PipelineSpec, typ engine.ExecutionType, application string) *engine.Execution {
	if application == "" {
		application = spec.Application
	}
	if application == "" {
		application = "pipelex"
	}

	exec := &engine.Execution{
		ID:          uuid.NewString(),
		Application: application,
		Type:        typ,
		Status:      engine.ExecutionNotStarted,
		Context:     spec.Context,
	}
	for _, st := range spec.Stages {
		exec.Stages = append(exec.Stages, &engine.Stage{
			ID:                   st.RefID,
			RefID:                st.RefID,
			Type:                 st.Type,
			Status:               engine.StageNotStarted,
			RequisiteStageRefIDs: st.RequisiteStageRefIDs,
			Context:              st.Context,
		})
	}
	return exec
}
