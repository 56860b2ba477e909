package stagedefs

import (
	"fmt"
	"sync"

	"pipelex/internal/engine"
)

// Registry resolves a stage's Type tag to its StageDefinition.
//
// Resolution is a flat, explicit lookup by type tag with no fallback, since
// stage type tags are always author-chosen.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]StageDefinition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]StageDefinition)}
}

// Register binds def under its own Type().
func (r *Registry) Register(def StageDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type()] = def
}

// Resolve returns the StageDefinition bound to typ, or an error if none is
// registered.
func (r *Registry) Resolve(typ string) (StageDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	if !ok {
		return nil, fmt.Errorf("unknown stage type %q", typ)
	}
	return d, nil
}

// Expand implements the engine's DefinitionSource capability: it resolves
// the stage's type and collects the definition's task graph and synthetic
// children into one expansion.
func (r *Registry) Expand(stage *engine.Stage) (engine.StageExpansion, error) {
	def, err := r.Resolve(stage.Type)
	if err != nil {
		return engine.StageExpansion{}, err
	}

	builder := &TaskGraphBuilder{}
	def.TaskGraph(stage, builder)

	return engine.StageExpansion{
		Tasks:    builder.Tasks(),
		Before:   toSpecs(def.BeforeStages(stage)),
		After:    toSpecs(def.AfterStages(stage)),
		Parallel: toSpecs(def.ParallelStages(stage)),
	}, nil
}

func toSpecs(in []SyntheticStage) []engine.SyntheticSpec {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.SyntheticSpec, len(in))
	for i, s := range in {
		out[i] = engine.SyntheticSpec{
			Ordinal:  s.Ordinal,
			AuthorID: s.AuthorID,
			Type:     s.Type,
			Context:  s.Context,
		}
	}
	return out
}
