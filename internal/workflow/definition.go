package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph maps pipeline-scoped step identifiers to the step IDs they
// depend on. The resolver treats the keys as aliases that correspond to
// StepRef.InstanceID().
type DependencyGraph map[string][]string

// Clone returns a deep copy of the graph.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for key, deps := range g {
		if len(deps) == 0 {
			out[key] = nil
			continue
		}
		clone := make([]string, len(deps))
		copy(clone, deps)
		out[key] = clone
	}
	return out
}

// Definition declares the pipeline as a graph of steps plus the runtime
// limits applied to every subject/session pair.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepRef         `json:"steps" yaml:"steps"`
	Graph       DependencyGraph   `json:"graph,omitempty" yaml:"graph,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Clone returns a deep copy of the workflow definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
		Graph:       def.Graph.Clone(),
		Runtime:     def.Runtime,
	}
	if len(def.Steps) > 0 {
		clone.Steps = make([]StepRef, len(def.Steps))
		for i, ref := range def.Steps {
			clone.Steps[i] = ref.Clone()
		}
	}
	return clone
}

// Validate ensures the workflow definition is self-consistent.
func (def Definition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", def.ID)
	}
	seen := map[string]struct{}{}
	for idx, ref := range def.Steps {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("workflow %s step[%d]: %w", def.ID, idx, err)
		}
		instanceID := ref.InstanceID()
		if _, exists := seen[instanceID]; exists {
			return fmt.Errorf("workflow %s: duplicate step instance id %s", def.ID, instanceID)
		}
		seen[instanceID] = struct{}{}
	}
	for key, deps := range def.Graph {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("workflow %s: graph references unknown step %s", def.ID, key)
		}
		for _, dep := range deps {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("workflow %s: graph dependency %s -> %s references unknown step", def.ID, key, dep)
			}
		}
	}
	if err := def.Runtime.validate(); err != nil {
		return fmt.Errorf("workflow %s runtime: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, merges any inline step dependencies into
// the graph, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	if clone.Graph == nil {
		clone.Graph = DependencyGraph{}
	}
	for _, ref := range clone.Steps {
		id := ref.InstanceID()
		clone.Graph[id] = mergeDependencies(clone.Graph[id], ref.DependsOn)
	}
	clone.Runtime = clone.Runtime.normalized()
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	if cycle := clone.Graph.cycle(clone.StepIDs()); len(cycle) > 0 {
		return Definition{}, fmt.Errorf("workflow %s: dependency cycle %s", clone.ID, strings.Join(cycle, " -> "))
	}
	return clone, nil
}

// cycle returns the first dependency cycle found, visiting ids in order.
func (g DependencyGraph) cycle(ids []string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(ids))
	var stack []string
	var found []string
	var visit func(string) bool
	visit = func(id string) bool {
		switch marks[id] {
		case visiting:
			for i, s := range stack {
				if s == id {
					found = append(append([]string{}, stack[i:]...), id)
					break
				}
			}
			return true
		case done:
			return false
		}
		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g[id] {
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = done
		return false
	}
	for _, id := range ids {
		if marks[id] == unvisited && visit(id) {
			return found
		}
	}
	return nil
}

// RuntimeConfig configures execution constraints for a workflow.
type RuntimeConfig struct {
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	return cfg
}

func (cfg RuntimeConfig) validate() error {
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0")
	}
	return nil
}

// StepIDs returns the workflow-scoped identifiers in declaration order.
func (def Definition) StepIDs() []string {
	ids := make([]string, 0, len(def.Steps))
	for _, ref := range def.Steps {
		ids = append(ids, ref.InstanceID())
	}
	return ids
}

// Dependencies returns the dependency list for a step instance.
func (def Definition) Dependencies(id string) []string {
	if def.Graph == nil {
		return nil
	}
	deps := def.Graph[id]
	if len(deps) == 0 {
		return nil
	}
	clone := make([]string, len(deps))
	copy(clone, deps)
	return clone
}

// StepRef describes how a workflow composes and configures a step.
type StepRef struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	StepID      string     `json:"step" yaml:"step"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      StepConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Optional    bool       `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Clone returns a deep copy of the step reference.
func (ref StepRef) Clone() StepRef {
	clone := StepRef{
		ID:          ref.ID,
		StepID:      ref.StepID,
		Name:        ref.Name,
		Description: ref.Description,
		Optional:    ref.Optional,
	}
	if len(ref.DependsOn) > 0 {
		clone.DependsOn = cloneStringSlice(ref.DependsOn)
	}
	if len(ref.Config) > 0 {
		clone.Config = ref.Config.Clone()
	}
	return clone
}

// StepConfig carries step-specific overrides (opaque to the runtime).
type StepConfig map[string]any

// Clone returns a shallow copy of the config map.
func (cfg StepConfig) Clone() StepConfig {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(StepConfig, len(cfg))
	for key, value := range cfg {
		clone[key] = value
	}
	return clone
}

// InstanceID returns the workflow-local identifier used by dependency graphs.
func (ref StepRef) InstanceID() string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.StepID
}

// Validate ensures the reference is usable.
func (ref StepRef) Validate() error {
	if ref.StepID == "" {
		return fmt.Errorf("workflow: step id is required")
	}
	deps := append([]string{}, ref.DependsOn...)
	sort.Strings(deps)
	for i := 1; i < len(deps); i++ {
		if deps[i] == deps[i-1] {
			return fmt.Errorf("workflow: step %s has duplicate dependency on %s", ref.InstanceID(), deps[i])
		}
	}
	return nil
}

func mergeDependencies(existing, adds []string) []string {
	if len(adds) == 0 && len(existing) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, id := range existing {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	for _, id := range adds {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
