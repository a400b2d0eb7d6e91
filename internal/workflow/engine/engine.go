package engine

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
	"github.com/kingrea/neuropipe/internal/workflow/scheduler"
)

// Engine coordinates the resolver and scheduler for one pair at a time.
// A single Engine may serve many pairs concurrently.
type Engine struct {
	registry  *step.Registry
	clock     func() time.Time
	logger    *zap.Logger
	observers []Observer
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the engine logger. Steps log through their context.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver subscribes obs to engine events.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observers = append(e.observers, obs)
		}
	}
}

// New wires a workflow engine to the step registry.
func New(registry *step.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("workflow engine: step registry is required")
	}
	engine := &Engine{
		registry: registry,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Plan evaluates the pipeline for the pair of sc without running anything.
func (e *Engine) Plan(sc *step.Context, def workflow.Definition, rt Runtime) (State, error) {
	if sc == nil {
		return State{}, fmt.Errorf("workflow engine: step context is required")
	}
	normalized, err := def.Normalized()
	if err != nil {
		return State{}, err
	}
	rt = applyWorkflowRuntime(normalized, rt)
	res, err := resolver.New(normalized, e.registry)
	if err != nil {
		return State{}, err
	}
	if err := res.Refresh(sc); err != nil {
		return State{}, err
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return State{}, err
	}
	batch, err := sched.Runnable(rt.schedulerRequest())
	if err != nil {
		return State{}, err
	}
	return e.snapshot(sc, normalized, rt, res, batch, nil), nil
}

func (e *Engine) snapshot(sc *step.Context, def workflow.Definition, rt Runtime, res *resolver.Resolver, batch scheduler.RunnableBatch, runs map[string]StepRun) State {
	nodes := summarizeNodes(res, runs)
	status, reason := deriveEngineStatus(nodes, runs, rt.Disabled)
	return State{
		WorkflowID:   def.ID,
		Pair:         sc.Pair,
		Status:       status,
		StatusReason: reason,
		Runtime:      rt.clone(),
		Nodes:        nodes,
		Runnable:     runnableIDs(batch.Nodes),
		Skipped:      cloneSkipped(batch.Skipped),
		Runs:         cloneRuns(runs),
		UpdatedAt:    e.now(),
	}
}

// Failed lists the steps that failed in the pass the state describes.
func (s State) Failed() []string {
	var out []string
	for id, run := range s.Runs {
		if run.Status == step.StatusFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Incomplete lists the steps whose outputs are not complete.
func (s State) Incomplete() []string {
	var out []string
	for _, node := range s.Nodes {
		if node.State != resolver.NodeStateComplete {
			out = append(out, node.ID)
		}
	}
	return out
}

func summarizeNodes(res *resolver.Resolver, runs map[string]StepRun) []StepStatus {
	nodes := res.Nodes()
	result := make([]StepStatus, 0, len(nodes))
	for _, node := range nodes {
		info := node.Step.Info()
		ref := node.Ref
		status := StepStatus{
			ID:           node.ID,
			StepID:       ref.StepID,
			Name:         pickName(ref, info),
			Description:  pickDescription(ref, info),
			Optional:     ref.Optional,
			Concurrency:  info.Concurrency,
			State:        node.State,
			Stale:        node.Stale,
			Dependencies: cloneStrings(node.Dependencies),
			Dependents:   cloneStrings(node.Dependents),
			BlockedBy:    cloneStrings(node.BlockedBy),
		}
		if node.Err != nil {
			status.Error = node.Err.Error()
		}
		if len(node.Artifacts) > 0 {
			status.Artifacts = make(map[string]ArtifactStatus, len(node.Artifacts))
			for id, report := range node.Artifacts {
				status.Artifacts[id] = ArtifactStatus{
					ID:                  id,
					Status:              report.Status,
					ExpectedFingerprint: report.ExpectedFingerprint,
					StoredFingerprint:   report.StoredFingerprint,
					Error:               errorString(report.Err),
				}
			}
		}
		if run, ok := runs[node.ID]; ok {
			copyRun := run
			status.LastRun = &copyRun
		}
		result = append(result, status)
	}
	return result
}

func pickName(ref workflow.StepRef, info step.Info) string {
	if ref.Name != "" {
		return ref.Name
	}
	if info.Name != "" {
		return info.Name
	}
	if ref.StepID != "" {
		return ref.StepID
	}
	return ref.InstanceID()
}

func pickDescription(ref workflow.StepRef, info step.Info) string {
	if ref.Description != "" {
		return ref.Description
	}
	return info.Description
}

func deriveEngineStatus(nodes []StepStatus, runs map[string]StepRun, disabled []string) (EngineStatus, string) {
	for _, status := range nodes {
		if status.State == resolver.NodeStateError {
			return EngineStatusError, fmt.Sprintf("%s encountered an error", status.ID)
		}
	}
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if runs[id].Status == step.StatusFailed {
			return EngineStatusError, fmt.Sprintf("%s failed", id)
		}
	}
	off := make(map[string]struct{}, len(disabled))
	for _, id := range disabled {
		off[id] = struct{}{}
	}
	hasReady := false
	hasPending := false
	for _, status := range nodes {
		if _, skip := off[status.ID]; skip {
			continue
		}
		switch status.State {
		case resolver.NodeStateReady:
			hasReady = true
		case resolver.NodeStatePending, resolver.NodeStateBlocked, resolver.NodeStateUnknown:
			hasPending = true
		}
	}
	if !hasReady && !hasPending {
		return EngineStatusComplete, ""
	}
	if hasReady {
		return EngineStatusRunning, ""
	}
	return EngineStatusBlocked, "remaining steps wait on incomplete dependencies"
}

func applyWorkflowRuntime(def workflow.Definition, rt Runtime) Runtime {
	if rt.MaxParallel <= 0 && def.Runtime.MaxParallel > 0 {
		rt.MaxParallel = def.Runtime.MaxParallel
	}
	return rt
}

func runnableIDs(nodes []*resolver.Node) []string {
	if len(nodes) == 0 {
		return nil
	}
	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}

func cloneSkipped(values map[string]scheduler.SkipReason) map[string]scheduler.SkipReason {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]scheduler.SkipReason, len(values))
	for id, reason := range values {
		out[id] = reason
	}
	return out
}

func cloneRuns(values map[string]StepRun) map[string]StepRun {
	if len(values) == 0 {
		return map[string]StepRun{}
	}
	out := make(map[string]StepRun, len(values))
	for id, run := range values {
		out[id] = run
	}
	return out
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
