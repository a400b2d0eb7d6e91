package engine

import (
	"time"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
	"github.com/kingrea/neuropipe/internal/workflow/scheduler"
)

// EngineStatus enumerates coarse per-pair engine phases.
type EngineStatus string

const (
	EngineStatusUnknown  EngineStatus = "unknown"
	EngineStatusRunning  EngineStatus = "running"
	EngineStatusBlocked  EngineStatus = "blocked"
	EngineStatusComplete EngineStatus = "complete"
	EngineStatusError    EngineStatus = "error"
)

// State captures a snapshot of one pair's pipeline.
type State struct {
	WorkflowID string       `json:"workflow_id"`
	Pair       cohort.Pair  `json:"pair"`
	Status     EngineStatus `json:"status"`
	// StatusReason provides human readable explanation for non-running states.
	StatusReason string                          `json:"status_reason,omitempty"`
	Runtime      Runtime                         `json:"runtime"`
	Nodes        []StepStatus                    `json:"nodes"`
	Runnable     []string                        `json:"runnable"`
	Skipped      map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Runs         map[string]StepRun              `json:"runs,omitempty"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// Runtime mirrors the scheduler constraints of one engine pass.
type Runtime struct {
	Targets     []string `json:"targets,omitempty"`
	TargetsOnly bool     `json:"targets_only,omitempty"`
	BatchSize   int      `json:"batch_size,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	Disabled    []string `json:"disabled,omitempty"`
}

// StepStatus exposes resolver metadata for a pipeline node.
type StepStatus struct {
	ID           string                    `json:"id"`
	StepID       string                    `json:"step_id"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	Optional     bool                      `json:"optional,omitempty"`
	Concurrency  step.ConcurrencyProfile   `json:"concurrency"`
	State        resolver.NodeState        `json:"state"`
	Stale        bool                      `json:"stale,omitempty"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Dependents   []string                  `json:"dependents,omitempty"`
	BlockedBy    []string                  `json:"blocked_by,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Artifacts    map[string]ArtifactStatus `json:"artifacts,omitempty"`
	LastRun      *StepRun                  `json:"last_run,omitempty"`
}

// ArtifactStatus mirrors resolver artifact evaluation for UI/state consumers.
type ArtifactStatus struct {
	ID                  string              `json:"id"`
	Status              step.ArtifactStatus `json:"status"`
	ExpectedFingerprint string              `json:"expected_fingerprint,omitempty"`
	StoredFingerprint   string              `json:"stored_fingerprint,omitempty"`
	Error               string              `json:"error,omitempty"`
}

// StepRun records the result of one step execution in the current pass.
type StepRun struct {
	Status     step.Status   `json:"status"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// schedulerRequest converts Runtime into a scheduler request payload.
func (rt Runtime) schedulerRequest() scheduler.RunnableRequest {
	return scheduler.RunnableRequest{
		Targets:     cloneStrings(rt.Targets),
		TargetsOnly: rt.TargetsOnly,
		BatchSize:   rt.BatchSize,
		MaxParallel: rt.MaxParallel,
		Disabled:    cloneStrings(rt.Disabled),
	}
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func (rt Runtime) clone() Runtime {
	return Runtime{
		Targets:     cloneStrings(rt.Targets),
		TargetsOnly: rt.TargetsOnly,
		BatchSize:   rt.BatchSize,
		MaxParallel: rt.MaxParallel,
		Disabled:    cloneStrings(rt.Disabled),
	}
}
