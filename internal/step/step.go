// Package step defines the contract every pipeline stage implements. A step
// declares the artifacts it consumes and produces, reports whether its work
// is already on disk, and runs the external tools that produce it.
package step

import (
	"context"
	"fmt"

	"github.com/kingrea/neuropipe/internal/artifact"
)

// Info describes a step's identity and intent.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	Concurrency ConcurrencyProfile
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("step: id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("step: name is required for %s", i.ID)
	}
	if i.Version == "" {
		return fmt.Errorf("step: version is required for %s", i.ID)
	}
	if err := i.Concurrency.validate(i.ID); err != nil {
		return err
	}
	return nil
}

// ConcurrencyProfile declares how many scheduler slots a step consumes and
// whether it must run alone for its pair.
type ConcurrencyProfile struct {
	// Slots is the scheduler capacity the step occupies. Zero defaults to one.
	Slots int
	// Exclusive keeps every other step of the pair from running alongside it.
	// The freesurfer step sets it.
	Exclusive bool
}

func (p ConcurrencyProfile) slotsOrDefault() int {
	if p.Slots <= 0 {
		return 1
	}
	return p.Slots
}

func (p ConcurrencyProfile) validate(stepID string) error {
	if p.Slots < 0 {
		return fmt.Errorf("step: concurrency slots must be >= 0 for %s", stepID)
	}
	return nil
}

// SlotCost returns how many scheduler slots the step consumes simultaneously.
func (i Info) SlotCost() int {
	return i.Concurrency.slotsOrDefault()
}

// RequiresExclusiveExecution reports whether the step must run without other
// concurrent steps of the same pair.
func (i Info) RequiresExclusiveExecution() bool {
	return i.Concurrency.Exclusive
}

// Result captures the outcome of a step execution.
type Result struct {
	Status  Status
	Message string
}

// Status enumerates step run outcomes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusNoOp      Status = "no-op"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Step is implemented by every pipeline stage.
type Step interface {
	Info() Info
	Inputs() []artifact.ArtifactRef
	Outputs() []artifact.ArtifactRef
	IsComplete(sc *Context) (bool, error)
	Run(ctx context.Context, sc *Context) (Result, error)
}
