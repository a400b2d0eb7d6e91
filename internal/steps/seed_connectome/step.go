// Package seed_connectome extracts the tract of every striatum seed and
// computes seed and whole-network connectomes from the SIFT2-weighted
// tractogram.
package seed_connectome

import (
	"context"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "seed-connectome"
	stepVersion = "1.0.0"
)

// Step builds the per-seed tracts and connectomes of one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the seed-connectome factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step for the configured seeds.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Seed connectome",
		Description: "tckedit seed tracts and tck2connectome matrices.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.Tractogram, artifact.Sift2, artifact.GlobalMask}
	var outputs []artifact.ArtifactRef
	for _, seed := range cfg.Project.ROI.Striatum {
		inputs = append(inputs, artifact.SeedROIDwi(seed))
		outputs = append(outputs, artifact.SeedTract(seed), artifact.SeedWeights(seed), artifact.SeedMetric(seed))
	}
	outputs = append(outputs, artifact.ConnectMatrix)
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether every seed tract, metric and the matrix exist.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run executes tckedit and tck2connectome.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	for _, ref := range s.Inputs() {
		if err := toolkit.Require(ref.Name, k.Path(ref)); err != nil {
			return toolkit.Failed(), err
		}
	}
	tck := k.Path(artifact.Tractogram)
	sift := k.Path(artifact.Sift2)
	var stages []toolkit.Stage
	for _, seed := range s.cfg.Project.ROI.Striatum {
		roi := k.Path(artifact.SeedROIDwi(seed))
		tract := k.Path(artifact.SeedTract(seed))
		weights := k.Path(artifact.SeedWeights(seed))
		stages = append(stages, toolkit.Stage{
			Cmd: k.Cmd("tckedit", tck, tract, "-include", roi,
				"-tck_weights_in", sift, "-tck_weights_out", weights, "-force"),
			Output:      tract,
			Also:        []string{weights},
			Description: "Applied rois selection to the tractogram with tckedit command",
			Key:         "Tract_filename",
		})
	}
	for _, seed := range s.cfg.Project.ROI.Striatum {
		metric := k.Path(artifact.SeedMetric(seed))
		stages = append(stages, toolkit.Stage{
			Cmd:         k.Cmd("tck2connectome", tck, k.Path(artifact.SeedROIDwi(seed)), metric, "-tck_weights_in", sift, "-force"),
			Output:      metric,
			Description: "SIFT2-weighted streamlines through the seed",
			Key:         "Connectome_filename",
		})
	}
	matrix := k.Path(artifact.ConnectMatrix)
	stages = append(stages, toolkit.Stage{
		Cmd: k.Cmd("tck2connectome", tck, k.Path(artifact.GlobalMask), matrix,
			"-tck_weights_in", sift, "-symmetric", "-zero_diagonal", "-force"),
		Output:      matrix,
		Description: "ROI to ROI connectome",
		Key:         "Connectome_filename",
	})
	for _, st := range stages {
		if err := k.Run(ctx, st); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("%d seeds and the ROI connectome", len(s.cfg.Project.ROI.Striatum)), nil
}
