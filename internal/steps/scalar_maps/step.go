// Package scalar_maps fits the diffusion tensor and, in lesion mode, brings
// the lesion mask into diffusion space.
package scalar_maps

import (
	"context"
	"strings"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "scalar-maps"
	stepVersion = "1.0.0"
)

// Step computes tensor scalar maps for one pair.
type Step struct {
	*step.Base
	lesion bool
}

// Register installs the scalar-maps factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(opts step.Config) (step.Step, error) {
		return New(opts.Bool("lesion", cfg.Project.Pipeline.Lesion)), nil
	})
}

// New constructs the step.
func New(lesion bool) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Scalar maps",
		Description: "dtifit tensor maps and the lesion mask in diffusion space.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.DwiPreproc, artifact.DwiBval, artifact.DwiBvec, artifact.MeanB0Bet}
	outputs := []artifact.ArtifactRef{artifact.FA}
	if lesion {
		inputs = append(inputs, artifact.TransplantLesion, artifact.T1wBrain)
		outputs = append(outputs, artifact.LesionDwi)
	}
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	return &Step{Base: &base, lesion: lesion}
}

// IsComplete reports whether the FA map (and lesion mask) exist.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run executes dtifit and the optional lesion registration.
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
	fa := k.Path(artifact.FA)
	out := strings.TrimSuffix(fa, "_FA.nii.gz")
	err = k.Run(ctx, toolkit.Stage{
		Cmd: k.Cmd("dtifit",
			"--data="+k.Path(artifact.DwiPreproc),
			"--out="+out,
			"--mask="+k.Path(artifact.MeanB0Bet),
			"--bvecs="+k.Path(artifact.DwiBvec),
			"--bvals="+k.Path(artifact.DwiBval),
		),
		Output:      fa,
		Description: "Fits diffusion tensor model at each voxel",
		Key:         "FA_filename",
	})
	if err != nil {
		return toolkit.Failed(), err
	}
	if !s.lesion {
		return toolkit.Completed("tensor maps in %s", out), nil
	}
	reg := k.ToMeanB0(k.Path(artifact.TransplantLesion), k.Path(artifact.LesionDwi),
		toolkit.InterpNearestNeighbor, "Register lesion from anatomical to dwi space", false)
	if err := k.Register(ctx, reg); err != nil {
		return toolkit.Failed(), err
	}
	return toolkit.Completed("tensor maps and lesion mask in dwi space"), nil
}
