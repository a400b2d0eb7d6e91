// Package tractography estimates response functions and FODs, generates the
// whole-brain tractogram and its SIFT2 weights.
package tractography

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "tractography"
	stepVersion = "1.0.0"
)

// Step runs the MRtrix3 tractography chain for one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the tractography factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Tractography",
		Description: "msmt_csd FODs, anatomically constrained tracking and SIFT2 weights.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetInputs(
		artifact.DwiPreproc,
		artifact.DwiBval,
		artifact.DwiBvec,
		artifact.FiveTTDwi,
		artifact.T1wDwi,
		artifact.PveWMDwi,
	)
	base.SetOutputs(
		artifact.RespWM,
		artifact.RespGM,
		artifact.RespCSF,
		artifact.FOD,
		artifact.Tractogram,
		artifact.Sift2,
	)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether the tractogram and its weights exist.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// OnArtifactInvalidation trashes the tractogram and its weights when the
// FODs or the tractogram itself went stale. A fresh tckgen run must not be
// paired with weights computed for another tractogram.
func (s *Step) OnArtifactInvalidation(sc *step.Context, event step.ArtifactInvalidation) error {
	switch event.Status {
	case step.ArtifactStatusOutdated, step.ArtifactStatusInvalid:
	default:
		return nil
	}
	switch event.Artifact.ID {
	case artifact.FOD.ID, artifact.Tractogram.ID, artifact.Sift2.ID:
	default:
		return nil
	}
	if sc.Logger != nil {
		sc.Logger.Info("trashing stale tractogram",
			zap.String("artifact", event.Artifact.ID),
			zap.String("reason", string(event.Reason)))
	}
	var paths []string
	for _, ref := range []artifact.ArtifactRef{artifact.Tractogram, artifact.Sift2} {
		paths = append(paths, sc.Path(ref), ref.SidecarPath(sc.Layout))
	}
	return toolkit.Trash(paths...)
}

// Run executes dwi2response, dwi2fod, tckgen and tcksift2.
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
	threads := k.MRtrixThreads()
	proc := k.Layout().ProcDir()
	dwi := k.Path(artifact.DwiPreproc)
	bvec, bval := k.Path(artifact.DwiBvec), k.Path(artifact.DwiBval)
	fiveTT := k.Path(artifact.FiveTTDwi)
	wm := k.Path(artifact.PveWMDwi)
	respWM, respGM, respCSF := k.Path(artifact.RespWM), k.Path(artifact.RespGM), k.Path(artifact.RespCSF)
	fod := k.Path(artifact.FOD)
	fodGM := k.Name(proc, "_fodGM.nii.gz")
	fodCSF := k.Name(proc, "_fodCSF.nii.gz")
	tck := k.Path(artifact.Tractogram)
	sift := k.Path(artifact.Sift2)
	trk := s.cfg.Project.Tractography

	stages := []toolkit.Stage{
		{
			Cmd: k.Cmd("dwi2response", "msmt_5tt", dwi, fiveTT, respWM, respGM, respCSF,
				"-fslgrad", bvec, bval, "-nthreads", threads),
			Output:      respWM,
			Also:        []string{respGM, respCSF},
			Description: "DWI 2 response",
			Key:         "respWM_filename",
		},
		{
			Cmd: k.Cmd("dwi2fod", "msmt_csd", "-mask", k.Path(artifact.T1wDwi), dwi,
				respWM, fod, respGM, fodGM, respCSF, fodCSF,
				"-fslgrad", bvec, bval, "-nthreads", threads),
			Output:      fod,
			Also:        []string{fodGM, fodCSF},
			Description: "DWI 2 FOD",
			Key:         "fod filename",
		},
		{
			Cmd: k.Cmd("tckgen", fod, tck,
				"-algorithm", trk.Algorithm,
				"-seed_image", wm,
				"-select", strconv.Itoa(trk.Select),
				"-force",
				"-minlength", strconv.FormatFloat(trk.MinLength, 'f', -1, 64),
				"-nthreads", threads),
			Output:      tck,
			Description: "Generate tck file",
			Key:         "tck filename",
		},
		{
			Cmd:         k.Cmd("tcksift2", "-act", fiveTT, tck, fod, sift, "-proc_mask", wm, "-force"),
			Output:      sift,
			Description: "Generate tcksift2 file",
			Key:         "tck filename",
		},
	}
	for _, st := range stages {
		if err := k.Run(ctx, st); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("tractogram %s", tck), nil
}
