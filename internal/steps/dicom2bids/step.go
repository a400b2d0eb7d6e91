// Package dicom2bids converts the DICOM inbox folder of a pair into the BIDS
// source tree.
package dicom2bids

import (
	"context"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "dicom2bids"
	stepVersion = "1.0.0"
)

// Step runs dcm2bids for one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the dicom2bids factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "DICOM to BIDS",
		Description: "Converts <dicom>/<subjID>_<sessID>/ with dcm2bids.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetOutputs(artifact.BIDSSession.AsOptional())
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete is true when the session was converted or has no DICOM folder.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	if sc.Forced(stepID) {
		return !workflow.Exists(sc.Layout.DicomDir()), nil
	}
	return sc.Exists(artifact.BIDSSession) || !workflow.Exists(sc.Layout.DicomDir()), nil
}

// Run converts the inbox folder. A pair without one is a no-op.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	dicom := sc.Layout.DicomDir()
	if !workflow.Exists(dicom) {
		return toolkit.NoOp("no DICOM folder %s", dicom), nil
	}
	out := k.Path(artifact.BIDSSession)
	if k.Done(out) {
		return toolkit.NoOp("already converted"), nil
	}
	cmd := k.Cmd("dcm2bids",
		"-d", dicom+"/",
		"-p", sc.Pair.SubjectID(),
		"-s", sc.Pair.SessionID(),
		"-o", sc.Layout.BIDSRoot(),
		"-c", s.cfg.Project.Paths.Dcm2BidsConfig,
	)
	if err := k.Exec(ctx, cmd); err != nil {
		return toolkit.Failed(), err
	}
	if !workflow.Exists(out) {
		return toolkit.Failed(), toolkit.Require("dcm2bids output", out)
	}
	if err := k.Sidecar(out, cmd.String(), "DICOM to BIDS conversion", "Output_folder"); err != nil {
		return toolkit.Failed(), err
	}
	return toolkit.Completed("converted %s", dicom), nil
}
