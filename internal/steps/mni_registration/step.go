// Package mni_registration registers the T1w, and in lesion mode the lesion
// masks, to the MNI template.
package mni_registration

import (
	"context"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "mni-registration"
	stepVersion = "1.0.0"
	warpName    = "T1wtranspl2MNI_ants"
)

var lesions = []struct {
	name string
	ref  artifact.ArtifactRef
}{
	{"acute", artifact.AcuteLesion},
	{"combined", artifact.CombinedLesion},
	{"old", artifact.OldLesion},
}

// Step maps one pair to MNI space.
type Step struct {
	*step.Base
	cfg    *config.Config
	lesion bool
}

// Register installs the mni-registration factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(opts step.Config) (step.Step, error) {
		return New(cfg, opts.Bool("lesion", cfg.Project.Pipeline.Lesion)), nil
	})
}

// New constructs the step. In lesion mode the transplanted T1w drives the
// registration so the lesion does not distort the warp.
func New(cfg *config.Config, lesion bool) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "MNI registration",
		Description: "Registers the T1w and lesion masks to the MNI template.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.RawT1w}
	if lesion {
		inputs = append(inputs, artifact.T1wTransplanted)
		for _, l := range lesions {
			inputs = append(inputs, l.ref.AsOptional())
		}
	}
	base.SetInputs(inputs...)
	base.SetOutputs(artifact.T1wMNI)
	return &Step{Base: &base, cfg: cfg, lesion: lesion}
}

// IsComplete reports whether the T1w exists in MNI space.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run registers the T1w and any lesion masks present.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	moving := k.Path(artifact.RawT1w)
	if s.lesion {
		moving = k.Path(artifact.T1wTransplanted)
	}
	if err := toolkit.Require("T1", k.Path(artifact.RawT1w)); err != nil {
		return toolkit.Failed(), err
	}
	if err := toolkit.Require("transplanted T1", moving); err != nil {
		return toolkit.Failed(), err
	}
	if err := toolkit.Require("MNI template", s.cfg.Project.Paths.MNITemplate); err != nil {
		return toolkit.Failed(), err
	}
	reg := func(input, output, interp, description string) toolkit.Registration {
		return toolkit.Registration{
			Input:       input,
			Output:      output,
			WarpName:    warpName,
			Moving:      moving,
			Fixed:       s.cfg.Project.Paths.MNITemplate,
			Interp:      interp,
			Description: description,
		}
	}
	if err := k.Register(ctx, reg(k.Path(artifact.RawT1w), k.Path(artifact.T1wMNI), "", "Register T1w to MNI space")); err != nil {
		return toolkit.Failed(), err
	}
	if !s.lesion {
		return toolkit.Completed("registered T1w to MNI"), nil
	}
	registered := 0
	for _, l := range lesions {
		in := k.Path(l.ref)
		out := k.Name(sc.Layout.LesionMNIDir(), "_T1w_label-"+l.name+"lesion_roi_mni.nii.gz")
		if !workflow.Exists(in) {
			k.Logger().Warn("lesion mask not found", zap.String("lesion", l.name), zap.String("path", in))
			sc.Logbook.Warn("%s %s lesion already in mni space or not existing: %q", sc.Pair.Subject, sc.Pair.Session, out)
			continue
		}
		if err := k.Register(ctx, reg(in, out, toolkit.InterpMultiLabel, "Register lesion to MNI space")); err != nil {
			return toolkit.Failed(), err
		}
		registered++
	}
	return toolkit.Completed("registered T1w and %d lesion masks to MNI", registered), nil
}
