// Package roi_registration maps the MNI cluster map, the MNI template and the
// striatum seeds into T1w and then diffusion space.
package roi_registration

import (
	"context"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "roi-registration"
	stepVersion = "1.0.0"

	warpMNIToT1w      = "MNI2Tw1_ants"
	warpMNIToT1wBrain = "MNI2Tw1brain_ants"
)

// Step registers the study ROIs of one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the roi-registration factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step for the configured striatum seeds.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "ROI registration",
		Description: "MNI clusters, template and striatum seeds to T1w and DWI space.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetInputs(artifact.RawT1w, artifact.T1wBrain, artifact.MeanB0Bet)
	outputs := []artifact.ArtifactRef{artifact.ClustersT1w, artifact.ClustersDwi, artifact.TemplateDwi}
	for _, seed := range cfg.Project.ROI.Striatum {
		outputs = append(outputs, artifact.SeedROIDwi(seed))
	}
	base.SetOutputs(outputs...)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether every ROI exists in diffusion space.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run executes the registrations.
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
	template := s.cfg.Project.Paths.MNITemplate
	clusters := s.cfg.ClustersFile()
	if err := toolkit.Require("MNI file", template); err != nil {
		return toolkit.Failed(), err
	}
	if err := toolkit.Require("cluster map", clusters); err != nil {
		return toolkit.Failed(), err
	}
	l := sc.Layout
	templateT1w := k.Name(l.StudyDir(), "_templateMNI_Tw1_ants.nii.gz")
	fromMNI := func(input, output, warp, fixed, description string) toolkit.Registration {
		return toolkit.Registration{
			Input:       input,
			Output:      output,
			WarpName:    warp,
			Moving:      template,
			Fixed:       fixed,
			Interp:      toolkit.InterpMultiLabel,
			Description: description,
		}
	}
	toDwi := func(input, output, description string) toolkit.Registration {
		return k.ToMeanB0(input, output, toolkit.InterpMultiLabel, description, false)
	}

	regs := []toolkit.Registration{
		fromMNI(clusters, k.Path(artifact.ClustersT1w), warpMNIToT1w, k.Path(artifact.RawT1w), "register MNI to tw1"),
		fromMNI(template, templateT1w, warpMNIToT1wBrain, k.Path(artifact.T1wBrain), "register MNI template to tw1"),
		toDwi(k.Path(artifact.ClustersT1w), k.Path(artifact.ClustersDwi), "register MNItw1 to b0"),
		toDwi(templateT1w, k.Path(artifact.TemplateDwi), "register MNI template tw1 to b0"),
	}
	for _, seed := range s.cfg.Project.ROI.Striatum {
		seedT1w := k.Name(l.StriatDir(), "_roi_"+seed+"_Tw1_ants.nii.gz")
		regs = append(regs,
			fromMNI(s.cfg.StriatumFile(seed), seedT1w, warpMNIToT1wBrain, k.Path(artifact.T1wBrain), "register MNI to tw1"),
			toDwi(seedT1w, k.Path(artifact.SeedROIDwi(seed)), "register MNItw1 to B0"),
		)
	}
	for _, r := range regs {
		if err := toolkit.Require("ROI", r.Input); err != nil {
			return toolkit.Failed(), err
		}
		if err := k.Register(ctx, r); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("registered %d ROIs", len(regs)), nil
}
