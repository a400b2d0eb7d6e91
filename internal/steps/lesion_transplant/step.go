// Package lesion_transplant fills a lesion with the mirrored healthy tissue of
// the other hemisphere so that registration and FreeSurfer see a plausible
// brain.
package lesion_transplant

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "lesion-transplant"
	stepVersion = "1.0.0"
	warpName    = "T1w_flipped2T1w_without_les"
)

// Step transplants the healthy hemisphere into the lesion of one pair.
type Step struct {
	*step.Base
	lesion bool
}

// Register installs the lesion-transplant factory. The "lesion" step option
// overrides pipeline.lesion.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(opts step.Config) (step.Step, error) {
		return New(opts.Bool("lesion", cfg.Project.Pipeline.Lesion)), nil
	})
}

// New constructs the step. Without lesion mode it declares nothing and
// always completes as a no-op.
func New(lesion bool) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Lesion transplantation",
		Description: "Replaces the lesion with mirrored tissue from the healthy hemisphere.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	if lesion {
		base.SetInputs(
			artifact.RawT1w,
			artifact.CombinedLesion.AsOptional(),
			artifact.AcuteLesion.AsOptional(),
		)
		base.SetOutputs(artifact.TransplantLesion, artifact.T1wTransplanted)
	}
	return &Step{Base: &base, lesion: lesion}
}

// IsComplete is true outside lesion mode or once the transplanted T1w exists.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	if !s.lesion {
		return true, nil
	}
	return s.OutputsExist(sc), nil
}

// Run executes the transplantation chain.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	if !s.lesion {
		return toolkit.NoOp("lesion mode is off"), nil
	}
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	t1 := k.Path(artifact.RawT1w)
	if err := toolkit.Require("T1", t1); err != nil {
		return toolkit.Failed(), err
	}
	lesion, err := s.copyLesion(k)
	if err != nil {
		return toolkit.Failed(), err
	}
	l := sc.Layout
	tx := func(suffix string) string { return l.Name(l.TransplantDir(), suffix) }
	les := func(suffix string) string { return l.Name(l.TransplantLesionDir(), suffix) }

	flipped := tx("_acq-mprage_T1w_flipped.nii.gz")
	extracted := les("_T1w_label-lesion_extracted_T1w.nii.gz")
	inversed := les("_T1w_label-lesion_roi_inversed.nii.gz")
	without := tx("_T1w_without_lesion_mask.nii.gz")
	noCoreg := tx("_T1w_with_no_coregistered_lesion.nii.gz")
	inversedFlipped := les("_T1w_label-lesion_roi_inversed_flipped.nii.gz")
	extractedFlipped := les("_T1w_label-lesion_extracted_T1w_flipped.nii.gz")
	flippedWithout := tx("_T1w_flipped_without_lesion_mask.nii.gz")
	flippedNoCoreg := tx("_T1w_flipped_with_no_coregistered_lesion.nii.gz")
	coreg := tx("_T1w_flipped2T1w_without_les.nii.gz")
	extractedCoreg := les("_T1w_label-lesion_extracted_T1w_coregistered.nii.gz")
	transplanted := k.Path(artifact.T1wTransplanted)

	stages := []toolkit.Stage{
		swap(k, t1, flipped, "Flipped T1w"),
		maths(k, extracted, "Select voxels within mask", flipped, "-mul", lesion),
		maths(k, inversed, "Inverse lesion mask", lesion, "-sub", "1", "-abs"),
		maths(k, without, "T1w without lesion", t1, "-mul", inversed),
		maths(k, noCoreg, "T1w with non coregistered lesion", without, "-add", extracted),
		swap(k, inversed, inversedFlipped, "Flipped inverse lesion mask"),
		swap(k, extracted, extractedFlipped, "Flipped lesion voxels"),
		maths(k, flippedWithout, "Flipped T1w without lesion", flipped, "-mul", inversedFlipped),
		maths(k, flippedNoCoreg, "Flipped T1w with non coregistered lesion", flippedWithout, "-add", extractedFlipped),
	}
	for _, st := range stages {
		if err := k.Run(ctx, st); err != nil {
			return toolkit.Failed(), err
		}
	}
	err = k.Register(ctx, toolkit.Registration{
		Input:       flippedNoCoreg,
		Output:      coreg,
		WarpDir:     filepath.Join(filepath.Dir(l.TransplantLesionDir()), workflow.WarpsDir),
		WarpName:    warpName,
		Moving:      flippedNoCoreg,
		Fixed:       noCoreg,
		Description: "Non affected hemisphere coregistered on the affected one",
	})
	if err != nil {
		return toolkit.Failed(), err
	}
	for _, st := range []toolkit.Stage{
		maths(k, extractedCoreg, "Select coregistered voxels within mask", coreg, "-mul", lesion),
		maths(k, transplanted, "Anatomical image with transplanted region", without, "-add", extractedCoreg),
	} {
		if err := k.Run(ctx, st); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("transplanted %s", filepath.Base(lesion)), nil
}

// copyLesion picks the combined lesion, falling back to the acute one, and
// copies it next to the transplantation outputs.
func (s *Step) copyLesion(k *toolkit.Kit) (string, error) {
	src := k.Path(artifact.CombinedLesion)
	if !workflow.Exists(src) {
		src = k.Path(artifact.AcuteLesion)
	}
	if !workflow.Exists(src) {
		return "", fmt.Errorf("You need to manually draw a lesion mask and save it in: %s", src)
	}
	k.Logger().Info("using lesion mask", zap.String("mask", filepath.Base(src)))
	dst := k.Path(artifact.TransplantLesion)
	if k.Done(dst) {
		return dst, nil
	}
	if err := toolkit.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("%s: %w", stepID, err)
	}
	if err := k.Sidecar(dst, "cp "+src+" "+dst, "Lesion mask used for transplantation", "Anat_filename"); err != nil {
		return "", err
	}
	return dst, nil
}

func swap(k *toolkit.Kit, in, out, desc string) toolkit.Stage {
	return toolkit.Stage{
		Cmd:         k.Cmd("fslswapdim", in, "-x", "y", "z", out),
		Output:      out,
		Description: desc,
		Key:         "Anat_filename",
	}
}

// maths runs "fslmaths <expr...> <out>".
func maths(k *toolkit.Kit, out, desc string, expr ...string) toolkit.Stage {
	return toolkit.Stage{
		Cmd:         k.Cmd("fslmaths", append(expr, out)...),
		Output:      out,
		Description: desc,
		Key:         "Anat_filename",
	}
}
