// Package anat_to_dwi brings the anatomical images of a pair into diffusion
// space: brain extraction, tissue segmentation, the 5TT image and the
// FreeSurfer parcellations merged with the brainstem labels.
package anat_to_dwi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "anat-to-dwi"
	stepVersion = "1.0.0"
)

// brainstemLabels are copied from the brainstem segmentation over the
// parcellation. Label 16 (whole brainstem) becomes 170 first.
var brainstemLabels = []string{"171", "172", "173", "174", "175", "177", "178", "179"}

// fastTrash lists fast and bet by-products moved out of the anat folder.
var fastTrash = []string{
	"_seg_0.nii.gz", "_seg_1.nii.gz", "_seg_2.nii.gz", "_seg.nii.gz",
	"_pveseg.nii.gz", "_mixeltype.nii.gz", "_mask.nii.gz", "_overlay.nii.gz", "_skull.nii.gz",
}

var tissues = []struct {
	label string
	pve   string
	ref   artifact.ArtifactRef
}{
	{"CSF", "_pve_0", artifact.PveCSFDwi},
	{"GM", "_pve_1", artifact.PveGMDwi},
	{"WM", "_pve_2", artifact.PveWMDwi},
}

// Step registers T1w derived images to the mean b0.
type Step struct {
	*step.Base
}

// Register installs the anat-to-dwi factory.
func Register(reg *step.Registry, _ *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(), nil
	})
}

// New constructs the step.
func New() *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Anatomy to DWI",
		Description: "Segments the T1w and registers tissue maps and parcellations to the mean b0.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetInputs(
		artifact.RawT1w,
		artifact.MeanB0Bet,
		artifact.FreeSurferBrain,
		artifact.FreeSurferBrainstem,
	)
	base.SetOutputs(
		artifact.T1wBrain,
		artifact.T1wDwi,
		artifact.PveCSFDwi,
		artifact.PveGMDwi,
		artifact.PveWMDwi,
		artifact.FiveTTDwi,
		artifact.AparcDwi,
		artifact.AparcBSSDwi,
		artifact.WmparcDwi,
		artifact.WmparcBSSDwi,
	)
	return &Step{Base: &base}
}

// IsComplete reports whether every diffusion-space image exists.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run executes the segmentation and registration chain.
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
	for _, fn := range []func(context.Context, *toolkit.Kit) error{
		s.brain,
		s.segment,
		s.tissuesToDwi,
		s.fiveTT,
		s.parcellations,
	} {
		if err := fn(ctx, k); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("registered anatomy to %s", filepath.Base(k.Path(artifact.MeanB0Bet))), nil
}

// anat names a file in the derivatives anat folder.
func anat(k *toolkit.Kit, suffix string) string {
	return k.Name(k.Layout().DerivAnatDir(), suffix)
}

// brainBase is the brain image without its extension; fast and bet derive
// their outputs from it.
func brainBase(k *toolkit.Kit) string {
	return strings.TrimSuffix(k.Path(artifact.T1wBrain), ".nii.gz")
}

func (s *Step) brain(ctx context.Context, k *toolkit.Kit) error {
	brain := k.Path(artifact.T1wBrain)
	return k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("bet", k.Path(artifact.RawT1w), brain, "-B", "-f", "0.2", "-g", "-0.2", "-o", "-m", "-s", "-v"),
		Output:      brain,
		Description: "bet on T1",
		Key:         "Anat_filename",
	})
}

// segment runs fast, keeps the three partial volume maps under their tissue
// names and trashes the rest.
func (s *Step) segment(ctx context.Context, k *toolkit.Kit) error {
	base := brainBase(k)
	var pves []string
	for _, tissue := range tissues {
		pves = append(pves, base+"Pve"+tissue.label+".nii.gz")
	}
	if k.DoneAll(pves...) {
		return nil
	}
	cmd := k.Cmd("fast", "-n", "3", "-t", "1", "-g", "-v", "-o", base, k.Path(artifact.T1wBrain))
	if err := k.Exec(ctx, cmd); err != nil {
		return err
	}
	var trash []string
	for _, suffix := range fastTrash {
		trash = append(trash, base+suffix)
	}
	if err := toolkit.Trash(trash...); err != nil {
		return err
	}
	for _, tissue := range tissues {
		src := base + tissue.pve + ".nii.gz"
		dst := base + "Pve" + tissue.label + ".nii.gz"
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("%s: fast output: %w", stepID, err)
		}
		if err := k.Sidecar(dst, cmd.String(), "fast on T1, segmentation "+tissue.label+" file", "Anat_filename"); err != nil {
			return err
		}
	}
	return nil
}

// toDwi maps a T1w-space image through the T1w to b0 warp this step owns.
func toDwi(k *toolkit.Kit, input, output, interp, description string) toolkit.Registration {
	return k.ToMeanB0(input, output, interp, description, true)
}

func (s *Step) tissuesToDwi(ctx context.Context, k *toolkit.Kit) error {
	regs := []toolkit.Registration{
		toDwi(k, k.Path(artifact.RawT1w), k.Path(artifact.T1wDwi), "", "register T1 to b0"),
	}
	base := brainBase(k)
	for _, tissue := range tissues {
		regs = append(regs, toDwi(k, base+"Pve"+tissue.label+".nii.gz", k.Path(tissue.ref), "",
			"registering tissue types from T1 to b0 "+tissue.label+" file"))
	}
	for _, r := range regs {
		if err := k.Register(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// fiveTT stacks [GM, 0, WM, CSF, 0] along the volume axis.
func (s *Step) fiveTT(ctx context.Context, k *toolkit.Kit) error {
	out := k.Path(artifact.FiveTTDwi)
	if k.Done(out) {
		return nil
	}
	gm := k.Path(artifact.PveGMDwi)
	zero := k.Name(k.Layout().PreprocDir(), "_acq-mprage_T1wPveZero_dwi.nii.gz")
	err := k.Run(ctx, toolkit.Stage{
		Cmd:       k.Cmd("mrcalc", gm, "0", "-mul", zero, "-force"),
		Output:    zero,
		NoSidecar: true,
	})
	if err != nil {
		return err
	}
	err = k.Run(ctx, toolkit.Stage{
		Cmd: k.Cmd("mrcat", "-axis", "3",
			gm, zero, k.Path(artifact.PveWMDwi), k.Path(artifact.PveCSFDwi), zero,
			out, "-force"),
		Output:      out,
		Description: "create 5 tissue types file",
		Key:         "tt5_filename",
	})
	if err != nil {
		return err
	}
	return toolkit.Trash(zero)
}

// parcellations resamples the FreeSurfer volumes onto the T1w, merges the
// brainstem labels and registers all four label images to dwi.
func (s *Step) parcellations(ctx context.Context, k *toolkit.Kit) error {
	l := k.Layout()
	mri := l.FreeSurferMRIDir()
	env := "SUBJECTS_DIR=" + l.FreeSurferDir()
	brain := k.Path(artifact.T1wBrain)

	aparc := anat(k, "_acq-mprage_T1wAparcA2009sAseg.nii.gz")
	aparcBSS := anat(k, "_acq-mprage_T1wAparcA2009sAsegBSS.nii.gz")
	bss := anat(k, "_acq-mprage_T1wBrainstemSsLabels.nii.gz")
	wmparc := anat(k, "_acq-mprage_T1wWmparc.nii.gz")
	wmparcBSS := anat(k, "_acq-mprage_T1wWmparcBSS.nii.gz")

	stages := []toolkit.Stage{
		{
			Cmd: k.Cmd("mri_vol2vol", "--targ", brain, "--mov", filepath.Join(mri, "aparc.a2009s+aseg.mgz"),
				"--o", aparc, "--regheader", "--interp", "nearest").WithEnv(env),
			Output:      aparc,
			Description: "aparc.a2009s+aseg in T1 space",
			Key:         "Anat_filename",
		},
		{
			Cmd: k.Cmd("mri_vol2vol", "--mov", k.Path(artifact.FreeSurferBrainstem), "--targ", filepath.Join(mri, "rawavg.mgz"),
				"--regheader", "--o", bss, "--no-save-reg", "--interp", "nearest").WithEnv(env),
			Output:      bss,
			Description: "brain stem segmentation",
			Key:         "Anat_filename",
		},
		mergeBrainstem(k, aparc, bss, aparcBSS, "aparc.a2009s+aseg with brainstem labels"),
		{
			Cmd: k.Cmd("mri_vol2vol", "--targ", brain, "--mov", filepath.Join(mri, "wmparc.mgz"),
				"--o", wmparc, "--regheader", "--interp", "nearest").WithEnv(env),
			Output:      wmparc,
			Description: "wm parcellation in t1 space",
			Key:         "Anat_filename",
		},
		mergeBrainstem(k, wmparc, bss, wmparcBSS, "wm parcellation with brainstem labels"),
	}
	for _, st := range stages {
		if err := k.Run(ctx, st); err != nil {
			return err
		}
	}
	for _, r := range []toolkit.Registration{
		toDwi(k, aparc, k.Path(artifact.AparcDwi), toolkit.InterpMultiLabel, "register aparc+aseg to b0"),
		toDwi(k, aparcBSS, k.Path(artifact.AparcBSSDwi), toolkit.InterpMultiLabel, "register aparc+aseg+bss to b0"),
		toDwi(k, wmparc, k.Path(artifact.WmparcDwi), toolkit.InterpMultiLabel, "register wmparc to b0"),
		toDwi(k, wmparcBSS, k.Path(artifact.WmparcBSSDwi), toolkit.InterpMultiLabel, "register wmparc+bss to b0"),
	} {
		if err := k.Register(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// BrainstemOverlay returns the mrcalc expression relabelling 16 as 170 in
// parc and copying the substructure labels of bss on top.
func BrainstemOverlay(parc, bss string) []string {
	layers := []toolkit.Overlay{{Cond: toolkit.Equals(parc, "16"), Value: "170"}}
	for _, label := range brainstemLabels {
		layers = append(layers, toolkit.Overlay{Cond: toolkit.Equals(bss, label), Value: label})
	}
	return toolkit.LabelOverlay([]string{parc}, layers...)
}

func mergeBrainstem(k *toolkit.Kit, parc, bss, out, description string) toolkit.Stage {
	args := append(BrainstemOverlay(parc, bss), out, "-force")
	return toolkit.Stage{
		Cmd:         k.Cmd("mrcalc", args...),
		Output:      out,
		Description: description,
		Key:         "Anat_filename",
	}
}
