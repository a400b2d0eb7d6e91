// Package copy_local pulls the raw anat and dwi files of a pair from a server
// copy of the dataset into the local tree.
package copy_local

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
	stepID      = "copy-local"
	stepVersion = "1.0.0"
)

var (
	anatSuffixes = []string{
		"_acq-mprage_T1w.nii.gz",
		"_acq-mprage_T1w.json",
		"_T1w_label-acutelesion_roi.nii.gz",
		"_T1w_label-oldlesion_roi.nii.gz",
		"_T1w_label-combinedlesion_roi.nii.gz",
	}
	dwiSuffixes = []string{
		"_dir-AP_dwi.nii.gz",
		"_dir-AP_dwi.bval",
		"_dir-AP_dwi.bvec",
		"_dir-AP_dwi.json",
		"_dir-PA_dwi.bval",
		"_dir-PA_dwi.bvec",
		"_dir-PA_dwi.json",
		"_dir-PA_dwi.nii.gz",
	}
)

// Step copies one pair from paths.remote.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the copy-local factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Copy data locally",
		Description: "Copies T1w, lesion masks and dwi series from the server copy.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetOutputs(
		artifact.RawT1w.AsOptional(),
		artifact.AcuteLesion.AsOptional(),
		artifact.OldLesion.AsOptional(),
		artifact.CombinedLesion.AsOptional(),
		artifact.RawDwiAP.AsOptional(),
		artifact.RawDwiPA.AsOptional(),
		artifact.RawDwiAPBval.AsOptional(),
		artifact.RawDwiAPBvec.AsOptional(),
	)
	return &Step{Base: &base, cfg: cfg}
}

type transfer struct {
	src string
	dst string
}

func transfers(l *workflow.Layout) []transfer {
	var out []transfer
	add := func(srcDir, dstDir string, suffixes []string) {
		for _, suffix := range suffixes {
			out = append(out, transfer{
				src: l.Name(srcDir, suffix),
				dst: l.Name(dstDir, suffix),
			})
		}
	}
	add(l.RemoteAnatDir(), l.RawAnatDir(), anatSuffixes)
	add(l.RemoteDwiDir(), l.RawDwiDir(), dwiSuffixes)
	return out
}

// IsComplete is true without a server copy, or when every present source file
// has a local copy.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	if !sc.Layout.HasRemote() {
		return true, nil
	}
	if sc.Forced(stepID) {
		return false, nil
	}
	for _, t := range transfers(sc.Layout) {
		if workflow.Exists(t.src) && !workflow.Exists(t.dst) {
			return false, nil
		}
	}
	return true, nil
}

// Run copies the files. Missing sources are skipped.
func (s *Step) Run(_ context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	if !sc.Layout.HasRemote() {
		return toolkit.NoOp("no remote configured"), nil
	}
	copied := 0
	for _, t := range transfers(sc.Layout) {
		if !workflow.Exists(t.src) {
			continue
		}
		if workflow.Exists(t.dst) && !k.Forced() {
			continue
		}
		k.Logger().Info("copying", zap.String("file", filepath.Base(t.src)))
		if err := toolkit.CopyFile(t.src, t.dst); err != nil {
			return toolkit.Failed(), fmt.Errorf("%s: %w", stepID, err)
		}
		copied++
	}
	if copied == 0 {
		return toolkit.NoOp("nothing to copy"), nil
	}
	return toolkit.Completed("copied %d files", copied), nil
}
