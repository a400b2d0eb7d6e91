// Package freesurfer runs recon-all and the brainstem substructure
// segmentation for one pair.
package freesurfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "freesurfer"
	stepVersion = "1.0.0"
)

// Step reconstructs one pair with FreeSurfer. It runs alone for the pair:
// recon-all already saturates the machine.
type Step struct {
	*step.Base
	cfg    *config.Config
	lesion bool
}

// Register installs the freesurfer factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(opts step.Config) (step.Step, error) {
		return New(cfg, opts.Bool("lesion", cfg.Project.Pipeline.Lesion)), nil
	})
}

// New constructs the step. In lesion mode the transplanted T1w is preferred
// when it exists.
func New(cfg *config.Config, lesion bool) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "FreeSurfer",
		Description: "recon-all and brainstem segmentation.",
		Version:     stepVersion,
		Concurrency: step.ConcurrencyProfile{Exclusive: true},
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.RawT1w}
	if lesion {
		inputs = append(inputs, artifact.T1wTransplanted.AsOptional())
	}
	base.SetInputs(inputs...)
	base.SetOutputs(artifact.FreeSurferBrain, artifact.FreeSurferBrainstem)
	return &Step{Base: &base, cfg: cfg, lesion: lesion}
}

// IsComplete reports whether brain.mgz and the brainstem labels exist.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run reconstructs the pair.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	l := sc.Layout
	subjectsDir := l.FreeSurferDir()
	id := l.FreeSurferSubject()
	env := "SUBJECTS_DIR=" + subjectsDir
	threads := strconv.Itoa(s.cfg.Project.Threads.FreeSurfer)

	t1 := s.source(k)
	if err := toolkit.Require("T1", t1); err != nil {
		return toolkit.Failed(), err
	}
	orig := filepath.Join(l.FreeSurferMRIDir(), "orig")
	staged := l.Name(orig, "_acq-mprage_T1w.nii.gz")
	if !workflow.Exists(staged) || k.Forced() {
		if err := toolkit.CopyFile(t1, staged); err != nil {
			return toolkit.Failed(), fmt.Errorf("%s: %w", stepID, err)
		}
	}
	mgz := filepath.Join(orig, "001.mgz")
	err = k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("mrconvert", staged, mgz),
		Output:      mgz,
		Description: "Conversion of T1 for freesurfer",
		Key:         "Anat_filename",
	})
	if err != nil {
		return toolkit.Failed(), err
	}
	brain := k.Path(artifact.FreeSurferBrain)
	err = k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("recon-all", "-all", "-subjid", id, "-openmp", threads).WithEnv(env),
		Output:      brain,
		Description: "FreeSurfer reconstruction",
		Key:         "Anat_filename",
	})
	if err != nil {
		return toolkit.Failed(), err
	}
	var bs toolkit.Stage
	switch s.cfg.Project.FreeSurfer.Brainstem {
	case config.BrainstemSegmentBS:
		bs.Cmd = k.Cmd("segmentBS.sh", id, subjectsDir).WithEnv(env)
	default:
		bs.Cmd = k.Cmd("recon-all", "-s", id, "-brainstem-structures").WithEnv(env)
	}
	bs.Output = k.Path(artifact.FreeSurferBrainstem)
	bs.Description = "Brainstem substructure segmentation"
	bs.Key = "Anat_filename"
	if err := k.Run(ctx, bs); err != nil {
		return toolkit.Failed(), err
	}
	return toolkit.Completed("reconstructed %s", id), nil
}

func (s *Step) source(k *toolkit.Kit) string {
	if s.lesion {
		if t1 := k.Path(artifact.T1wTransplanted); workflow.Exists(t1) {
			return t1
		}
	}
	return k.Path(artifact.RawT1w)
}
