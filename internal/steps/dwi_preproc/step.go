// Package dwi_preproc corrects the AP/PA diffusion series of a pair: Gibbs
// ringing removal, topup susceptibility correction, eddy current and motion
// correction, then bias field removal.
package dwi_preproc

import (
	"context"
	"fmt"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "dwi-preproc"
	stepVersion = "1.0.0"
)

// eddyAncillary are the eddy and topup side files moved to trash.
var eddyAncillary = []string{
	"_eddy.eddy_command_txt",
	"_eddy.eddy_movement_rms",
	"_eddy.eddy_outlier_map",
	"_eddy.eddy_outlier_n_sqr_stdev_map",
	"_eddy.eddy_outlier_n_stdev_map",
	"_eddy.eddy_outlier_report",
	"_eddy.eddy_parameters",
	"_eddy.eddy_post_eddy_shell_alignment_parameters",
	"_eddy.eddy_post_eddy_shell_PE_translation_parameters",
	"_eddy.eddy_restricted_movement_rms",
	"_eddy.eddy_rotated_bvecs",
	"_eddy.eddy_values_of_all_input_parameters",
	"_topup_movpar.txt",
	"_dir-APPA_b0s.topup_log",
}

// Step preprocesses the diffusion series of one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the dwi-preproc factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "DWI preprocessing",
		Description: "mrdegibbs, topup, eddy and bias correction of the AP/PA series.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetInputs(
		artifact.RawDwiAP,
		artifact.RawDwiPA,
		artifact.RawDwiAPBval,
		artifact.RawDwiAPBvec,
	)
	base.SetOutputs(
		artifact.DwiPreproc,
		artifact.DwiBval,
		artifact.DwiBvec,
		artifact.MeanB0,
		artifact.MeanB0Bet,
		artifact.MeanB0BetMsk,
	)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether every output is on disk.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run preprocesses the series.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	if err := s.requireInputs(k); err != nil {
		return toolkit.Failed(), err
	}
	for _, fn := range []func(context.Context, *toolkit.Kit) error{
		s.degibbs,
		s.b0s,
		s.topup,
		s.eddy,
		s.debias,
		s.trash,
		s.meanB0,
	} {
		if err := fn(ctx, k); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("preprocessed %s", k.Path(artifact.DwiPreproc)), nil
}

func (s *Step) requireInputs(k *toolkit.Kit) error {
	for _, ref := range s.Inputs() {
		if err := toolkit.Require(ref.Name, k.Path(ref)); err != nil {
			return err
		}
	}
	if err := toolkit.Require("acqparams", s.cfg.Project.Paths.Acqparams); err != nil {
		return err
	}
	return toolkit.Require("eddy index", s.cfg.Project.Paths.EddyIndex)
}

// file names a file in the preproc folder.
func file(k *toolkit.Kit, suffix string) string {
	return k.Name(k.Layout().PreprocDir(), suffix)
}

func (s *Step) degibbs(ctx context.Context, k *toolkit.Kit) error {
	for _, dir := range []struct {
		name string
		in   artifact.ArtifactRef
	}{{"AP", artifact.RawDwiAP}, {"PA", artifact.RawDwiPA}} {
		out := file(k, "_dir-"+dir.name+"_degibbsDwi.nii.gz")
		err := k.Run(ctx, toolkit.Stage{
			Cmd:         k.Cmd("mrdegibbs", k.Path(dir.in), out),
			Output:      out,
			Description: "degibbs " + dir.name,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) b0s(ctx context.Context, k *toolkit.Kit) error {
	var firsts []string
	for _, dir := range []string{"AP", "PA"} {
		in := file(k, "_dir-"+dir+"_degibbsDwi.nii.gz")
		out := file(k, "_dir-"+dir+"_b0.nii.gz")
		err := k.Run(ctx, toolkit.Stage{
			Cmd:         k.Cmd("fslroi", in, out, "0", "1"),
			Output:      out,
			Description: "first volume of " + dir,
		})
		if err != nil {
			return err
		}
		firsts = append(firsts, out)
	}
	stack := file(k, "_dir-APPA_b0s.nii.gz")
	err := k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("fslmerge", append([]string{"-t", stack}, firsts...)...),
		Output:      stack,
		Description: "extracting b0",
		Key:         "b0_filename",
	})
	if err != nil {
		return err
	}
	mean := file(k, "_dir-APPA_meanB0.nii.gz")
	err = k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("fslmaths", stack, "-Tmean", mean),
		Output:      mean,
		Description: "mean b0",
		Key:         "meanb0_filename",
	})
	if err != nil {
		return err
	}
	brain := file(k, "_dir-APPA_meanB0brain.nii.gz")
	return k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("bet", mean, brain, "-f", "0.4", "-g", "0"),
		Output:      brain,
		Description: "bet on mean b0",
	})
}

func (s *Step) topup(ctx context.Context, k *toolkit.Kit) error {
	base := file(k, "_topup")
	return k.Run(ctx, toolkit.Stage{
		Cmd: k.Cmd("topup",
			"--imain="+file(k, "_dir-APPA_b0s.nii.gz"),
			"--datain="+s.cfg.Project.Paths.Acqparams,
			"--out="+base,
			"--config=b02b0.cnf",
			"--subsamp=1",
		),
		Output:      base + "_fieldcoef.nii.gz",
		Description: "topup on b0",
		Key:         "topup field coefficient file",
	})
}

// eddy corrects the AP series and copies the rotated bvecs and the bvals
// next to the preprocessed dwi. The rotated bvecs end up in trash, so a
// missing DwiBvec restores them from there before eddy is rerun.
func (s *Step) eddy(ctx context.Context, k *toolkit.Kit) error {
	base := file(k, "_eddy")
	rotated := base + ".eddy_rotated_bvecs"
	st := toolkit.Stage{
		Cmd: k.Cmd("eddy",
			"--imain="+file(k, "_dir-AP_degibbsDwi.nii.gz"),
			"--mask="+file(k, "_dir-APPA_meanB0brain.nii.gz"),
			"--index="+s.cfg.Project.Paths.EddyIndex,
			"--mb=2",
			"--acqp="+s.cfg.Project.Paths.Acqparams,
			"--bvals="+k.Path(artifact.RawDwiAPBval),
			"--topup="+file(k, "_topup"),
			"--bvecs="+k.Path(artifact.RawDwiAPBvec),
			"--out="+base,
			"--data_is_shelled",
		),
		Output:      base + ".nii.gz",
		Description: "eddy on dwi",
		Key:         "eddy file",
	}
	if !k.Done(k.Path(artifact.DwiBvec)) {
		if err := toolkit.Restore(rotated); err != nil {
			return err
		}
		st.Also = []string{rotated}
	}
	if err := k.Run(ctx, st); err != nil {
		return err
	}
	copies := []struct {
		src string
		ref artifact.ArtifactRef
	}{
		{rotated, artifact.DwiBvec},
		{k.Path(artifact.RawDwiAPBval), artifact.DwiBval},
	}
	for _, c := range copies {
		dst := k.Path(c.ref)
		if k.Done(dst) {
			continue
		}
		if err := toolkit.CopyFile(c.src, dst); err != nil {
			return fmt.Errorf("%s: %w", stepID, err)
		}
		if err := k.Sidecar(dst, "cp "+c.src+" "+dst, c.ref.Description, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) debias(ctx context.Context, k *toolkit.Kit) error {
	base := file(k, "_meanB0brain")
	bias := base + "_bias.nii.gz"
	err := k.Run(ctx, toolkit.Stage{
		Cmd: k.Cmd("fast",
			"-t", "2", "-n", "3", "-H", "0.1", "-I", "4", "-l", "20.0", "-b",
			"-o", base,
			file(k, "_dir-APPA_meanB0brain.nii.gz"),
		),
		Output:      bias,
		Description: "bias field of mean b0",
	})
	if err != nil {
		return err
	}
	out := k.Path(artifact.DwiPreproc)
	return k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("fslmaths", file(k, "_eddy.nii.gz"), "-div", bias, out),
		Output:      out,
		Description: "debias field on dwi",
	})
}

func (s *Step) trash(_ context.Context, k *toolkit.Kit) error {
	paths := make([]string, 0, len(eddyAncillary))
	for _, suffix := range eddyAncillary {
		paths = append(paths, file(k, suffix))
	}
	return toolkit.Trash(paths...)
}

func (s *Step) meanB0(ctx context.Context, k *toolkit.Kit) error {
	mean := k.Path(artifact.MeanB0)
	if !k.Done(mean) {
		b0s := file(k, "_dwi_b0s.nii.gz")
		err := k.Run(ctx, toolkit.Stage{
			Cmd: k.Cmd("dwiextract", k.Path(artifact.DwiPreproc), b0s, "-bzero",
				"-fslgrad", k.Path(artifact.DwiBvec), k.Path(artifact.DwiBval), "-force"),
			Output:      b0s,
			Description: "b0 volumes of the preprocessed dwi",
			NoSidecar:   true,
		})
		if err != nil {
			return err
		}
		err = k.Run(ctx, toolkit.Stage{
			Cmd:         k.Cmd("mrmath", b0s, "mean", mean, "-axis", "3", "-force"),
			Output:      mean,
			Description: "create mean b0",
			Key:         "b0_filename",
		})
		if err != nil {
			return err
		}
		if err := toolkit.Trash(b0s); err != nil {
			return err
		}
	}
	bet := k.Path(artifact.MeanB0Bet)
	return k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("bet", mean, bet, "-f", "0.4", "-g", "0", "-m"),
		Output:      bet,
		Also:        []string{k.Path(artifact.MeanB0BetMsk)},
		Description: "bet on mean b0",
		Key:         "b0bet_filename",
	})
}
