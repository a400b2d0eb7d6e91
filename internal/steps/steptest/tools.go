package steptest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/neuropipe/internal/runner"
)

// Tools returns a Fake that materialises the files each external tool would
// write. Tools that derive output names from a prefix get their own hook;
// everything else touches missing file arguments under root.
func Tools(root string) *runner.Fake {
	f := runner.NewFake().Default(runner.TouchArgs(root))
	f.On("antsRegistrationSyN.sh", func(c runner.Command) error {
		prefix := flagValue(c.Args, "-o")
		return runner.Touch(prefix+"0GenericAffine.mat", prefix+"1Warp.nii.gz", prefix+"1InverseWarp.nii.gz", prefix+"Warped.nii.gz")
	})
	f.On("bet", func(c runner.Command) error {
		out := c.Args[1]
		paths := []string{out}
		if hasFlag(c.Args, "-m") {
			paths = append(paths, stem(out)+"_mask.nii.gz")
		}
		if hasFlag(c.Args, "-s") {
			paths = append(paths, stem(out)+"_skull.nii.gz")
		}
		return runner.Touch(paths...)
	})
	f.On("fast", func(c runner.Command) error {
		base := flagValue(c.Args, "-o")
		paths := []string{base + "_seg.nii.gz", base + "_pveseg.nii.gz", base + "_mixeltype.nii.gz"}
		for _, n := range []string{"0", "1", "2"} {
			paths = append(paths, base+"_pve_"+n+".nii.gz", base+"_seg_"+n+".nii.gz")
		}
		if hasFlag(c.Args, "-b") {
			paths = append(paths, base+"_bias.nii.gz")
		}
		return runner.Touch(paths...)
	})
	f.On("topup", func(c runner.Command) error {
		base := eqValue(c.Args, "--out")
		return runner.Touch(base+"_fieldcoef.nii.gz", base+"_movpar.txt")
	})
	eddy := func(c runner.Command) error {
		base := eqValue(c.Args, "--out")
		paths := []string{base + ".nii.gz"}
		for _, ext := range EddyAncillary {
			paths = append(paths, base+ext)
		}
		return runner.Touch(paths...)
	}
	f.On("eddy", eddy)
	f.On("eddy_openmp", eddy)
	f.On("dtifit", func(c runner.Command) error {
		base := eqValue(c.Args, "--out")
		var paths []string
		for _, m := range []string{"FA", "MD", "MO", "S0", "V1", "V2", "V3", "L1", "L2", "L3"} {
			paths = append(paths, base+"_"+m+".nii.gz")
		}
		return runner.Touch(paths...)
	})
	f.On("recon-all", func(c runner.Command) error {
		subjectsDir := envValue(c.Env, "SUBJECTS_DIR")
		id := flagValue(c.Args, "-subjid")
		if id == "" {
			id = flagValue(c.Args, "-s")
		}
		mri := filepath.Join(subjectsDir, id, "mri")
		if hasFlag(c.Args, "-brainstem-structures") {
			return runner.Touch(filepath.Join(mri, "brainstemSsLabels.v10.FSvoxelSpace.mgz"))
		}
		return runner.Touch(
			filepath.Join(mri, "brain.mgz"),
			filepath.Join(mri, "rawavg.mgz"),
			filepath.Join(mri, "aparc.a2009s+aseg.mgz"),
			filepath.Join(mri, "wmparc.mgz"),
		)
	})
	f.On("segmentBS.sh", func(c runner.Command) error {
		return runner.Touch(filepath.Join(c.Args[1], c.Args[0], "mri", "brainstemSsLabels.v13.FSvoxelSpace.mgz"))
	})
	f.On("dcm2bids", func(c runner.Command) error {
		dir := filepath.Join(flagValue(c.Args, "-o"), "sub-"+flagValue(c.Args, "-p"), "ses-"+flagValue(c.Args, "-s"))
		for _, sub := range []string{"anat", "dwi"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

// EddyAncillary lists the side files eddy writes next to its output.
var EddyAncillary = []string{
	".eddy_rotated_bvecs",
	".eddy_parameters",
	".eddy_movement_rms",
	".eddy_restricted_movement_rms",
	".eddy_post_eddy_shell_alignment_parameters",
	".eddy_post_eddy_shell_PE_translation_parameters",
	".eddy_outlier_report",
	".eddy_outlier_map",
	".eddy_outlier_n_stdev_map",
	".eddy_outlier_n_sqr_stdev_map",
	".eddy_command_txt",
	".eddy_values_of_all_input_parameters",
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func eqValue(args []string, flag string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return ""
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

func stem(path string) string {
	return strings.TrimSuffix(path, ".nii.gz")
}
