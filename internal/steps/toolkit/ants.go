package toolkit

import (
	"context"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/workflow"
)

// ANTs interpolation modes accepted by antsApplyTransforms.
const (
	InterpLinear          = "Linear"
	InterpNearestNeighbor = "NearestNeighbor"
	InterpMultiLabel      = "MultiLabel"
)

// WarpT1wToMeanB0 is the T1w brain to mean b0 transform computed by
// anat-to-dwi and reused by every later step that maps into diffusion space.
const WarpT1wToMeanB0 = "T1w2meanB0_ants"

// Registration maps Input into the space of Fixed through the SyN warp
// computed from Moving to Fixed. Inverse applies the warp backwards and
// resamples onto Moving.
type Registration struct {
	Input       string
	Output      string
	WarpDir     string
	WarpName    string
	Moving      string
	Fixed       string
	Inverse     bool
	Interp      string
	Description string
	// Shared marks a warp computed by another step. It is reused whenever it
	// exists, even when this step is forced.
	Shared bool
}

// ToMeanB0 maps a T1w-space image into diffusion space. Only the step owning
// the warp may recompute it.
func (k *Kit) ToMeanB0(input, output, interp, description string, owner bool) Registration {
	return Registration{
		Input:       input,
		Output:      output,
		WarpName:    WarpT1wToMeanB0,
		Moving:      k.Path(artifact.T1wBrain),
		Fixed:       k.Path(artifact.MeanB0Bet),
		Interp:      interp,
		Description: description,
		Shared:      !owner,
	}
}

// WarpPrefix returns <warpDir>/<warpName>, defaulting warpDir to the pair's
// warps folder.
func (k *Kit) WarpPrefix(r Registration) string {
	dir := r.WarpDir
	if dir == "" {
		dir = k.sc.Layout.WarpsDir()
	}
	return filepath.Join(dir, r.WarpName)
}

// Register computes the warp when needed and applies it to Input.
func (k *Kit) Register(ctx context.Context, r Registration) error {
	prefix := k.WarpPrefix(r)
	if err := k.ensureWarp(ctx, r, prefix); err != nil {
		return err
	}
	interp := r.Interp
	if interp == "" {
		interp = InterpLinear
	}
	args := []string{"-d", "3", "-i", r.Input}
	if r.Inverse {
		args = append(args,
			"-r", r.Moving,
			"-o", r.Output,
			"-n", interp,
			"-t", "["+prefix+"0GenericAffine.mat,1]",
			"-t", prefix+"1InverseWarp.nii.gz",
		)
	} else {
		args = append(args,
			"-r", r.Fixed,
			"-o", r.Output,
			"-n", interp,
			"-t", prefix+"1Warp.nii.gz",
			"-t", prefix+"0GenericAffine.mat",
		)
	}
	return k.Run(ctx, Stage{
		Cmd:         k.Cmd("antsApplyTransforms", args...),
		Output:      r.Output,
		Description: r.Description,
		Key:         "Anat_filename",
	})
}

func (k *Kit) ensureWarp(ctx context.Context, r Registration, prefix string) error {
	if k.warps[prefix] {
		return nil
	}
	warp := prefix + "1Warp.nii.gz"
	also := []string{prefix + "0GenericAffine.mat", prefix + "1InverseWarp.nii.gz"}
	if allExist(append([]string{warp}, also...)) && (r.Shared || !k.force) {
		k.Logger().Debug("reusing warp", zap.String("warp", warp))
		return nil
	}
	if err := Require("moving image", r.Moving); err != nil {
		return err
	}
	if err := Require("fixed image", r.Fixed); err != nil {
		return err
	}
	cmd := k.Cmd("antsRegistrationSyN.sh",
		"-d", "3",
		"-f", r.Fixed,
		"-m", r.Moving,
		"-o", prefix,
		"-n", strconv.Itoa(k.sc.Config.Project.Threads.ANTs),
	)
	st := Stage{
		Cmd:         cmd,
		Output:      warp,
		Also:        also,
		Description: "ANTs SyN registration " + filepath.Base(r.Moving) + " to " + filepath.Base(r.Fixed),
		Key:         "Warp_filename",
	}
	if err := k.produce(ctx, st); err != nil {
		return err
	}
	k.warps[prefix] = true
	return nil
}

func allExist(paths []string) bool {
	for _, path := range paths {
		if !workflow.Exists(path) {
			return false
		}
	}
	return true
}
