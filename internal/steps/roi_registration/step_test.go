package roi_registration

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func prepare(t *testing.T) *steptest.Env {
	t.Helper()
	env := steptest.New(t)
	env.TouchRefs(t, artifact.RawT1w, artifact.T1wBrain, artifact.MeanB0Bet)
	warp := env.Layout.WarpsDir() + "/T1w2meanB0_ants"
	env.Touch(t, warp+"1Warp.nii.gz", warp+"0GenericAffine.mat", warp+"1InverseWarp.nii.gz")
	return env
}

func TestRunRegistersClustersTemplateAndSeeds(t *testing.T) {
	env := prepare(t)
	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := env.Count("antsRegistrationSyN.sh"); got != 2 {
		t.Fatalf("expected the two MNI warps only, got %d", got)
	}
	seeds := len(env.Config.Project.ROI.Striatum)
	if got := env.Count("antsApplyTransforms"); got != 4+2*seeds {
		t.Fatalf("expected %d transforms, got %d", 4+2*seeds, got)
	}
	warps := "$DATA/derivatives/01_dwi/sub-01/ses-T1/warps/"
	first := env.Find("antsRegistrationSyN.sh")
	if diff := cmp.Diff([]string{
		"antsRegistrationSyN.sh", "-d", "3",
		"-f", "$DATA/sub-01/ses-T1/anat/sub-01_ses-T1_acq-mprage_T1w.nii.gz",
		"-m", "$DATA/code/MNI152_T1_1mm.nii.gz",
		"-o", warps + "MNI2Tw1_ants",
		"-n", "8",
	}, first); diff != "" {
		t.Fatalf("cluster warp mismatch (-want +got):\n%s", diff)
	}
	for _, seed := range env.Config.Project.ROI.Striatum {
		if !env.Exists(env.Context.Path(artifact.SeedROIDwi(seed))) {
			t.Fatalf("seed %s missing in dwi space", seed)
		}
	}
	for _, line := range env.Lines() {
		if strings.HasPrefix(line, "antsApplyTransforms") && !strings.Contains(line, "-n MultiLabel") {
			t.Fatalf("ROIs must be resampled as labels: %s", line)
		}
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected step to be complete")
	}
}

func TestMissingSeedAtlasFails(t *testing.T) {
	env := prepare(t)
	env.Config.Project.ROI.Striatum = append(env.Config.Project.ROI.Striatum, "absent")
	_, err := New(env.Config).Run(context.Background(), env.Context)
	if err == nil || !strings.Contains(err.Error(), "roi_absent_roi.nii") {
		t.Fatalf("expected missing atlas error, got %v", err)
	}
}
