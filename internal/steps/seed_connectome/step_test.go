package seed_connectome

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func TestRunExtractsSeedTractsAndMatrix(t *testing.T) {
	env := steptest.New(t, steptest.WithConfig(func(cfg *config.Config) {
		cfg.Project.ROI.Striatum = []string{"v_d_Ca_L", "vm_dl_PU_R"}
	}))
	env.TouchRefs(t, artifact.Tractogram, artifact.Sift2, artifact.GlobalMask,
		artifact.SeedROIDwi("v_d_Ca_L"), artifact.SeedROIDwi("vm_dl_PU_R"))
	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantTools := []string{"tckedit", "tckedit", "tck2connectome", "tck2connectome", "tck2connectome"}
	if diff := cmp.Diff(wantTools, env.Fake.Names()); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
	proc := "$DATA/derivatives/01_dwi/sub-01/ses-T1/dwi/proc/sub-01_ses-T1"
	striat := "$DATA/derivatives/01_tracts/sub-01/ses-T1/striat"
	if diff := cmp.Diff([]string{
		"tckedit", proc + "_iFOD2.tck", striat + "/tracts_tckedit/sub-01_ses-T1_v_d_Ca_L.tck",
		"-include", striat + "/sub-01_ses-T1_roi_v_d_Ca_L_dwi_ants.nii.gz",
		"-tck_weights_in", proc + "_sift.txt",
		"-tck_weights_out", striat + "/tracts_tckedit/sub-01_ses-T1_v_d_Ca_L_sift2.txt",
		"-force",
	}, env.Commands()[0]); diff != "" {
		t.Fatalf("tckedit mismatch (-want +got):\n%s", diff)
	}
	last := env.Commands()[4]
	if diff := cmp.Diff([]string{"-symmetric", "-zero_diagonal", "-force"}, last[len(last)-3:]); diff != "" {
		t.Fatalf("matrix flags mismatch (-want +got):\n%s", diff)
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected step to be complete")
	}
	env.Fake.Reset()
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := len(env.Fake.Names()); n != 0 {
		t.Fatalf("second run should skip every stage, ran %d", n)
	}
}
