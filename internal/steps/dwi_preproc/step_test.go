package dwi_preproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
	"github.com/kingrea/neuropipe/internal/workflow"
)

func seed(t *testing.T, env *steptest.Env) {
	t.Helper()
	env.TouchRefs(t, artifact.RawDwiAP, artifact.RawDwiPA, artifact.RawDwiAPBval, artifact.RawDwiAPBvec)
	env.Touch(t, env.Config.Project.Paths.Acqparams, env.Config.Project.Paths.EddyIndex)
}

func TestRunChainsPreprocessingTools(t *testing.T) {
	env := steptest.New(t)
	seed(t, env)
	s := New(env.Config)
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted {
		t.Fatalf("unexpected status: %+v", result)
	}
	wantTools := []string{
		"mrdegibbs", "mrdegibbs",
		"fslroi", "fslroi", "fslmerge", "fslmaths", "bet",
		"topup",
		"eddy_openmp",
		"fast", "fslmaths",
		"dwiextract", "mrmath", "bet",
	}
	if diff := cmp.Diff(wantTools, env.Fake.Names()); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
	pre := "$DATA/derivatives/01_dwi/sub-01/ses-T1/dwi/preproc/sub-01_ses-T1"
	wantEddy := []string{
		"eddy_openmp",
		"--imain=" + pre + "_dir-AP_degibbsDwi.nii.gz",
		"--mask=" + pre + "_dir-APPA_meanB0brain.nii.gz",
		"--index=$DATA/code/eddy/eddy_index.txt",
		"--mb=2",
		"--acqp=$DATA/code/eddy/acqparams.txt",
		"--bvals=$DATA/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-AP_dwi.bval",
		"--topup=" + pre + "_topup",
		"--bvecs=$DATA/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-AP_dwi.bvec",
		"--out=" + pre + "_eddy",
		"--data_is_shelled",
	}
	if diff := cmp.Diff(wantEddy, env.Find("eddy_openmp")); diff != "" {
		t.Fatalf("eddy mismatch (-want +got):\n%s", diff)
	}
	wantTopup := []string{
		"topup",
		"--imain=" + pre + "_dir-APPA_b0s.nii.gz",
		"--datain=$DATA/code/eddy/acqparams.txt",
		"--out=" + pre + "_topup",
		"--config=b02b0.cnf",
		"--subsamp=1",
	}
	if diff := cmp.Diff(wantTopup, env.Find("topup")); diff != "" {
		t.Fatalf("topup mismatch (-want +got):\n%s", diff)
	}
	for _, ref := range s.Outputs() {
		if !env.Context.Exists(ref) {
			t.Fatalf("missing output %s", ref.ID)
		}
	}
	preproc := env.Layout.PreprocDir()
	if env.Exists(filepath.Join(preproc, "sub-01_ses-T1_eddy.eddy_rotated_bvecs")) {
		t.Fatalf("eddy side file should be in trash")
	}
	if !env.Exists(filepath.Join(preproc, workflow.TrashDir, "sub-01_ses-T1_eddy.eddy_rotated_bvecs")) {
		t.Fatalf("eddy side file missing from trash")
	}
	_, meta, err := artifact.ReadSidecar(artifact.SidecarFor(env.Context.Path(artifact.MeanB0Bet)))
	if err != nil {
		t.Fatalf("read side-car: %v", err)
	}
	if meta.ArtifactID != artifact.MeanB0Bet.ID || len(meta.Inputs) != 4 || meta.Checksum == "" {
		t.Fatalf("unexpected side-car metadata: %+v", meta)
	}
	done, err := s.IsComplete(env.Context)
	if err != nil || !done {
		t.Fatalf("expected complete, got %v %v", done, err)
	}

	env.Fake.Reset()
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if lines := env.Lines(); len(lines) != 0 {
		t.Fatalf("second run should skip every stage, ran %v", lines)
	}
	if _, err := s.Run(context.Background(), env.Force(stepID)); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if got := len(env.Fake.Names()); got != len(wantTools) {
		t.Fatalf("forced run should redo every stage, ran %d", got)
	}
}

func TestRerunRebuildsMissingSecondaryOutputs(t *testing.T) {
	env := steptest.New(t)
	seed(t, env)
	s := New(env.Config)
	ctx := context.Background()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mask := env.Context.Path(artifact.MeanB0BetMsk)
	if err := os.Remove(mask); err != nil {
		t.Fatalf("remove mask: %v", err)
	}
	if done, _ := s.IsComplete(env.Context); done {
		t.Fatalf("step should be incomplete without its mask")
	}
	env.Fake.Reset()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run after losing the mask: %v", err)
	}
	if diff := cmp.Diff([]string{"bet"}, env.Fake.Names()); diff != "" {
		t.Fatalf("only bet -m should rerun (-want +got):\n%s", diff)
	}
	if !env.Exists(mask) {
		t.Fatalf("mask was not rebuilt")
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("step should be complete again")
	}
}

func TestRerunRecoversBvecsFromTrash(t *testing.T) {
	env := steptest.New(t)
	seed(t, env)
	s := New(env.Config)
	ctx := context.Background()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	bvec := env.Context.Path(artifact.DwiBvec)
	trashed := filepath.Join(env.Layout.PreprocDir(), workflow.TrashDir, "sub-01_ses-T1_eddy.eddy_rotated_bvecs")

	if err := os.Remove(bvec); err != nil {
		t.Fatalf("remove bvec: %v", err)
	}
	env.Fake.Reset()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run after losing the bvecs: %v", err)
	}
	if n := env.Count("eddy_openmp"); n != 0 {
		t.Fatalf("eddy reran %d times although the rotated bvecs were in trash", n)
	}
	if !env.Exists(bvec) || !env.Exists(trashed) {
		t.Fatalf("bvecs not restored: bvec=%v trashed=%v", env.Exists(bvec), env.Exists(trashed))
	}

	// Without the trashed copy eddy has to run again.
	if err := os.Remove(bvec); err != nil {
		t.Fatalf("remove bvec: %v", err)
	}
	if err := os.Remove(trashed); err != nil {
		t.Fatalf("remove trashed bvecs: %v", err)
	}
	env.Fake.Reset()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run without trashed bvecs: %v", err)
	}
	if n := env.Count("eddy_openmp"); n != 1 {
		t.Fatalf("eddy ran %d times, want 1", n)
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("step should be complete again")
	}
}

func TestMissingAcqparamsFails(t *testing.T) {
	env := steptest.New(t)
	env.TouchRefs(t, artifact.RawDwiAP, artifact.RawDwiPA, artifact.RawDwiAPBval, artifact.RawDwiAPBvec)
	_, err := New(env.Config).Run(context.Background(), env.Context)
	if err == nil || !strings.HasPrefix(err.Error(), "acqparams not existing: ") {
		t.Fatalf("expected missing acqparams error, got %v", err)
	}
	if len(env.Lines()) != 0 {
		t.Fatalf("no tool should run without inputs")
	}
}

func TestToolFailureStopsChain(t *testing.T) {
	env := steptest.New(t)
	seed(t, env)
	env.Fake.Fail("topup", errors.New("boom"))
	_, err := New(env.Config).Run(context.Background(), env.Context)
	var exit *runner.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if env.Count("eddy_openmp") != 0 {
		t.Fatalf("eddy must not run after topup failed")
	}
}
