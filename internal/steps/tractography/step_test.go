package tractography

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func prepare(t *testing.T) *steptest.Env {
	t.Helper()
	env := steptest.New(t)
	env.TouchRefs(t,
		artifact.DwiPreproc, artifact.DwiBval, artifact.DwiBvec,
		artifact.FiveTTDwi, artifact.T1wDwi, artifact.PveWMDwi,
	)
	return env
}

func TestRunBuildsTractogram(t *testing.T) {
	env := prepare(t)
	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"dwi2response", "dwi2fod", "tckgen", "tcksift2"}, env.Fake.Names()); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
	proc := "$DATA/derivatives/01_dwi/sub-01/ses-T1/dwi/proc/sub-01_ses-T1"
	pre := "$DATA/derivatives/01_dwi/sub-01/ses-T1/dwi/preproc/sub-01_ses-T1"
	want := []string{
		"tckgen", proc + "_fod.nii.gz", proc + "_iFOD2.tck",
		"-algorithm", "iFOD2",
		"-seed_image", pre + "_acq-mprage_T1wPveWM_dwi.nii.gz",
		"-select", "10000000",
		"-force",
		"-minlength", "1.6",
		"-nthreads", "8",
	}
	if diff := cmp.Diff(want, env.Find("tckgen")); diff != "" {
		t.Fatalf("tckgen mismatch (-want +got):\n%s", diff)
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected step to be complete")
	}
}

func TestInvalidationTrashesTractogramAndWeights(t *testing.T) {
	env := prepare(t)
	env.TouchRefs(t, artifact.FOD, artifact.Tractogram, artifact.Sift2)
	s := New(env.Config)

	err := s.OnArtifactInvalidation(env.Context, step.ArtifactInvalidation{
		Artifact: artifact.RespWM,
		Status:   step.ArtifactStatusOutdated,
	})
	if err != nil || !env.Exists(env.Context.Path(artifact.Tractogram)) {
		t.Fatalf("response invalidation must not touch the tractogram: %v", err)
	}
	err = s.OnArtifactInvalidation(env.Context, step.ArtifactInvalidation{
		Artifact: artifact.FOD,
		Status:   step.ArtifactStatusMissing,
	})
	if err != nil || !env.Exists(env.Context.Path(artifact.Tractogram)) {
		t.Fatalf("missing status must be ignored: %v", err)
	}

	err = s.OnArtifactInvalidation(env.Context, step.ArtifactInvalidation{
		Artifact: artifact.FOD,
		Status:   step.ArtifactStatusOutdated,
		Reason:   step.InvalidationReasonVersionMismatch,
	})
	if err != nil {
		t.Fatalf("OnArtifactInvalidation: %v", err)
	}
	for _, ref := range []artifact.ArtifactRef{artifact.Tractogram, artifact.Sift2} {
		path := env.Context.Path(ref)
		if env.Exists(path) {
			t.Fatalf("%s should be trashed", ref.ID)
		}
		if !env.Exists(filepath.Join(filepath.Dir(path), "trash", filepath.Base(path))) {
			t.Fatalf("%s not found in trash", ref.ID)
		}
	}
	if !env.Exists(env.Context.Path(artifact.FOD)) {
		t.Fatalf("FOD must be kept")
	}
}

func TestMissingFiveTTFails(t *testing.T) {
	env := steptest.New(t)
	env.TouchRefs(t, artifact.DwiPreproc, artifact.DwiBval, artifact.DwiBvec)
	if _, err := New(env.Config).Run(context.Background(), env.Context); err == nil {
		t.Fatalf("expected missing 5TT error")
	}
}

func TestRerunRebuildsMissingTissueOutputs(t *testing.T) {
	env := prepare(t)
	s := New(env.Config)
	ctx := context.Background()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	proc := env.Layout.ProcDir()
	lost := []string{
		env.Context.Path(artifact.RespCSF),
		env.Layout.Name(proc, "_fodGM.nii.gz"),
		env.Layout.Name(proc, "_fodCSF.nii.gz"),
	}
	for _, path := range lost {
		if err := os.Remove(path); err != nil {
			t.Fatalf("remove %s: %v", path, err)
		}
	}
	env.Fake.Reset()
	if _, err := s.Run(ctx, env.Context); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if diff := cmp.Diff([]string{"dwi2response", "dwi2fod"}, env.Fake.Names()); diff != "" {
		t.Fatalf("rerun mismatch (-want +got):\n%s", diff)
	}
	for _, path := range lost {
		if !env.Exists(path) {
			t.Fatalf("%s was not rebuilt", env.Rel(path))
		}
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected step to be complete")
	}
}
