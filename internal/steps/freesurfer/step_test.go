package freesurfer

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

const fsDir = "$DATA/derivatives/01_freesurfer"

func TestRunReconstructsWithRecon(t *testing.T) {
	env := steptest.New(t)
	env.TouchRefs(t, artifact.RawT1w)
	s := New(env.Config, false)
	if !s.Info().RequiresExclusiveExecution() {
		t.Fatalf("freesurfer must run alone")
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted {
		t.Fatalf("unexpected status: %+v", result)
	}
	want := [][]string{
		{"mrconvert", fsDir + "/sub-01-ses-T1/mri/orig/sub-01_ses-T1_acq-mprage_T1w.nii.gz", fsDir + "/sub-01-ses-T1/mri/orig/001.mgz"},
		{"recon-all", "-all", "-subjid", "sub-01-ses-T1", "-openmp", "12"},
		{"recon-all", "-s", "sub-01-ses-T1", "-brainstem-structures"},
	}
	if diff := cmp.Diff(want, env.Commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	for _, c := range env.Fake.Commands()[1:] {
		if len(c.Env) != 1 || !strings.HasPrefix(c.Env[0], "SUBJECTS_DIR=") {
			t.Fatalf("SUBJECTS_DIR not set for %s: %v", c.Name, c.Env)
		}
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected reconstruction to be complete")
	}
}

func TestSegmentBSFlavour(t *testing.T) {
	env := steptest.New(t, steptest.WithConfig(func(cfg *config.Config) {
		cfg.Project.FreeSurfer.Brainstem = config.BrainstemSegmentBS
	}))
	env.TouchRefs(t, artifact.RawT1w)
	if _, err := New(env.Config, false).Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"segmentBS.sh", "sub-01-ses-T1", fsDir}
	if diff := cmp.Diff(want, env.Find("segmentBS.sh")); diff != "" {
		t.Fatalf("segmentBS mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasSuffix(env.Context.Path(artifact.FreeSurferBrainstem), "brainstemSsLabels.v13.FSvoxelSpace.mgz") {
		t.Fatalf("segmentBS writes v13 labels")
	}
}

func TestLesionModeUsesTransplantedT1w(t *testing.T) {
	env := steptest.New(t, steptest.WithLesion())
	env.Write(t, env.Context.Path(artifact.RawT1w), "raw")
	env.Write(t, env.Context.Path(artifact.T1wTransplanted), "transplanted")
	if _, err := New(env.Config, true).Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	staged := env.Layout.Name(env.Layout.FreeSurferMRIDir()+"/orig", "_acq-mprage_T1w.nii.gz")
	data, err := env.ReadFile(staged)
	if err != nil || data != "transplanted" {
		t.Fatalf("expected transplanted T1w to be staged, got %q %v", data, err)
	}
}
