package dicom2bids

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func TestRunConvertsInboxFolder(t *testing.T) {
	env := steptest.New(t)
	if err := os.MkdirAll(env.Layout.DicomDir(), 0o755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}
	s := New(env.Config)
	done, err := s.IsComplete(env.Context)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if done {
		t.Fatalf("expected pending conversion")
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted {
		t.Fatalf("unexpected status: %+v", result)
	}
	want := [][]string{{
		"dcm2bids",
		"-d", "$DATA/sourcedata/dicom/01_T1/",
		"-p", "01",
		"-s", "T1",
		"-o", "$DATA/sourcedata/BIDS",
		"-c", "$DATA/code/dcm2bids_config.json",
	}}
	if diff := cmp.Diff(want, env.Commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	payload, meta, err := artifact.ReadSidecar(artifact.BIDSSession.SidecarPath(env.Layout))
	if err != nil {
		t.Fatalf("read side-car: %v", err)
	}
	if meta.StepID != stepID || meta.RunID != "test-run" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if payload["Output_folder"] != env.Context.Path(artifact.BIDSSession) {
		t.Fatalf("side-car missing output folder: %v", payload)
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected conversion to be complete")
	}
}

func TestRunWithoutInboxIsNoOp(t *testing.T) {
	env := steptest.New(t)
	s := New(env.Config)
	done, err := s.IsComplete(env.Context)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !done {
		t.Fatalf("a pair without DICOM folder has nothing to do")
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusNoOp {
		t.Fatalf("unexpected status: %+v", result)
	}
	if n := len(env.Commands()); n != 0 {
		t.Fatalf("expected no commands, got %d", n)
	}
}

func TestForcedRunReconverts(t *testing.T) {
	env := steptest.New(t)
	if err := os.MkdirAll(env.Layout.DicomDir(), 0o755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}
	env.TouchRefs(t, artifact.BIDSSession)
	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := env.Count("dcm2bids"); n != 0 {
		t.Fatalf("existing session should be kept, ran %d times", n)
	}
	if _, err := s.Run(context.Background(), env.Force(stepID)); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if n := env.Count("dcm2bids"); n != 1 {
		t.Fatalf("forced run should reconvert, ran %d times", n)
	}
}
