package copy_local

import (
	"context"
	"os"
	"testing"

	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func TestRunCopiesPresentFiles(t *testing.T) {
	env := steptest.New(t, steptest.WithRemote("server"))
	l := env.Layout
	env.Write(t, l.Name(l.RemoteAnatDir(), "_acq-mprage_T1w.nii.gz"), "t1")
	env.Write(t, l.Name(l.RemoteAnatDir(), "_T1w_label-acutelesion_roi.nii.gz"), "lesion")
	env.Write(t, l.Name(l.RemoteDwiDir(), "_dir-AP_dwi.nii.gz"), "ap")
	s := New(env.Config)
	done, err := s.IsComplete(env.Context)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if done {
		t.Fatalf("expected pending copy")
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted || result.Message != "copied 3 files" {
		t.Fatalf("unexpected result: %+v", result)
	}
	data, err := os.ReadFile(l.Name(l.RawAnatDir(), "_acq-mprage_T1w.nii.gz"))
	if err != nil || string(data) != "t1" {
		t.Fatalf("T1w not copied: %q %v", data, err)
	}
	if env.Exists(l.Name(l.RawAnatDir(), "_T1w_label-oldlesion_roi.nii.gz")) {
		t.Fatalf("missing source must be skipped")
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected copy to be complete")
	}
}

func TestExistingTargetsKeptUnlessForced(t *testing.T) {
	env := steptest.New(t, steptest.WithRemote("server"))
	l := env.Layout
	env.Write(t, l.Name(l.RemoteAnatDir(), "_acq-mprage_T1w.nii.gz"), "server")
	target := l.Name(l.RawAnatDir(), "_acq-mprage_T1w.nii.gz")
	env.Write(t, target, "local")
	s := New(env.Config)
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusNoOp {
		t.Fatalf("expected no-op, got %+v", result)
	}
	if _, err := s.Run(context.Background(), env.Force(stepID)); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "server" {
		t.Fatalf("forced run should overwrite, got %q", data)
	}
}

func TestWithoutRemoteIsNoOp(t *testing.T) {
	env := steptest.New(t)
	s := New(env.Config)
	done, err := s.IsComplete(env.Context)
	if err != nil || !done {
		t.Fatalf("expected complete without remote, got %v %v", done, err)
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil || result.Status != step.StatusNoOp {
		t.Fatalf("expected no-op, got %+v %v", result, err)
	}
}
