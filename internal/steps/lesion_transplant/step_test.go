package lesion_transplant

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
)

func TestRunTransplantsCombinedLesion(t *testing.T) {
	env := steptest.New(t, steptest.WithLesion())
	env.TouchRefs(t, artifact.RawT1w, artifact.AcuteLesion)
	env.Write(t, env.Context.Path(artifact.CombinedLesion), "combined")
	s := New(true)
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted {
		t.Fatalf("unexpected status: %+v", result)
	}
	wantTools := []string{
		"fslswapdim", "fslmaths", "fslmaths", "fslmaths", "fslmaths",
		"fslswapdim", "fslswapdim", "fslmaths", "fslmaths",
		"antsRegistrationSyN.sh", "antsApplyTransforms",
		"fslmaths", "fslmaths",
	}
	if diff := cmp.Diff(wantTools, env.Fake.Names()); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
	tx := "$DATA/derivatives/00_lesion_transplantation/sub-01/ses-T1/anat/lesion_transplantation/sub-01_ses-T1"
	les := "$DATA/derivatives/00_lesion_transplantation/sub-01/ses-T1/lesion/sub-01_ses-T1"
	warp := "$DATA/derivatives/00_lesion_transplantation/sub-01/ses-T1/warps/T1w_flipped2T1w_without_les"
	cmds := env.Commands()
	if diff := cmp.Diff([]string{
		"fslswapdim", "$DATA/sub-01/ses-T1/anat/sub-01_ses-T1_acq-mprage_T1w.nii.gz", "-x", "y", "z", tx + "_acq-mprage_T1w_flipped.nii.gz",
	}, cmds[0]); diff != "" {
		t.Fatalf("flip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"fslmaths", les + "_T1w_label-lesion_roi.nii.gz", "-sub", "1", "-abs", les + "_T1w_label-lesion_roi_inversed.nii.gz",
	}, cmds[2]); diff != "" {
		t.Fatalf("inverse mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"antsRegistrationSyN.sh", "-d", "3",
		"-f", tx + "_T1w_with_no_coregistered_lesion.nii.gz",
		"-m", tx + "_T1w_flipped_with_no_coregistered_lesion.nii.gz",
		"-o", warp,
		"-n", "8",
	}, cmds[9]); diff != "" {
		t.Fatalf("registration mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"fslmaths", tx + "_T1w_without_lesion_mask.nii.gz", "-add", les + "_T1w_label-lesion_extracted_T1w_coregistered.nii.gz", tx + "_T1w_with_transplanted_lesion.nii.gz",
	}, cmds[12]); diff != "" {
		t.Fatalf("transplant mismatch (-want +got):\n%s", diff)
	}
	data, err := env.ReadFile(env.Context.Path(artifact.TransplantLesion))
	if err != nil || data != "combined" {
		t.Fatalf("combined lesion should win, got %q %v", data, err)
	}
	payload, _, err := artifact.ReadSidecar(artifact.SidecarFor(env.Context.Path(artifact.T1wTransplanted)))
	if err != nil {
		t.Fatalf("read side-car: %v", err)
	}
	if payload["Anat_filename"] != env.Context.Path(artifact.T1wTransplanted) {
		t.Fatalf("unexpected side-car: %v", payload)
	}
	if done, _ := s.IsComplete(env.Context); !done {
		t.Fatalf("expected transplantation to be complete")
	}
}

func TestMissingLesionAsksForManualMask(t *testing.T) {
	env := steptest.New(t, steptest.WithLesion())
	env.TouchRefs(t, artifact.RawT1w)
	_, err := New(true).Run(context.Background(), env.Context)
	if err == nil || !strings.Contains(err.Error(), "manually draw a lesion mask") {
		t.Fatalf("expected manual mask error, got %v", err)
	}
	if !strings.HasSuffix(err.Error(), "_T1w_label-acutelesion_roi.nii.gz") {
		t.Fatalf("error should name the acute lesion path: %v", err)
	}
}

func TestLesionModeOffIsNoOp(t *testing.T) {
	env := steptest.New(t)
	s := New(false)
	if len(s.Outputs()) != 0 {
		t.Fatalf("no outputs expected outside lesion mode")
	}
	done, err := s.IsComplete(env.Context)
	if err != nil || !done {
		t.Fatalf("expected complete, got %v %v", done, err)
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil || result.Status != step.StatusNoOp {
		t.Fatalf("expected no-op, got %+v %v", result, err)
	}
}
