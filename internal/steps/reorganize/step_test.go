package reorganize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/steptest"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const orientation = `[1,0,0,0,1,0]`

func bidsDir(env *steptest.Env, sub string) string {
	return filepath.Join(env.Layout.BIDSSessionDir(), sub)
}

func seedT1w(t *testing.T, env *steptest.Env) {
	t.Helper()
	anat := bidsDir(env, workflow.AnatDir)
	env.Write(t, filepath.Join(anat, "sub-01_ses-T1_acq-mprage_T1w.json"), `{"ProtocolName": "t1_mprage"}`)
	env.Touch(t, filepath.Join(anat, "sub-01_ses-T1_acq-mprage_T1w.nii.gz"))
}

// seedEchoes writes n mcGRASE volumes whose echo times decrease with the run
// number. The acquisition is identified by shim.
func seedEchoes(t *testing.T, env *steptest.Env, run0, n int, shim string) {
	t.Helper()
	anat := bidsDir(env, workflow.AnatDir)
	for i := 0; i < n; i++ {
		run := run0 + i
		stem := filepath.Join(anat, fmt.Sprintf("sub-01_ses-T1_acq-grase_run-%03d", run))
		body := fmt.Sprintf(`{"ProtocolName": %q, "ImageOrientationPatientDICOM": %s, "ShimSetting": [%s], "EchoTime": %v, "AcquisitionTime": "10:%02d"}`,
			graseProtocol, orientation, shim, float64(32-i)/100, i)
		env.Write(t, stem+".json", body)
		env.Touch(t, stem+".nii.gz")
	}
}

func seedDwi(t *testing.T, env *steptest.Env) {
	t.Helper()
	dwi := bidsDir(env, workflow.DwiDir)
	for _, dir := range []string{"AP", "PA"} {
		stem := filepath.Join(dwi, "sub-01_ses-T1_dir-"+dir+"_dwi")
		env.Write(t, stem+".json", `{}`)
		env.Write(t, stem+".bval", "0 1000\n")
		env.Write(t, stem+".bvec", "0 1\n0 0\n0 0\n")
		env.Touch(t, stem+".nii.gz")
	}
}

func TestRunReorganizesSession(t *testing.T) {
	env := steptest.New(t)
	seedT1w(t, env)
	seedEchoes(t, env, 0, graseEchoes, "1,2")
	seedDwi(t, env)
	s := New(env.Config)
	result, err := s.Run(context.Background(), env.Context)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != step.StatusCompleted {
		t.Fatalf("unexpected status: %+v", result)
	}
	mrcat := env.Find("mrcat")
	if mrcat == nil {
		t.Fatalf("mcGRASE was not stacked: %v", env.Lines())
	}
	if got, want := len(mrcat), 1+4+graseEchoes+1; got != want {
		t.Fatalf("mrcat argument count = %d, want %d", got, want)
	}
	// Run 31 has the shortest echo time.
	if !strings.HasSuffix(mrcat[5], "run-031.nii.gz") || !strings.HasSuffix(mrcat[len(mrcat)-2], "run-000.nii.gz") {
		t.Fatalf("volumes not sorted by echo time: %v", mrcat)
	}
	if got := mrcat[len(mrcat)-1]; got != "$DATA/sub-01/ses-T1/anat/sub-01_ses-T1_mcGRASE.nii.gz" {
		t.Fatalf("unexpected mrcat output %s", got)
	}

	var converted [][]string
	for _, argv := range env.Commands() {
		if argv[0] == "mrconvert" {
			converted = append(converted, argv)
		}
	}
	want := [][]string{
		{"mrconvert", "-strides", "1,2,3", "-quiet", "-force",
			"$DATA/sourcedata/BIDS/sub-01/ses-T1/anat/sub-01_ses-T1_acq-mprage_T1w.nii.gz",
			"$DATA/sub-01/ses-T1/anat/sub-01_ses-T1_acq-mprage_T1w.nii.gz"},
		{"mrconvert", "-strides", "1,2,3", "-quiet", "-force",
			"$DATA/sourcedata/BIDS/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-AP_dwi.nii.gz",
			"$DATA/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-AP_dwi.nii.gz"},
		{"mrconvert", "-strides", "1,2,3", "-quiet", "-force",
			"$DATA/sourcedata/BIDS/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-PA_dwi.nii.gz",
			"$DATA/sub-01/ses-T1/dwi/sub-01_ses-T1_dir-PA_dwi.nii.gz"},
	}
	if diff := cmp.Diff(want, converted); diff != "" {
		t.Fatalf("mrconvert mismatch (-want +got):\n%s", diff)
	}
	for _, ext := range []string{".bval", ".bvec"} {
		if !env.Exists(filepath.Join(env.Layout.RawDwiDir(), "sub-01_ses-T1_dir-AP_dwi"+ext)) {
			t.Fatalf("%s was not copied", ext)
		}
	}

	payload, meta, err := artifact.ReadSidecar(artifact.SidecarFor(env.Context.Path(artifact.RawT1w)))
	if err != nil {
		t.Fatalf("read T1w side-car: %v", err)
	}
	if payload["ProtocolName"] != "t1_mprage" || meta.StepID != stepID {
		t.Fatalf("BIDS side-car was not merged: %v", payload)
	}

	data, err := os.ReadFile(artifact.SidecarFor(env.Context.Path(artifact.McGRASE)))
	if err != nil {
		t.Fatalf("read mcGRASE json: %v", err)
	}
	var grase struct {
		EchoTime        []float64
		AcquisitionTime []string
	}
	if err := json.Unmarshal(data, &grase); err != nil {
		t.Fatalf("decode mcGRASE json: %v", err)
	}
	if len(grase.EchoTime) != graseEchoes || grase.EchoTime[0] != 0.01 || grase.EchoTime[31] != 0.32 {
		t.Fatalf("echo times not sorted: %v", grase.EchoTime)
	}
	if grase.AcquisitionTime[0] != "10:31" {
		t.Fatalf("acquisition times not reordered: %v", grase.AcquisitionTime)
	}

	done, err := s.IsComplete(env.Context)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !done {
		t.Fatalf("expected reorganized session to be complete")
	}
	env.Fake.Reset()
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := len(env.Commands()); n != 0 {
		t.Fatalf("second run should skip everything, ran %v", env.Lines())
	}
}

func TestIncompleteEchoGroupIsSkipped(t *testing.T) {
	env := steptest.New(t)
	seedT1w(t, env)
	seedEchoes(t, env, 0, graseEchoes-1, "1,2")
	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.Count("mrcat") != 0 {
		t.Fatalf("31 echoes must not be stacked")
	}
	if env.Count("mrconvert") != 1 {
		t.Fatalf("T1w should still be reorganized: %v", env.Lines())
	}
}

func TestTwoCompleteEchoGroupsFail(t *testing.T) {
	env := steptest.New(t)
	seedEchoes(t, env, 0, graseEchoes, "1,2")
	seedEchoes(t, env, 100, graseEchoes, "3,4")
	_, err := New(env.Config).Run(context.Background(), env.Context)
	if err == nil || !strings.Contains(err.Error(), "more than 1 mcGRASE dataset") {
		t.Fatalf("expected duplicate dataset error, got %v", err)
	}
}

func TestSidecarImageCountMismatchFails(t *testing.T) {
	env := steptest.New(t)
	seedT1w(t, env)
	env.Touch(t, filepath.Join(bidsDir(env, workflow.AnatDir), "sub-01_ses-T1_acq-mprage_T2w.nii.gz"))
	_, err := New(env.Config).IsComplete(env.Context)
	if err == nil || !strings.Contains(err.Error(), "different number of .json and .nii.gz") {
		t.Fatalf("expected count mismatch error, got %v", err)
	}
}

func TestMissingBIDSSessionIsComplete(t *testing.T) {
	env := steptest.New(t)
	s := New(env.Config)
	done, err := s.IsComplete(env.Context)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !done {
		t.Fatalf("nothing to reorganize without a BIDS session")
	}
	result, err := s.Run(context.Background(), env.Context)
	if err != nil || result.Status != step.StatusNoOp {
		t.Fatalf("expected no-op, got %+v %v", result, err)
	}
}

func TestFailedStackLeavesNoSidecar(t *testing.T) {
	env := steptest.New(t)
	seedT1w(t, env)
	seedEchoes(t, env, 0, graseEchoes, "1,2")
	boom := errors.New("mrcat: dimension mismatch")
	env.Fake.Fail("mrcat", boom)

	s := New(env.Config)
	if _, err := s.Run(context.Background(), env.Context); !errors.Is(err, boom) {
		t.Fatalf("expected mrcat failure, got %v", err)
	}
	if env.Exists(artifact.SidecarFor(env.Context.Path(artifact.McGRASE))) {
		t.Fatalf("mcGRASE side-car written although mrcat failed")
	}
}
