package workflow

import (
	"path/filepath"
	"testing"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
)

func TestLayoutPairPaths(t *testing.T) {
	root := "/data"
	base := NewLayout(root, LayoutOptions{DicomDir: "/inbox", RemoteDir: "/srv/study", Study: "fMRI_study"})
	l := base.ForPair(cohort.Pair{Subject: "sub-51T01", Session: "ses-T1"})

	cases := map[string]struct{ got, want string }{
		"dicom":        {l.DicomDir(), "/inbox/51T01_T1"},
		"bids":         {l.BIDSSessionDir(), "/data/sourcedata/BIDS/sub-51T01/ses-T1"},
		"raw anat":     {l.RawAnatDir(), "/data/sub-51T01/ses-T1/anat"},
		"remote dwi":   {l.RemoteDwiDir(), "/srv/study/sub-51T01/ses-T1/dwi"},
		"preproc":      {l.PreprocDir(), "/data/derivatives/01_dwi/sub-51T01/ses-T1/dwi/preproc"},
		"proc":         {l.ProcDir(), "/data/derivatives/01_dwi/sub-51T01/ses-T1/dwi/proc"},
		"transplant":   {l.TransplantDir(), "/data/derivatives/00_lesion_transplantation/sub-51T01/ses-T1/anat/lesion_transplantation"},
		"freesurfer":   {l.FreeSurferMRIDir(), "/data/derivatives/01_freesurfer/sub-51T01-ses-T1/mri"},
		"mni":          {l.MNIDir(), "/data/derivatives/01_mni/sub-51T01/ses-T1"},
		"lesion mni":   {l.LesionMNIDir(), "/data/derivatives/01_lesions/sub-51T01/ses-T1/mni"},
		"tckedit":      {l.TckeditDir(), "/data/derivatives/01_tracts/sub-51T01/ses-T1/striat/tracts_tckedit"},
		"masks":        {l.MasksDir(), "/data/derivatives/01_tracts/sub-51T01/ses-T1/roi2roi/fMRI_study/masks"},
		"analysis":     {l.AnalysisDir(), "/data/derivatives/01_analysis"},
		"name":         {l.Name(l.PreprocDir(), "_dwi.nii.gz"), "/data/derivatives/01_dwi/sub-51T01/ses-T1/dwi/preproc/sub-51T01_ses-T1_dwi.nii.gz"},
		"trash":        {l.Trash(l.DerivAnatDir()), "/data/derivatives/01_dwi/sub-51T01/ses-T1/anat/trash"},
		"freesurf sub": {l.FreeSurferSubject(), "sub-51T01-ses-T1"},
	}
	for name, tc := range cases {
		if filepath.ToSlash(tc.got) != tc.want {
			t.Errorf("%s = %s, want %s", name, tc.got, tc.want)
		}
	}
	if base.Pair() != (cohort.Pair{}) {
		t.Fatalf("ForPair must not mutate the base layout")
	}
	if !l.HasRemote() {
		t.Fatalf("expected remote to be configured")
	}
}

func TestLayoutForConfig(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.NewConfig(root, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Project.FreeSurfer.Brainstem = config.BrainstemSegmentBS
	l := LayoutFor(cfg).ForPair(cohort.Pair{Subject: "sub-01", Session: "ses-T1"})
	if got := l.DicomDir(); got != filepath.Join(root, "sourcedata", "dicom", "01_T1") {
		t.Fatalf("dicom dir = %s", got)
	}
	if got := filepath.Base(l.BrainstemLabelsPath()); got != "brainstemSsLabels.v13.FSvoxelSpace.mgz" {
		t.Fatalf("brainstem labels = %s", got)
	}
	if got := filepath.Base(l.StudyDir()); got != "fMRI_study" {
		t.Fatalf("study dir = %s", got)
	}
	if l.HasRemote() {
		t.Fatalf("default config has no remote")
	}
}
