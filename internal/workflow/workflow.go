// internal/workflow/workflow.go
//
// Defines the dataset directory structure and file naming conventions.
// Raw data follows BIDS; every derived file lives under derivatives/ and is
// named <subject>_<session><suffix>.

package workflow

import (
	"os"
	"path/filepath"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
)

// Directory names within the dataset root.
const (
	SourceDataDir   = "sourcedata"
	BIDSDir         = "BIDS"
	DerivativesDir  = "derivatives"
	AnatDir         = "anat"
	DwiDir          = "dwi"
	TrashDir        = "trash"
	PreprocDir      = "preproc"
	ProcDir         = "proc"
	WarpsDir        = "warps"
	LesionDir       = "lesion"
	StriatDir       = "striat"
	Roi2RoiDir      = "roi2roi"
	MasksDir        = "masks"
	TckeditDir      = "tracts_tckedit"
	FACSVDir        = "FA_csv"
	TransplantDir   = "lesion_transplantation"
	ProvenanceFile  = ".provenance.json"
	derivDwi        = "01_dwi"
	derivTransplant = "00_lesion_transplantation"
	derivFreeSurfer = "01_freesurfer"
	derivMNI        = "01_mni"
	derivLesions    = "01_lesions"
	derivTracts     = "01_tracts"
	derivAnalysis   = "01_analysis"
	mniSpace        = "mni"
)

// LayoutOptions carries the locations that live outside the dataset tree.
type LayoutOptions struct {
	DicomDir        string
	RemoteDir       string
	Study           string
	BrainstemLabels string
}

// Layout resolves every path the pipeline reads or writes. A Layout without a
// pair only answers cohort-level questions.
type Layout struct {
	root string
	opts LayoutOptions
	pair cohort.Pair
}

// NewLayout creates a layout for the dataset rooted at root.
func NewLayout(root string, opts LayoutOptions) *Layout {
	return &Layout{root: filepath.Clean(root), opts: opts}
}

// LayoutFor builds the dataset layout described by cfg.
func LayoutFor(cfg *config.Config) *Layout {
	return NewLayout(cfg.DataDir, LayoutOptions{
		DicomDir:        cfg.Project.Paths.Dicom,
		RemoteDir:       cfg.Project.Paths.Remote,
		Study:           cfg.Project.ROI.Study,
		BrainstemLabels: cfg.BrainstemLabels(),
	})
}

// ForPair returns a copy scoped to one subject/session.
func (l *Layout) ForPair(pair cohort.Pair) *Layout {
	clone := *l
	clone.pair = pair
	return &clone
}

// Root returns the dataset root.
func (l *Layout) Root() string { return l.root }

// Pair returns the subject/session this layout is scoped to.
func (l *Layout) Pair() cohort.Pair { return l.pair }

// Name joins dir with <subject>_<session><suffix>.
func (l *Layout) Name(dir, suffix string) string {
	return filepath.Join(dir, l.pair.String()+suffix)
}

// Trash returns the trash folder next to dir.
func (l *Layout) Trash(dir string) string {
	return filepath.Join(dir, TrashDir)
}

// DicomDir is the inbox folder <dicom>/<subjID>_<sessID>.
func (l *Layout) DicomDir() string {
	return filepath.Join(l.opts.DicomDir, l.pair.SubjectID()+"_"+l.pair.SessionID())
}

// BIDSRoot is where dcm2bids writes.
func (l *Layout) BIDSRoot() string {
	return filepath.Join(l.root, SourceDataDir, BIDSDir)
}

// BIDSSessionDir is the dcm2bids output of the current pair.
func (l *Layout) BIDSSessionDir() string {
	return filepath.Join(l.BIDSRoot(), l.pair.Subject, l.pair.Session)
}

// RawAnatDir is <root>/<subj>/<sess>/anat.
func (l *Layout) RawAnatDir() string {
	return filepath.Join(l.root, l.pair.Subject, l.pair.Session, AnatDir)
}

// RawDwiDir is <root>/<subj>/<sess>/dwi.
func (l *Layout) RawDwiDir() string {
	return filepath.Join(l.root, l.pair.Subject, l.pair.Session, DwiDir)
}

// HasRemote reports whether a server copy is configured.
func (l *Layout) HasRemote() bool { return l.opts.RemoteDir != "" }

// RemoteAnatDir mirrors RawAnatDir on the server copy.
func (l *Layout) RemoteAnatDir() string {
	return filepath.Join(l.opts.RemoteDir, l.pair.Subject, l.pair.Session, AnatDir)
}

// RemoteDwiDir mirrors RawDwiDir on the server copy.
func (l *Layout) RemoteDwiDir() string {
	return filepath.Join(l.opts.RemoteDir, l.pair.Subject, l.pair.Session, DwiDir)
}

// DerivDir is derivatives/01_dwi/<subj>/<sess>.
func (l *Layout) DerivDir() string {
	return filepath.Join(l.root, DerivativesDir, derivDwi, l.pair.Subject, l.pair.Session)
}

// DerivAnatDir holds brain extraction and tissue segmentation.
func (l *Layout) DerivAnatDir() string { return filepath.Join(l.DerivDir(), AnatDir) }

// PreprocDir holds diffusion preprocessing and anat-to-dwi outputs.
func (l *Layout) PreprocDir() string { return filepath.Join(l.DerivDir(), DwiDir, PreprocDir) }

// ProcDir holds response functions, FODs, tractograms and tensor maps.
func (l *Layout) ProcDir() string { return filepath.Join(l.DerivDir(), DwiDir, ProcDir) }

// WarpsDir holds every ANTs transform of the pair.
func (l *Layout) WarpsDir() string { return filepath.Join(l.DerivDir(), WarpsDir) }

// DerivLesionDir holds lesion masks in diffusion space.
func (l *Layout) DerivLesionDir() string { return filepath.Join(l.DerivDir(), LesionDir) }

// TransplantDir holds the lesion transplantation chain.
func (l *Layout) TransplantDir() string {
	return filepath.Join(l.root, DerivativesDir, derivTransplant, l.pair.Subject, l.pair.Session, AnatDir, TransplantDir)
}

// TransplantLesionDir holds the lesion mask used for transplantation.
func (l *Layout) TransplantLesionDir() string {
	return filepath.Join(l.root, DerivativesDir, derivTransplant, l.pair.Subject, l.pair.Session, LesionDir)
}

// FreeSurferDir is SUBJECTS_DIR.
func (l *Layout) FreeSurferDir() string {
	return filepath.Join(l.root, DerivativesDir, derivFreeSurfer)
}

// FreeSurferSubject is the recon-all subject id <subj>-<sess>.
func (l *Layout) FreeSurferSubject() string {
	return l.pair.Subject + "-" + l.pair.Session
}

// FreeSurferMRIDir is SUBJECTS_DIR/<id>/mri.
func (l *Layout) FreeSurferMRIDir() string {
	return filepath.Join(l.FreeSurferDir(), l.FreeSurferSubject(), "mri")
}

// BrainstemLabelsPath is the brainstem segmentation inside FreeSurferMRIDir.
func (l *Layout) BrainstemLabelsPath() string {
	name := l.opts.BrainstemLabels
	if name == "" {
		name = "brainstemSsLabels.v10.FSvoxelSpace.mgz"
	}
	return filepath.Join(l.FreeSurferMRIDir(), name)
}

// MNIDir holds the T1 in MNI space.
func (l *Layout) MNIDir() string {
	return filepath.Join(l.root, DerivativesDir, derivMNI, l.pair.Subject, l.pair.Session)
}

// LesionMNIDir holds lesion masks in MNI space.
func (l *Layout) LesionMNIDir() string {
	return filepath.Join(l.root, DerivativesDir, derivLesions, l.pair.Subject, l.pair.Session, mniSpace)
}

// TractDir is derivatives/01_tracts/<subj>/<sess>.
func (l *Layout) TractDir() string {
	return filepath.Join(l.root, DerivativesDir, derivTracts, l.pair.Subject, l.pair.Session)
}

// StriatDir holds striatum seed ROIs, metrics and tract metrics.
func (l *Layout) StriatDir() string { return filepath.Join(l.TractDir(), StriatDir) }

// TckeditDir holds per-seed tracts.
func (l *Layout) TckeditDir() string { return filepath.Join(l.StriatDir(), TckeditDir) }

// FACSVDir holds tcksample outputs.
func (l *Layout) FACSVDir() string { return filepath.Join(l.StriatDir(), FACSVDir) }

// StudyDir is roi2roi/<study>.
func (l *Layout) StudyDir() string { return filepath.Join(l.TractDir(), Roi2RoiDir, l.opts.Study) }

// MasksDir holds per-ROI masks and the global mask.
func (l *Layout) MasksDir() string { return filepath.Join(l.StudyDir(), MasksDir) }

// AnalysisDir holds cohort-level tables.
func (l *Layout) AnalysisDir() string {
	return filepath.Join(l.root, DerivativesDir, derivAnalysis)
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
