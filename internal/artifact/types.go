// Package artifact defines the filesystem-level contracts (inputs/outputs)
// that pipeline steps exchange. Each artifact has a stable identifier, a kind,
// and a resolver that maps it to a path inside the dataset for one
// subject/session pair. Every derived artifact carries a JSON provenance
// side-car next to it.

package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/neuropipe/internal/workflow"
)

// Kind captures the storage shape of an artifact.
type Kind string

const (
	// KindImage is a NIfTI or MGZ volume.
	KindImage Kind = "image"
	// KindTable is a text or CSV table (weights, response functions, metrics).
	KindTable Kind = "table"
	// KindTract is an MRtrix .tck tractogram.
	KindTract Kind = "tract"
	// KindJSON is a JSON document whose provenance lives inside it.
	KindJSON Kind = "json"
	// KindDirectory is a directory whose provenance lives in .provenance.json.
	KindDirectory Kind = "directory"
)

// PathResolver returns the fully-qualified path of an artifact for one pair.
type PathResolver func(*workflow.Layout) string

// ArtifactRef declares a stable identifier and metadata for an artifact.
type ArtifactRef struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Optional    bool
	path        PathResolver
}

// NewRef builds a reference. Steps use it for per-seed artifacts that are not
// part of the static catalogue.
func NewRef(id, name, desc string, kind Kind, resolver PathResolver) ArtifactRef {
	return ArtifactRef{ID: id, Name: name, Description: desc, Kind: kind, path: resolver}
}

// AsOptional returns a copy the resolver tolerates being absent.
func (r ArtifactRef) AsOptional() ArtifactRef {
	r.Optional = true
	return r
}

// Path resolves the artifact path for the provided layout.
func (r ArtifactRef) Path(l *workflow.Layout) string {
	if l == nil || r.path == nil {
		return ""
	}
	return filepath.Clean(r.path(l))
}

// SidecarPath resolves where the artifact's provenance is stored.
func (r ArtifactRef) SidecarPath(l *workflow.Layout) string {
	path := r.Path(l)
	if path == "" {
		return ""
	}
	switch r.Kind {
	case KindJSON:
		return path
	case KindDirectory:
		return filepath.Join(path, workflow.ProvenanceFile)
	default:
		return SidecarFor(path)
	}
}

// Validate ensures the reference is well-formed.
func (r ArtifactRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("artifact: kind is required for %s", r.ID)
	}
	if r.path == nil {
		return fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	return nil
}

var multiExtensions = []string{".nii.gz", ".tar.gz"}

// SidecarFor maps a file to its JSON side-car: the extension is replaced by
// .json, so sub-01_ses-T1_dwi.nii.gz pairs with sub-01_ses-T1_dwi.json.
func SidecarFor(path string) string {
	for _, ext := range multiExtensions {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + ".json"
		}
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

// Metadata captures provenance stored inside the _neuropipe side-car block.
type Metadata struct {
	ArtifactID string
	StepID     string
	Version    string
	Subject    string
	Session    string
	RunID      string
	Inputs     []string
	CreatedAt  time.Time
	Checksum   string
	Notes      map[string]string
}

// WithDefaults ensures metadata carries the artifact ID and timestamps.
func (m Metadata) WithDefaults(ref ArtifactRef, now time.Time) Metadata {
	clone := m
	if clone.ArtifactID == "" {
		clone.ArtifactID = ref.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	return clone
}

// ValidateFor ensures metadata matches the artifact contract.
func (m Metadata) ValidateFor(ref ArtifactRef) error {
	if m.ArtifactID != ref.ID {
		return fmt.Errorf("artifact: metadata id %s does not match ref %s", m.ArtifactID, ref.ID)
	}
	if m.StepID == "" {
		return fmt.Errorf("artifact: step id is required for %s", ref.ID)
	}
	if m.Version == "" {
		return fmt.Errorf("artifact: version is required for %s", ref.ID)
	}
	return nil
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Ref      ArtifactRef
	Path     string
	State    State
	Metadata *Metadata
	Err      error
}

// helper to register global references
func register(ref ArtifactRef) ArtifactRef {
	if refs == nil {
		refs = map[string]ArtifactRef{}
	}
	refs[ref.ID] = ref
	return ref
}

var refs map[string]ArtifactRef

// Lookup returns a registered artifact reference by ID.
func Lookup(id string) (ArtifactRef, bool) {
	ref, ok := refs[id]
	return ref, ok
}

func newImageRef(id, name, desc string, resolver PathResolver) ArtifactRef {
	return NewRef(id, name, desc, KindImage, resolver)
}

func newTableRef(id, name, desc string, resolver PathResolver) ArtifactRef {
	return NewRef(id, name, desc, KindTable, resolver)
}

func newTractRef(id, name, desc string, resolver PathResolver) ArtifactRef {
	return NewRef(id, name, desc, KindTract, resolver)
}

func newDirectoryRef(id, name, desc string, resolver PathResolver) ArtifactRef {
	return NewRef(id, name, desc, KindDirectory, resolver)
}

// in builds a resolver for <dir>/<subject>_<session><suffix>.
func in(dir func(*workflow.Layout) string, suffix string) PathResolver {
	return func(l *workflow.Layout) string { return l.Name(dir(l), suffix) }
}
