package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/neuropipe/internal/workflow"
)

// ErrNoSidecar reports an artifact that exists without a _neuropipe block.
var ErrNoSidecar = errors.New("artifact: provenance side-car missing")

const (
	blockKey      = "_neuropipe"
	originKey     = "Origin function"
	descKey       = "Description"
	timeKey       = "Time"
	defaultKey    = "Output_filename"
	timeLayout    = "2006-01-02T15:04:05Z07:00"
	sidecarIndent = "  "
)

// Provenance is the human-readable part of a side-car.
type Provenance struct {
	Origin      string
	Description string
	FileKey     string
	File        string
	Time        time.Time
}

// Store manages provenance IO for one subject/session layout.
type Store struct {
	layout *workflow.Layout
	now    func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore builds a store for a layout.
func NewStore(layout *workflow.Layout, opts ...StoreOption) *Store {
	store := &Store{
		layout: layout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Layout returns the layout artifacts are resolved against.
func (s *Store) Layout() *workflow.Layout { return s.layout }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(ref ArtifactRef) (CheckResult, error) {
	path := ref.Path(s.layout)
	if path == "" {
		err := fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	if ref.Kind == KindDirectory && !info.IsDir() {
		return invalidResult(ref, path, fmt.Errorf("artifact: %s expected directory", ref.ID))
	}
	if ref.Kind != KindDirectory && info.IsDir() {
		return invalidResult(ref, path, fmt.Errorf("artifact: %s expected file got directory", ref.ID))
	}
	_, meta, err := ReadSidecar(ref.SidecarPath(s.layout))
	switch {
	case errors.Is(err, ErrNoSidecar):
		return CheckResult{Ref: ref, Path: path, State: StateReady, Err: err}, nil
	case err != nil:
		return invalidResult(ref, path, err)
	}
	return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: meta}, nil
}

// Record writes the side-car of a catalogued artifact.
func (s *Store) Record(ref ArtifactRef, prov Provenance, meta Metadata) error {
	path := ref.Path(s.layout)
	if path == "" {
		return fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
	}
	prepared := meta.WithDefaults(ref, s.now())
	if err := prepared.ValidateFor(ref); err != nil {
		return err
	}
	if prov.File == "" {
		prov.File = path
	}
	if ref.Kind == KindDirectory {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	return s.WriteSidecar(ref.SidecarPath(s.layout), prov, &prepared)
}

// WriteSidecar merges prov and meta into the JSON object at path. Keys that
// belong to another writer (dcm2bids, the scanner) are preserved.
func (s *Store) WriteSidecar(path string, prov Provenance, meta *Metadata) error {
	payload := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("artifact: side-car %s is not a JSON object: %w", path, err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("artifact: read side-car %s: %w", path, err)
	}
	if prov.Time.IsZero() {
		prov.Time = s.now()
	}
	key := prov.FileKey
	if key == "" {
		key = defaultKey
	}
	payload[originKey] = prov.Origin
	payload[descKey] = prov.Description
	payload[key] = prov.File
	payload[timeKey] = prov.Time.Format(time.ANSIC)
	if meta != nil {
		payload[blockKey] = metadataToJSON(*meta)
	}
	encoded, err := json.MarshalIndent(payload, "", sidecarIndent)
	if err != nil {
		return fmt.Errorf("artifact: encode side-car %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(encoded, '\n'), 0o644)
}

// ReadSidecar returns the side-car payload and its _neuropipe block.
// ErrNoSidecar is returned when either is absent.
func ReadSidecar(path string) (map[string]any, *Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNoSidecar
		}
		return nil, nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("artifact: parse side-car %s: %w", path, err)
	}
	raw, ok := payload[blockKey]
	if !ok {
		return payload, nil, ErrNoSidecar
	}
	metaMap, ok := raw.(map[string]any)
	if !ok {
		return payload, nil, fmt.Errorf("artifact: invalid %s block in %s", blockKey, path)
	}
	meta, err := metadataFromMap(metaMap)
	if err != nil {
		return payload, nil, err
	}
	return payload, &meta, nil
}

func invalidResult(ref ArtifactRef, path string, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, Path: path, State: StateInvalid, Err: err}, err
}

func metadataToJSON(meta Metadata) map[string]any {
	result := map[string]any{
		"step":    meta.StepID,
		"version": meta.Version,
		"subject": meta.Subject,
		"session": meta.Session,
		"inputs":  append([]string{}, meta.Inputs...),
		"created": meta.CreatedAt.UTC().Format(timeLayout),
	}
	if meta.ArtifactID != "" {
		result["artifact"] = meta.ArtifactID
	}
	if meta.RunID != "" {
		result["run"] = meta.RunID
	}
	if meta.Checksum != "" {
		result["checksum"] = meta.Checksum
	}
	if len(meta.Notes) > 0 {
		result["notes"] = cloneNotes(meta.Notes)
	}
	return result
}

func metadataFromMap(values map[string]any) (Metadata, error) {
	stepID := stringValue(values["step"])
	version := stringValue(values["version"])
	if stepID == "" || version == "" {
		return Metadata{}, fmt.Errorf("artifact: incomplete metadata")
	}
	created := stringValue(values["created"])
	if created == "" {
		return Metadata{}, fmt.Errorf("artifact: metadata missing created timestamp")
	}
	timeValue, err := parseTime(created)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ArtifactID: stringValue(values["artifact"]),
		StepID:     stepID,
		Version:    version,
		Subject:    stringValue(values["subject"]),
		Session:    stringValue(values["session"]),
		RunID:      stringValue(values["run"]),
		Inputs:     sliceStringValue(values["inputs"]),
		CreatedAt:  timeValue,
		Checksum:   stringValue(values["checksum"]),
		Notes:      mapStringValue(values["notes"]),
	}, nil
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return t.UTC(), nil
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func sliceStringValue(value any) []string {
	arr, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := stringValue(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mapStringValue(value any) map[string]string {
	raw, ok := value.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s := stringValue(v); s != "" {
			out[k] = s
		}
	}
	return out
}
