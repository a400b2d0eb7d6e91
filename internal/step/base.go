package step

import (
	"fmt"

	"github.com/kingrea/neuropipe/internal/artifact"
)

// Base provides common plumbing for steps (identity + IO contracts).
type Base struct {
	info    Info
	inputs  []artifact.ArtifactRef
	outputs []artifact.ArtifactRef
}

// NewBase seeds the helper with step info.
func NewBase(info Info) Base {
	return Base{info: info}
}

// SetInputs declares the required artifacts.
func (b *Base) SetInputs(refs ...artifact.ArtifactRef) {
	b.inputs = append([]artifact.ArtifactRef{}, refs...)
}

// SetOutputs declares the produced artifacts.
func (b *Base) SetOutputs(refs ...artifact.ArtifactRef) {
	b.outputs = append([]artifact.ArtifactRef{}, refs...)
}

// Info implements Step.Info.
func (b *Base) Info() Info {
	return b.info
}

// Inputs implements Step.Inputs.
func (b *Base) Inputs() []artifact.ArtifactRef {
	return append([]artifact.ArtifactRef{}, b.inputs...)
}

// Outputs implements Step.Outputs.
func (b *Base) Outputs() []artifact.ArtifactRef {
	return append([]artifact.ArtifactRef{}, b.outputs...)
}

// OutputsExist is the default completion check: every required output is on
// disk. Optional outputs are ignored. A forced step is never complete.
func (b *Base) OutputsExist(sc *Context) bool {
	if sc.Forced(b.info.ID) {
		return false
	}
	for _, ref := range b.outputs {
		if ref.Optional {
			continue
		}
		if !sc.Exists(ref) {
			return false
		}
	}
	return true
}

// InputFingerprint digests the step's present inputs for this pair.
func (b *Base) InputFingerprint(sc *Context) (string, error) {
	paths := make([]string, 0, len(b.inputs))
	for _, ref := range b.inputs {
		paths = append(paths, sc.Path(ref))
	}
	fp, err := artifact.Fingerprint(paths...)
	if err != nil {
		return "", fmt.Errorf("step: fingerprint inputs of %s: %w", b.info.ID, err)
	}
	return fp, nil
}

// ArtifactFingerprints implements Fingerprinter: every output is expected to
// carry the fingerprint of the inputs it was produced from.
func (b *Base) ArtifactFingerprints(sc *Context) (map[string]string, error) {
	if len(b.inputs) == 0 || len(b.outputs) == 0 {
		return nil, nil
	}
	fp, err := b.InputFingerprint(sc)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(b.outputs))
	for _, ref := range b.outputs {
		out[ref.ID] = fp
	}
	return out, nil
}
