package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDefinitionYAMLRejectsMissingSteps(t *testing.T) {
	const payload = `
id: missing-steps
steps: []
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when steps are missing")
	}
	if !strings.Contains(err.Error(), "at least one step is required") {
		t.Fatalf("unexpected error for missing steps: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsInvalidDependencyReferences(t *testing.T) {
	const payload = `
id: invalid-dependency
steps:
  - id: start
    step: dicom2bids
    depends_on: [missing]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when dependency references unknown step")
	}
	if !strings.Contains(err.Error(), "references unknown step") {
		t.Fatalf("unexpected error for dependency reference: %v", err)
	}
}

func TestParseDefinitionYAMLClampsNegativeParallelSettings(t *testing.T) {
	const payload = `
id: clamp-runtime
runtime:
  max_parallel: -4
steps:
  - step: dicom2bids
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error parsing runtime clamp: %v", err)
	}
	if def.Runtime.MaxParallel != 0 {
		t.Fatalf("max_parallel should clamp to 0, got %d", def.Runtime.MaxParallel)
	}
}

func TestParseDefinitionYAMLRejectsCycles(t *testing.T) {
	const payload = `
id: loop
steps:
  - step: reorganize
    depends_on: [tractography]
  - step: dwi-preproc
    depends_on: [reorganize]
  - step: tractography
    depends_on: [dwi-preproc]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "dependency cycle reorganize -> tractography -> dwi-preproc -> reorganize") {
		t.Fatalf("unexpected cycle error: %v", err)
	}
}

func TestParseDefinitionYAMLMergesInlineDependencies(t *testing.T) {
	const payload = `
id: merge
graph:
  scalar-maps: [dwi-preproc]
steps:
  - step: dwi-preproc
  - step: anat-to-dwi
  - step: scalar-maps
    depends_on: [anat-to-dwi]
    config:
      lesion: true
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	deps := def.Dependencies("scalar-maps")
	if len(deps) != 2 || deps[0] != "anat-to-dwi" || deps[1] != "dwi-preproc" {
		t.Fatalf("unexpected merged deps: %v", deps)
	}
	if def.Steps[2].Config["lesion"] != true {
		t.Fatalf("step config not decoded: %v", def.Steps[2].Config)
	}
	ids := def.StepIDs()
	if len(ids) != 3 || ids[0] != "dwi-preproc" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestLoadDefinitionRelativeDefaultsFileName(t *testing.T) {
	dir := t.TempDir()
	const payload = "id: custom\nsteps:\n  - step: dicom2bids\n"
	if err := os.WriteFile(filepath.Join(dir, DefaultPipelineFile), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
	def, err := LoadDefinitionRelative(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.ID != "custom" {
		t.Fatalf("unexpected id %s", def.ID)
	}
	if _, err := LoadDefinitionRelative(dir, "missing.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
