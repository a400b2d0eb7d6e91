// Package steps wires the built-in pipeline steps and the default pipeline
// graph that connects them.
package steps

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/anat_to_dwi"
	"github.com/kingrea/neuropipe/internal/steps/copy_local"
	"github.com/kingrea/neuropipe/internal/steps/dicom2bids"
	"github.com/kingrea/neuropipe/internal/steps/dwi_preproc"
	"github.com/kingrea/neuropipe/internal/steps/freesurfer"
	"github.com/kingrea/neuropipe/internal/steps/lesion_transplant"
	"github.com/kingrea/neuropipe/internal/steps/mni_registration"
	"github.com/kingrea/neuropipe/internal/steps/reorganize"
	"github.com/kingrea/neuropipe/internal/steps/roi_parcellation"
	"github.com/kingrea/neuropipe/internal/steps/roi_registration"
	"github.com/kingrea/neuropipe/internal/steps/scalar_maps"
	"github.com/kingrea/neuropipe/internal/steps/seed_connectome"
	"github.com/kingrea/neuropipe/internal/steps/tract_metrics"
	"github.com/kingrea/neuropipe/internal/steps/tractography"
	"github.com/kingrea/neuropipe/internal/workflow"
)

//go:embed pipeline.yaml
var bundledPipeline []byte

// RegisterBuiltins installs all of the built-in step factories into the
// provided registry.
func RegisterBuiltins(reg *step.Registry, cfg *config.Config) {
	if reg == nil {
		return
	}
	dicom2bids.Register(reg, cfg)
	reorganize.Register(reg, cfg)
	copy_local.Register(reg, cfg)
	dwi_preproc.Register(reg, cfg)
	lesion_transplant.Register(reg, cfg)
	freesurfer.Register(reg, cfg)
	anat_to_dwi.Register(reg, cfg)
	mni_registration.Register(reg, cfg)
	tractography.Register(reg, cfg)
	scalar_maps.Register(reg, cfg)
	roi_registration.Register(reg, cfg)
	roi_parcellation.Register(reg, cfg)
	seed_connectome.Register(reg, cfg)
	tract_metrics.Register(reg, cfg)
}

// NewRegistry returns a registry holding every built-in step.
func NewRegistry(cfg *config.Config) *step.Registry {
	reg := step.NewRegistry()
	RegisterBuiltins(reg, cfg)
	return reg
}

// BundledPipeline parses the pipeline graph shipped with the binary.
func BundledPipeline() (workflow.Definition, error) {
	return workflow.ParseDefinitionYAML(bundledPipeline)
}

// DefaultPipeline returns the pipeline for cfg. A pipeline.yaml inside the
// dataset's .neuropipe directory replaces the bundled graph. Steps listed in
// pipeline.disabled are removed and their dependents inherit their
// dependencies.
func DefaultPipeline(cfg *config.Config) (workflow.Definition, error) {
	def, err := loadPipeline(cfg)
	if err != nil {
		return workflow.Definition{}, err
	}
	if cfg == nil {
		return def, nil
	}
	def, err = WithoutSteps(def, cfg.Project.Pipeline.Disabled...)
	if err != nil {
		return workflow.Definition{}, err
	}
	if cfg.Project.Pipeline.MaxParallelSteps > 0 {
		def.Runtime.MaxParallel = cfg.Project.Pipeline.MaxParallelSteps
	}
	return def, nil
}

func loadPipeline(cfg *config.Config) (workflow.Definition, error) {
	if cfg == nil || cfg.PipelineDir == "" {
		return BundledPipeline()
	}
	path := filepath.Join(cfg.PipelineDir, workflow.DefaultPipelineFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BundledPipeline()
		}
		return workflow.Definition{}, fmt.Errorf("steps: stat %s: %w", path, err)
	}
	return workflow.LoadDefinitionFile(path)
}

// WithoutSteps drops the named step instances from def. Dependents of a
// dropped step depend on its dependencies instead, so the rest of the graph
// keeps its order.
func WithoutSteps(def workflow.Definition, ids ...string) (workflow.Definition, error) {
	if len(ids) == 0 {
		return def, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	normalized, err := def.Normalized()
	if err != nil {
		return workflow.Definition{}, err
	}
	var resolve func(id string, seen map[string]bool) []string
	resolve = func(id string, seen map[string]bool) []string {
		if !drop[id] {
			return []string{id}
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		var out []string
		for _, dep := range normalized.Dependencies(id) {
			out = append(out, resolve(dep, seen)...)
		}
		return out
	}

	out := normalized.Clone()
	out.Graph = nil
	out.Steps = out.Steps[:0]
	for _, ref := range normalized.Steps {
		id := ref.InstanceID()
		if drop[id] {
			continue
		}
		ref = ref.Clone()
		var deps []string
		seen := map[string]bool{}
		for _, dep := range normalized.Dependencies(id) {
			for _, d := range resolve(dep, map[string]bool{}) {
				if !seen[d] {
					seen[d] = true
					deps = append(deps, d)
				}
			}
		}
		ref.DependsOn = deps
		out.Steps = append(out.Steps, ref)
	}
	if len(out.Steps) == 0 {
		return workflow.Definition{}, fmt.Errorf("steps: every step of %s is disabled", def.ID)
	}
	return out.Normalized()
}
