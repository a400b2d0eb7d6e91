// Package roi_parcellation cuts the cluster map into one mask per ROI and
// merges seeds and ROIs into the labelled global mask used by the connectome.
package roi_parcellation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kingrea/neuropipe/internal/analysis"
	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
)

const (
	stepID      = "roi-parcellation"
	stepVersion = "1.0.0"
)

// ErrNoMasks is returned when neither striatal seeds nor cluster ROIs are
// configured, leaving the global mask without labels.
var ErrNoMasks = errors.New("no seed or cluster ROI masks configured")

// Step builds ROI masks and the global mask for one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the roi-parcellation factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step for the configured seeds and cluster ROIs.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "ROI parcellation",
		Description: "Per-ROI masks and the labelled global mask.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.ClustersDwi}
	for _, seed := range cfg.Project.ROI.Striatum {
		inputs = append(inputs, artifact.SeedROIDwi(seed))
	}
	var outputs []artifact.ArtifactRef
	for _, roi := range cfg.Project.ROI.ClusterROIs {
		outputs = append(outputs, artifact.ClusterROIMask(roi.Name))
	}
	outputs = append(outputs, artifact.GlobalMask, artifact.GlobalLabels)
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether the masks and the label table exist.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run thresholds the cluster map and builds the global mask.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	for _, ref := range s.Inputs() {
		if err := toolkit.Require(ref.Name, k.Path(ref)); err != nil {
			return toolkit.Failed(), err
		}
	}
	clusters := k.Path(artifact.ClustersDwi)
	for _, roi := range s.cfg.Project.ROI.ClusterROIs {
		lo := analysis.FormatFloat(float64(roi.Index) - 0.1)
		hi := analysis.FormatFloat(float64(roi.Index) + 0.1)
		mask := k.Path(artifact.ClusterROIMask(roi.Name))
		err := k.Run(ctx, toolkit.Stage{
			Cmd:         k.Cmd("fslmaths", clusters, "-thr", lo, "-uthr", hi, "-bin", mask),
			Output:      mask,
			Description: fmt.Sprintf("Apply fslmath with threashold [%s,%s]", lo, hi),
			Key:         "Anat_filename",
		})
		if err != nil {
			return toolkit.Failed(), err
		}
	}
	masks := s.labelMasks(k)
	global := k.Path(artifact.GlobalMask)
	expr, err := GlobalMaskExpr(masks)
	if err != nil {
		return toolkit.Failed(), fmt.Errorf("%s: %w", stepID, err)
	}
	args := append(expr, global, "-force")
	err = k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("mrcalc", args...),
		Output:      global,
		Description: "Parcellation with ROIs and Striat",
		Key:         "DWI_filename",
	})
	if err != nil {
		return toolkit.Failed(), err
	}
	labels := k.Path(artifact.GlobalLabels)
	if !k.Done(labels) {
		if err := analysis.LabelsTable(s.cfg.Labels()).WriteFile(labels); err != nil {
			return toolkit.Failed(), err
		}
		if err := k.Sidecar(labels, "labels of "+global, "Global mask labels", "Labels_filename"); err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("global mask with %d labels", len(masks)), nil
}

// labelMasks lists the binary mask behind each label, in label order.
func (s *Step) labelMasks(k *toolkit.Kit) []string {
	var masks []string
	for _, seed := range s.cfg.Project.ROI.Striatum {
		masks = append(masks, k.Path(artifact.SeedROIDwi(seed)))
	}
	for _, roi := range s.cfg.Project.ROI.ClusterROIs {
		masks = append(masks, k.Path(artifact.ClusterROIMask(roi.Name)))
	}
	return masks
}

// GlobalMaskExpr labels voxels of masks[i] with i+1 on a zero image shaped
// like the first mask. A later mask wins where masks overlap.
func GlobalMaskExpr(masks []string) ([]string, error) {
	if len(masks) == 0 {
		return nil, ErrNoMasks
	}
	layers := make([]toolkit.Overlay, len(masks))
	for i, mask := range masks {
		layers[i] = toolkit.Overlay{Cond: toolkit.Equals(mask, "1"), Value: strconv.Itoa(i + 1)}
	}
	return toolkit.LabelOverlay([]string{masks[0], "0", "-mult"}, layers...), nil
}
