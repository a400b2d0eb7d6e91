// Package tract_metrics summarises every seed tract: SIFT2 weight sum and
// average, and the mean FA sampled along its streamlines.
package tract_metrics

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/analysis"
	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "tract-metrics"
	stepVersion = "1.0.0"
)

// Step writes the tract metrics table of one pair.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the tract-metrics factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step. Seed tracts are optional: a seed whose tract is
// missing gets a zero row.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Tract metrics",
		Description: "SIFT2 weight and tcksample FA summary per seed tract.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	inputs := []artifact.ArtifactRef{artifact.FA}
	outputs := []artifact.ArtifactRef{artifact.TractMetrics}
	for _, seed := range cfg.Project.ROI.Striatum {
		inputs = append(inputs, artifact.SeedTract(seed).AsOptional(), artifact.SeedWeights(seed).AsOptional())
		outputs = append(outputs, artifact.SeedFA(seed).AsOptional())
	}
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	return &Step{Base: &base, cfg: cfg}
}

// IsComplete reports whether the metrics table exists.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	return s.OutputsExist(sc), nil
}

// Run samples FA along each seed tract and writes the metrics table.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	out := k.Path(artifact.TractMetrics)
	if k.Done(out) {
		return toolkit.NoOp("metrics exist: %s", out), nil
	}
	fa := k.Path(artifact.FA)
	if err := toolkit.Require("FA map", fa); err != nil {
		return toolkit.Failed(), err
	}
	var metrics []analysis.TractMetric
	for _, seed := range s.cfg.Project.ROI.Striatum {
		m, err := s.measure(ctx, k, seed, fa)
		if err != nil {
			return toolkit.Failed(), err
		}
		metrics = append(metrics, m)
	}
	if err := analysis.TractMetricsTable(metrics).WriteFile(out); err != nil {
		return toolkit.Failed(), err
	}
	if err := k.Sidecar(out, "tract metrics of "+k.Layout().TckeditDir(), "Streamline weights and FA per seed tract", "Metrics_filename"); err != nil {
		return toolkit.Failed(), err
	}
	return toolkit.Completed("%d tracts", len(metrics)), nil
}

func (s *Step) measure(ctx context.Context, k *toolkit.Kit, seed, fa string) (analysis.TractMetric, error) {
	pair := k.Context().Pair
	tract := k.Path(artifact.SeedTract(seed))
	if !workflow.Exists(tract) {
		k.Logger().Warn("seed tract missing, writing zero row", zap.String("seed", seed))
		return analysis.ZeroTractMetric(pair.Subject, pair.Session, seed), nil
	}
	samples := k.Path(artifact.SeedFA(seed))
	err := k.Run(ctx, toolkit.Stage{
		Cmd:         k.Cmd("tcksample", tract, fa, samples, "-stat_tck", "mean", "-force"),
		Output:      samples,
		Description: "Mean FA along each streamline",
		Key:         "FA_filename",
	})
	if err != nil {
		return analysis.TractMetric{}, err
	}
	weights, err := analysis.ReadNumbers(k.Path(artifact.SeedWeights(seed)))
	if err != nil {
		return analysis.TractMetric{}, err
	}
	means, err := analysis.ReadNumbers(samples)
	if err != nil {
		return analysis.TractMetric{}, err
	}
	m, err := analysis.ComputeTractMetric(pair.Subject, pair.Session, seed, weights, means)
	if err != nil {
		return m, fmt.Errorf("%s: %w", stepID, err)
	}
	return m, nil
}
