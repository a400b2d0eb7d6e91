// Package formate assembles the cohort-level tables used by the statistical
// analysis: seed metrics, behavioural gain and connectome edge tables.
package formate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/analysis"
	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/workflow"
)

// Output file names inside derivatives/01_analysis.
const (
	SeedMetricsFile = "seed_metric_df.csv"
	BehaviourFile   = "behav.csv"
)

// Formatter writes the cohort tables for one dataset.
type Formatter struct {
	cfg    *config.Config
	layout *workflow.Layout
	logger *zap.Logger
	force  bool
}

// Option customises a Formatter.
type Option func(*Formatter)

// WithForce rewrites tables that already exist.
func WithForce(force bool) Option {
	return func(f *Formatter) { f.force = force }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Formatter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New returns a Formatter over cfg's dataset.
func New(cfg *config.Config, opts ...Option) *Formatter {
	f := &Formatter{
		cfg:    cfg,
		layout: workflow.LayoutFor(cfg),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Report lists what one Run wrote and left alone.
type Report struct {
	Written []string
	Skipped []string
}

// Run writes every table for subjects at the configured analysis session.
// Tables are independent: a failure in one is joined into the returned error
// and the others are still written.
func (f *Formatter) Run(ctx context.Context, subjects []string) (Report, error) {
	if len(subjects) == 0 {
		return Report{}, fmt.Errorf("formate: no subjects selected")
	}
	var (
		report Report
		errs   []error
	)
	jobs := []job{
		{file: SeedMetricsFile, write: func(out string) error { return f.seedMetrics(subjects, out) }},
		{
			file:  BehaviourFile,
			write: func(out string) error { return f.behaviour(subjects, out) },
			skip:  f.noBehaviour,
		},
	}
	for _, table := range f.cfg.Project.Analysis.EdgeTables {
		table := table
		jobs = append(jobs, job{
			file:  table.Name + ".csv",
			write: func(out string) error { return f.edgeTable(subjects, table, out) },
		})
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out := filepath.Join(f.layout.AnalysisDir(), j.file)
		if j.skip != nil && j.skip() {
			f.logger.Info("no input, skipping", zap.String("output", out))
			continue
		}
		if workflow.Exists(out) && !f.force {
			f.logger.Info("table already formatted", zap.String("output", out))
			report.Skipped = append(report.Skipped, out)
			continue
		}
		if err := j.write(out); err != nil {
			f.logger.Error("format table", zap.String("output", out), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", j.file, err))
			continue
		}
		f.logger.Info("table written", zap.String("output", out))
		report.Written = append(report.Written, out)
	}
	return report, errors.Join(errs...)
}

type job struct {
	file  string
	write func(out string) error
	skip  func() bool
}

func (f *Formatter) noBehaviour() bool {
	path := f.cfg.Project.Paths.Behaviour
	return path == "" || !workflow.Exists(path)
}

func (f *Formatter) pairLayout(subject string) *workflow.Layout {
	return f.layout.ForPair(cohort.Pair{Subject: subject, Session: f.cfg.Project.Analysis.Session})
}

func (f *Formatter) seedMetrics(subjects []string, out string) error {
	seeds := f.cfg.Project.ROI.Striatum
	rows := make([][]float64, 0, len(subjects))
	for _, subject := range subjects {
		layout := f.pairLayout(subject)
		row := make([]float64, len(seeds))
		for i, seed := range seeds {
			v, err := analysis.FirstNumber(artifact.SeedMetric(seed).Path(layout))
			if err != nil {
				return fmt.Errorf("%s: %w", subject, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	table, err := analysis.SeedMetricTable(seeds, rows)
	if err != nil {
		return err
	}
	return table.WriteFile(out)
}

func (f *Formatter) behaviour(subjects []string, out string) error {
	behav, err := analysis.ReadTable(f.cfg.Project.Paths.Behaviour)
	if err != nil {
		return err
	}
	table, err := analysis.GainDifference(behav, subjects)
	if err != nil {
		return err
	}
	return table.WriteFile(out)
}

func (f *Formatter) edgeTable(subjects []string, table config.EdgeTable, out string) error {
	matrices := make([]analysis.SubjectMatrix, 0, len(subjects))
	for _, subject := range subjects {
		layout := f.pairLayout(subject)
		matrixPath := artifact.ConnectMatrix.Path(layout)
		if !workflow.Exists(matrixPath) {
			return fmt.Errorf("%s not existing", matrixPath)
		}
		labels, err := analysis.ReadLabels(artifact.GlobalLabels.Path(layout))
		if err != nil {
			return err
		}
		matrix, err := analysis.ReadMatrix(matrixPath)
		if err != nil {
			return err
		}
		matrices = append(matrices, analysis.SubjectMatrix{Subject: subject, Labels: labels, Matrix: matrix})
	}
	result, err := analysis.EdgeTable(matrices, analysis.EdgeFilter{Focus: table.Focus, Exclude: table.Exclude})
	if err != nil {
		return err
	}
	return result.WriteFile(out)
}
