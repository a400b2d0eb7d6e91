package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/ledger"
	"github.com/kingrea/neuropipe/internal/logbook"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps"
	"github.com/kingrea/neuropipe/internal/workflow"
	"github.com/kingrea/neuropipe/internal/workflow/engine"
)

// newRunner builds the process runner. Tests swap it for runner.Fake.
var newRunner = func(cfg *config.Config, logger *zap.Logger) runner.Runner {
	return runner.NewExec(logger, runner.WithTimeout(cfg.Project.Pipeline.CommandTimeout.Std()))
}

// pipeline holds everything one invocation needs to run pairs.
type pipeline struct {
	cfg      *config.Config
	logger   *zap.Logger
	def      workflow.Definition
	registry *step.Registry
	engine   *engine.Engine
	runner   runner.Runner
	ledger   *ledger.Ledger
	failList *logbook.Logbook
	targets  []string
	noDeps   bool
	force    bool
	jobs     int
}

type pipelineOptions struct {
	name      string
	targets   []string
	noDeps    bool
	force     bool
	jobs      int
	observers []engine.Observer
}

// openPipeline loads the pipeline graph and opens the ledger and fail list.
// Close must be called when done.
func openPipeline(cfg *config.Config, logger *zap.Logger, opts pipelineOptions) (*pipeline, error) {
	def, err := steps.DefaultPipeline(cfg)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(def.Steps))
	for _, id := range def.StepIDs() {
		known[id] = true
	}
	for _, id := range opts.targets {
		if !known[id] {
			return nil, fmt.Errorf("unknown or disabled step %q", id)
		}
	}
	registry := steps.NewRegistry(cfg)

	led, err := ledger.Open(cfg.LedgerPath(), ledger.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	name := opts.name
	if name == "" {
		name = strings.Join(opts.targets, "+")
	}
	failList, err := logbook.NewFailList(cfg.FailListDir(), name, time.Now())
	if err != nil {
		led.Close()
		return nil, err
	}
	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithObserver(led)}
	for _, obs := range opts.observers {
		engineOpts = append(engineOpts, engine.WithObserver(obs))
	}
	eng, err := engine.New(registry, engineOpts...)
	if err != nil {
		led.Close()
		return nil, err
	}
	jobs := opts.jobs
	if jobs <= 0 {
		jobs = cfg.Project.Cohort.Jobs
	}
	return &pipeline{
		cfg:      cfg,
		logger:   logger,
		def:      def,
		registry: registry,
		engine:   eng,
		runner:   newRunner(cfg, logger),
		ledger:   led,
		failList: failList,
		targets:  opts.targets,
		noDeps:   opts.noDeps,
		force:    opts.force,
		jobs:     jobs,
	}, nil
}

func (p *pipeline) Close() error {
	return p.ledger.Close()
}

// execute runs pairs as one ledger run and returns the pairs that failed.
func (p *pipeline) execute(ctx context.Context, command string, pairs []cohort.Pair) ([]cohort.Failure, error) {
	run, err := p.ledger.StartRun(ctx, command, os.Args[1:], len(pairs))
	if err != nil {
		return nil, err
	}
	p.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("command", command),
		zap.Int("pairs", len(pairs)),
		zap.Int("jobs", p.jobs),
		zap.Strings("targets", p.targets))

	failures := cohort.Run(ctx, pairs, p.jobs, func(ctx context.Context, pair cohort.Pair) error {
		return p.runPair(ctx, run.ID, pair)
	})
	for _, f := range failures {
		p.failList.Record(f.Pair, f.Err)
	}
	// The run is closed even when ctx was cancelled.
	if err := p.ledger.FinishRun(context.WithoutCancel(ctx), run.ID, len(failures)); err != nil {
		p.logger.Warn("ledger finish run", zap.String("run_id", run.ID), zap.Error(err))
	}
	p.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.Int("pairs", len(pairs)),
		zap.Int("failures", len(failures)))
	return failures, nil
}

// runPair drives the engine for one subject/session.
func (p *pipeline) runPair(ctx context.Context, runID string, pair cohort.Pair) error {
	sc := p.context(pair).WithRunID(runID)
	if p.force {
		forced := p.targets
		if len(forced) == 0 {
			forced = p.def.StepIDs()
		}
		sc = sc.WithForce(forced...)
	}
	_, err := p.engine.RunPair(ctx, sc, p.def, p.runtime())
	return err
}

// plan evaluates one pair without running anything.
func (p *pipeline) plan(pair cohort.Pair) (engine.State, error) {
	return p.engine.Plan(p.context(pair), p.def, p.runtime())
}

func (p *pipeline) context(pair cohort.Pair) *step.Context {
	layout := workflow.LayoutFor(p.cfg).ForPair(pair)
	return step.NewContext(p.cfg, layout, p.runner, p.failList).WithLogger(p.logger)
}

func (p *pipeline) runtime() engine.Runtime {
	return engine.Runtime{Targets: p.targets, TargetsOnly: p.noDeps}
}

// selectPairs expands --subj/--sess against the dataset.
func selectPairs(cfg *config.Config, subjects, sessions []string) ([]cohort.Pair, error) {
	return cohort.Expand(cfg.DataDir, subjects, sessions, cohort.Options{
		SubjectPrefix: cfg.Project.Cohort.SubjectPrefix,
		SubjectFilter: cfg.Project.Cohort.SubjectFilter,
		Sessions:      cfg.Project.Cohort.Sessions,
	})
}
