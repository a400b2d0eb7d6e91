package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/formate"
	"github.com/kingrea/neuropipe/internal/ledger"
	"github.com/kingrea/neuropipe/internal/watch"
)

var watchOpts struct {
	jobs   int
	lesion bool
}

// watchCmd runs the pipeline for every session folder that lands in the
// DICOM inbox.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline for each new session folder in the DICOM inbox",
	Long: `Watches paths.dicom for new <subjID>_<sessID> folders. A folder is picked up
once nothing inside it has changed for watch.settle, then the whole pipeline
runs for that pair. Folders present when the watch starts are ignored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("lesion") {
			cfg.Project.Pipeline.Lesion = watchOpts.lesion
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := openPipeline(cfg, logger, pipelineOptions{name: "watch", jobs: watchOpts.jobs})
		if err != nil {
			return err
		}
		defer p.Close()

		inbox := cfg.Project.Paths.Dicom
		w, err := watch.New(inbox, cfg.Project.Watch.Settle.Std(), watch.WithLogger(logger))
		if err != nil {
			return err
		}
		defer w.Close()
		logger.Info("watching inbox", zap.String("dir", inbox), zap.Duration("settle", cfg.Project.Watch.Settle.Std()))
		fmt.Fprintf(cmd.OutOrStdout(), "watching %s (ctrl+c to stop)\n", inbox)
		return consume(ctx, w.Pairs(), p.jobs, func(ctx context.Context, pair cohort.Pair) {
			failures, err := p.execute(ctx, "watch", []cohort.Pair{pair})
			switch {
			case err != nil:
				logger.Error("watch run", zap.String("subject", pair.Subject), zap.String("session", pair.Session), zap.Error(err))
			case len(failures) > 0:
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s failed: %v\n", pair.Subject, pair.Session, failures[0].Err)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s done\n", pair.Subject, pair.Session)
			}
		})
	},
}

// consume hands every pair to fn with at most jobs in flight and returns once
// ctx is done or pairs is closed, after the started pairs have finished.
func consume(ctx context.Context, pairs <-chan cohort.Pair, jobs int, fn func(context.Context, cohort.Pair)) error {
	if jobs < 1 {
		jobs = 1
	}
	var g errgroup.Group
	g.SetLimit(jobs)
	defer g.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pair, ok := <-pairs:
			if !ok {
				return nil
			}
			g.Go(func() error {
				fn(ctx, pair)
				return nil
			})
		}
	}
}

var formateOpts struct {
	subjects []string
	force    bool
}

// formateCmd writes the cohort-level CSV tables.
var formateCmd = &cobra.Command{
	Use:   "formate",
	Short: "Write the cohort-level CSV tables under derivatives/01_analysis",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := cfg.Project.Analysis.Session
		pairs, err := selectPairs(cfg, formateOpts.subjects, []string{session})
		if err != nil {
			return err
		}
		subjects := make([]string, 0, len(pairs))
		for _, pair := range pairs {
			subjects = append(subjects, pair.Subject)
		}

		led, err := ledger.Open(cfg.LedgerPath(), ledger.WithLogger(logger))
		if err != nil {
			return err
		}
		defer led.Close()
		run, err := led.StartRun(cmd.Context(), "formate", os.Args[1:], len(subjects))
		if err != nil {
			return err
		}

		report, runErr := formate.New(cfg, formate.WithForce(formateOpts.force), formate.WithLogger(logger)).Run(cmd.Context(), subjects)
		failures := 0
		if runErr != nil {
			failures = 1
		}
		if err := led.FinishRun(cmd.Context(), run.ID, failures); err != nil {
			logger.Warn("ledger finish run", zap.String("run_id", run.ID), zap.Error(err))
		}
		out := cmd.OutOrStdout()
		for _, path := range report.Written {
			fmt.Fprintf(out, "wrote   %s\n", path)
		}
		for _, path := range report.Skipped {
			fmt.Fprintf(out, "exists  %s\n", path)
		}
		return runErr
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchOpts.jobs, "jobs", 0, "sessions processed in parallel (default: cohort.jobs)")
	watchCmd.Flags().BoolVar(&watchOpts.lesion, "lesion", false, "use the lesion-aware variants of the anatomical steps")
	formateCmd.Flags().StringSliceVar(&formateOpts.subjects, "subj", []string{"all"}, "subject ids")
	formateCmd.Flags().BoolVarP(&formateOpts.force, "force", "f", false, "overwrite existing tables")
}
