package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/ledger"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps"
	"github.com/kingrea/neuropipe/internal/tui"
	"github.com/kingrea/neuropipe/internal/workflow/engine"
)

// initCmd creates .neuropipe/ in the dataset root.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .neuropipe/ and the default config in the dataset root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// setup already created the directory tree.
		fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", cfg.ProjectConfigPath())
		fmt.Fprintf(cmd.OutOrStdout(), "logs:   %s\n", cfg.LogsDir())
		fmt.Fprintf(cmd.OutOrStdout(), "ledger: %s\n", cfg.LedgerPath())
		return nil
	},
}

// stepsCmd lists the pipeline steps in dependency order.
var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List pipeline steps, their versions and dependencies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := steps.DefaultPipeline(cfg)
		if err != nil {
			return err
		}
		registry := steps.NewRegistry(cfg)
		out := cmd.OutOrStdout()
		for _, ref := range def.Steps {
			id := ref.InstanceID()
			st, err := registry.Resolve(ref.StepID, step.Config(ref.Config))
			if err != nil {
				return err
			}
			info := st.Info()
			deps := def.Dependencies(id)
			line := fmt.Sprintf("%-18s v%-6s %s", id, info.Version, info.Name)
			if len(deps) > 0 {
				line += "  <- " + strings.Join(deps, ", ")
			}
			fmt.Fprintln(out, line)
		}
		if disabled := cfg.Project.Pipeline.Disabled; len(disabled) > 0 {
			fmt.Fprintf(out, "disabled: %s\n", strings.Join(disabled, ", "))
		}
		return nil
	},
}

var statusOpts struct {
	subjects []string
	sessions []string
}

// statusCmd shows which steps are done for each pair.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-pair step states and the last recorded step events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := selectPairs(cfg, statusOpts.subjects, statusOpts.sessions)
		if err != nil {
			return err
		}
		p, err := openPipeline(cfg, logger, pipelineOptions{name: "status"})
		if err != nil {
			return err
		}
		defer p.Close()

		states := make([]engine.State, 0, len(pairs))
		for _, pair := range pairs {
			state, err := p.plan(pair)
			if err != nil {
				return fmt.Errorf("%s %s: %w", pair.Subject, pair.Session, err)
			}
			states = append(states, state)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, tui.RenderStatus(states, 0))
		for _, pair := range pairs {
			latest, err := p.ledger.LatestSteps(cmd.Context(), pair)
			if err != nil {
				return err
			}
			printLatest(cmd, pair, latest)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusOpts.subjects, "subj", []string{"all"}, "subject ids")
	statusCmd.Flags().StringSliceVar(&statusOpts.sessions, "sess", []string{"all"}, "session ids")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
}

func printLatest(cmd *cobra.Command, pair cohort.Pair, latest map[string]ledger.Event) {
	if len(latest) == 0 {
		return
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s last runs:\n", pair.Subject, pair.Session)
	for _, id := range ids {
		ev := latest[id]
		line := fmt.Sprintf("  %-18s %-10s %s", id, ev.Status, ev.At.Local().Format(time.DateTime))
		if ev.Error != "" {
			line += "  " + ev.Error
		}
		fmt.Fprintln(out, line)
	}
}

var historyLimit int

// historyCmd lists recent runs from the ledger.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := ledger.Open(cfg.LedgerPath(), ledger.WithLogger(logger))
		if err != nil {
			return err
		}
		defer led.Close()
		runs, err := led.Runs(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs recorded")
			return nil
		}
		for _, run := range runs {
			took := "-"
			if !run.FinishedAt.IsZero() {
				took = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(out, "%s  %s  %-18s %-8s pairs=%d failed=%d took=%s\n",
				run.ID[:8],
				run.StartedAt.Local().Format(time.DateTime),
				run.Command,
				run.Status,
				run.Pairs,
				run.Failures,
				took)
		}
		return nil
	},
}
