package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/tui"
)

// runOptions are the flags shared by run and the per-step commands.
type runOptions struct {
	subjects []string
	sessions []string
	force    bool
	jobs     int
	noDeps   bool
	tui      bool
	lesion   bool
}

func (o *runOptions) bind(flags *pflag.FlagSet) {
	flags.StringSliceVar(&o.subjects, "subj", []string{"all"}, "subject ids, with or without sub- (all lists the dataset)")
	flags.StringSliceVar(&o.sessions, "sess", []string{"all"}, "session ids, with or without ses- (all uses cohort.sessions)")
	flags.BoolVarP(&o.force, "force", "f", false, "recompute outputs that already exist")
	flags.IntVar(&o.jobs, "jobs", 0, "pairs processed in parallel (default: cohort.jobs)")
	flags.BoolVar(&o.tui, "tui", false, "show the live progress view")
	flags.BoolVar(&o.lesion, "lesion", false, "use the lesion-aware variants of the anatomical steps")
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [step...]",
		Short: "Run the pipeline over the selected subject/session pairs",
		Long: `Runs every step whose outputs are missing, in dependency order.

Naming steps limits the run to those steps plus whichever of their
dependencies are incomplete. With --no-deps only the named steps run.

Examples:
  neuropipe run --subj 51T01,51T02 --sess T1
  neuropipe run tractography --subj all -f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, "run", args, opts)
		},
	}
	opts.bind(cmd.Flags())
	cmd.Flags().BoolVar(&opts.noDeps, "no-deps", false, "run only the named steps")
	return cmd
}

// newStepCmd exposes one step as its own command, equivalent to
// `run <id> --no-deps`.
func newStepCmd(id string) *cobra.Command {
	opts := &runOptions{noDeps: true}
	cmd := &cobra.Command{
		Use:   id,
		Short: fmt.Sprintf("Run only %s (run %s --no-deps)", id, id),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, id, []string{id}, opts)
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func runPipeline(cmd *cobra.Command, name string, targets []string, opts *runOptions) error {
	if cmd.Flags().Changed("lesion") {
		cfg.Project.Pipeline.Lesion = opts.lesion
	}
	pairs, err := selectPairs(cfg, opts.subjects, opts.sessions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var program *tea.Program
	pipeOpts := pipelineOptions{
		name:    name,
		targets: targets,
		noDeps:  opts.noDeps,
		force:   opts.force,
		jobs:    opts.jobs,
	}
	if name == "run" {
		pipeOpts.name = ""
		if len(targets) == 0 {
			pipeOpts.name = "pipeline"
		}
	}
	var app *tui.App
	if opts.tui {
		app = tui.NewApp(len(pairs), tui.WithTitle("neuropipe "+name), tui.WithCancel(cancel))
		program = tea.NewProgram(app, tea.WithAltScreen())
		pipeOpts.observers = append(pipeOpts.observers, tui.NewObserver(program))
	}

	p, err := openPipeline(cfg, logger, pipeOpts)
	if err != nil {
		return err
	}
	defer p.Close()
	if app != nil {
		tui.WithLogbook(p.failList)(app)
	}

	var failures []cohort.Failure
	if program == nil {
		failures, err = p.execute(ctx, name, pairs)
		if err != nil {
			return err
		}
	} else {
		failures, err = runWithProgram(ctx, cancel, program, func(ctx context.Context) ([]cohort.Failure, error) {
			return p.execute(ctx, name, pairs)
		})
		if err != nil {
			return err
		}
	}
	return report(cmd.OutOrStdout(), pairs, failures, p.failList.Path())
}

// runWithProgram runs fn while the progress view owns the terminal.
func runWithProgram(ctx context.Context, cancel context.CancelFunc, program *tea.Program, fn func(context.Context) ([]cohort.Failure, error)) ([]cohort.Failure, error) {
	type result struct {
		failures []cohort.Failure
		err      error
	}
	done := make(chan result, 1)
	go func() {
		failures, err := fn(ctx)
		done <- result{failures: failures, err: err}
		program.Send(tui.DoneMsg{Failures: len(failures)})
	}()
	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress view: %w", err)
	}
	res := <-done
	return res.failures, res.err
}

func report(w io.Writer, pairs []cohort.Pair, failures []cohort.Failure, failList string) error {
	fmt.Fprintf(w, "%d/%d pairs finished\n", len(pairs)-len(failures), len(pairs))
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		fmt.Fprintf(w, "  %s %s: %v\n", f.Pair.Subject, f.Pair.Session, f.Err)
	}
	logger.Warn("pairs failed", zap.Int("failures", len(failures)), zap.String("fail_list", failList))
	return fmt.Errorf("%d pair(s) failed, see %s", len(failures), failList)
}
