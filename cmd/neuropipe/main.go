// cmd/neuropipe/main.go
//
// This is the entry point for the neuropipe CLI.
//
// Flow:
// 1. Resolve the dataset root (--data-path or the current directory)
// 2. Create .neuropipe/ and load its config
// 3. Build the zap logger and hand off to the subcommand

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/logging"
	"github.com/kingrea/neuropipe/internal/steps"
)

var (
	// Global flags
	dataPath   string
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "neuropipe",
	Short: "MRI structural and diffusion preprocessing orchestrator",
	Long: `neuropipe drives FSL, MRtrix3, ANTs, FreeSurfer and dcm2bids over a BIDS
dataset, one subject/session pair at a time.

Every step checks whether its outputs already exist and skips the work when
they do, so rerunning a command only fills the gaps. Pairs that fail are
written to a dated fail list under .neuropipe/fail_lists/.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dataPath, "data-path", "", "dataset root (default: current directory)")
	flags.StringVar(&configPath, "config", "", "project config (default: <data-path>/.neuropipe/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log every tool command")

	rootCmd.AddCommand(initCmd, stepsCmd, newRunCmd(), statusCmd, historyCmd, watchCmd, formateCmd)
	if def, err := steps.BundledPipeline(); err == nil {
		for _, id := range def.StepIDs() {
			rootCmd.AddCommand(newStepCmd(id))
		}
	}
}

// setup loads the dataset config and builds the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	root := dataPath
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		root = cwd
	}
	if err := config.InitPipelineDir(root); err != nil {
		return fmt.Errorf("init %s: %w", config.PipelineDir, err)
	}
	loaded, err := config.NewConfig(root, configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	// The progress view owns the terminal, so log lines only go to the file.
	tuiActive, _ := cmd.Flags().GetBool("tui")
	logger, err = logging.New(cfg.LogsDir(), logging.Options{Verbose: verbose, Console: !tuiActive})
	if err != nil {
		return err
	}
	logger.Debug("config loaded", zap.String("data_dir", cfg.DataDir), zap.String("config", cfg.ProjectConfigPath()))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
