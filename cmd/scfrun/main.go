package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phibeck/dft-tools/internal/config"
	"github.com/phibeck/dft-tools/internal/converge"
	"github.com/phibeck/dft-tools/internal/cycle"
	"github.com/phibeck/dft-tools/internal/diag"
	"github.com/phibeck/dft-tools/internal/ledger"
	"github.com/phibeck/dft-tools/internal/logging"
	"github.com/phibeck/dft-tools/internal/mixmode"
	"github.com/phibeck/dft-tools/internal/pipeline"
	"github.com/phibeck/dft-tools/internal/signal"
	"github.com/phibeck/dft-tools/internal/stage"
	"github.com/phibeck/dft-tools/internal/summary"
)

const version = "scfrun v0.3.0"

// Process exit codes. The typed outcome lives in internal/cycle; it becomes
// a number only here.
const (
	exitConverged        = 0
	exitStopped          = 1
	exitForceUnconverged = 2
	exitUnconverged      = 3
	exitMissingInput     = 4
	exitStageFailed      = 5
	exitSetupFailed      = 6
)

var caseDir string

var rootCmd = &cobra.Command{
	Use:   "scfrun",
	Short: "scfrun - self-consistency cycle controller",
	Long:  `scfrun drives an iterative self-consistent-field computation: it sequences the external solver stages, tests convergence, and handles restarts and operator signals.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&caseDir, "dir", "d", ".", "case directory")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

var (
	flagMaxIterations int
	flagStartStage    string
	flagDryRun        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the self-consistency cycle to convergence",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runCycle())
	},
}

func init() {
	runCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "override the configured iteration budget")
	runCmd.Flags().StringVar(&flagStartStage, "start", "", "start the first cycle at this stage")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "print the stage plan without executing")
}

func runCycle() int {
	cfg, err := config.Load(caseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
		return exitSetupFailed
	}
	if flagMaxIterations > 0 {
		cfg.MaxIterations = flagMaxIterations
	}
	if flagStartStage != "" {
		cfg.StartStage = flagStartStage
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
		return exitSetupFailed
	}
	defer logger.Sync()

	signals := signal.NewBox(cfg.CaseDir, logger)
	diagState := diag.NewState(cfg, signals, logger)
	eval := converge.NewEvaluator(cfg.CheckTool, cfg.CaseDir, logger)
	history := summary.NewWriter(cfg.Artifact("history"))

	sw, err := mixmode.NewSwitch(cfg, logger)
	if err != nil {
		logger.Error("failed to read mixer input", zap.Error(err))
		return exitSetupFailed
	}

	db, err := ledger.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open run ledger", zap.Error(err))
		return exitSetupFailed
	}
	defer db.Close()

	runner := stage.NewRunner(cfg.CaseDir, cfg.Artifact("log"), db, logger)
	pipe := pipeline.New(cfg, runner, diagState, eval, history, logger)

	if flagDryRun {
		fmt.Println("stage plan for the next cycle:")
		for _, id := range pipe.Plan() {
			fmt.Printf("  %s\n", id)
		}
		return exitConverged
	}

	ctrl := cycle.New(cfg, pipe, eval, sw, signals, db, history, logger)
	outcome, runErr := ctrl.Run(context.Background())
	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
	}

	fmt.Printf("scfrun: %s\n", outcome)
	return exitCode(outcome)
}

func exitCode(o cycle.Outcome) int {
	switch o {
	case cycle.OutcomeConverged:
		return exitConverged
	case cycle.OutcomeStopped:
		return exitStopped
	case cycle.OutcomeForceUnconverged:
		return exitForceUnconverged
	case cycle.OutcomeUnconverged:
		return exitUnconverged
	case cycle.OutcomeMissingInput:
		return exitMissingInput
	case cycle.OutcomeStageFailed:
		return exitStageFailed
	}
	return exitSetupFailed
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the run ledger",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(caseDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		db, err := ledger.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		defer db.Close()

		last, err := db.LastIteration()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		fmt.Printf("case:       %s\n", cfg.CaseName)
		fmt.Printf("iterations: %d\n", last)

		verdicts, err := db.LatestVerdicts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		for _, v := range verdicts {
			state := "not converged"
			if v.Converged {
				state = "converged"
			}
			if len(v.Deltas) > 0 {
				fmt.Printf("  %-10s %-13s last delta %.8g (cycle %d)\n",
					v.Criterion, state, v.Deltas[len(v.Deltas)-1], v.Iteration)
			} else {
				fmt.Printf("  %-10s %-13s (cycle %d)\n", v.Criterion, state, v.Iteration)
			}
		}

		events, err := db.Events()
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		for _, e := range events {
			fmt.Printf("  %s\n", e)
		}
	},
}

var flagCleanHistory bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover control signals (and, with --history, mixing history)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(caseDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		defer logger.Sync()

		if err := signal.NewBox(cfg.CaseDir, logger).Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		if flagCleanHistory {
			if err := mixmode.PurgeMixingHistory(cfg.Artifact("mixhist") + "*"); err != nil {
				fmt.Fprintf(os.Stderr, "scfrun: %v\n", err)
				os.Exit(exitSetupFailed)
			}
		}
		fmt.Println("clean")
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&flagCleanHistory, "history", false, "also purge mixing-history artifacts")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish|powershell]",
	Short:     "Generate the autocompletion script for the specified shell",
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	Args:      cobra.ExactValidArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating completion script: %v\n", err)
			os.Exit(1)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
}
