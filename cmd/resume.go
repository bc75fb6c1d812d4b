package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeDataDir string
	resumeConfig  string
	resumeIters   int
	resumeOut     string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Continue a stored registration from its final parameters",
	Long: `Loads a stored result, rebuilds its scenario and runs gradient descent again
starting from the stored parameters. The result and trace are updated in place.
A different --config may be supplied as long as the transform, dimension and shape match.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for stored results")
	resumeCmd.Flags().StringVar(&resumeConfig, "config", "", "Replacement YAML configuration")
	resumeCmd.Flags().IntVar(&resumeIters, "iters", 0, "Iteration budget for the resumed run (0 = stored budget)")
	resumeCmd.Flags().StringVar(&resumeOut, "out", "", "Write the result as JSON to this path")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	resultStore, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}

	record, err := resultStore.LoadResult(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no stored result for job %s in %s", jobID, resumeDataDir)
		}
		return err
	}

	cfg, err := resumeConfiguration(record, resumeConfig, resumeIters)
	if err != nil {
		return err
	}

	slog.Info("Resuming registration",
		"job_id", jobID,
		"prior_iterations", record.Iterations,
		"prior_value", record.Value,
		"prior_reason", record.Reason,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeRun(ctx, cmd.OutOrStdout(), cfg, record.Parameters, execOptions{
		JobID:           jobID,
		DataDir:         resumeDataDir,
		AppendTrace:     true,
		PriorIterations: record.Iterations,
		OutPath:         resumeOut,
	})
}

// resumeConfiguration picks the configuration for a resumed run and checks that the stored
// parameters fit it.
func resumeConfiguration(record *store.Record, path string, iterations int) (*config.RegistrationConfig, error) {
	cfg := record.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if err := record.IsCompatible(cfg); err != nil {
		return nil, err
	}
	if iterations > 0 {
		cfg.Optimizer.Iterations = iterations
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
