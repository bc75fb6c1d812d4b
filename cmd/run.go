package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/opt"
	"github.com/cwbudde/expectreg/internal/registration"
	"github.com/cwbudde/expectreg/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	saveConfigPath string
	outPath        string
	dataDir        string
	saveResult     bool

	shape        string
	radius       float64
	semiMinor    float64
	step         float64
	count        int
	dimension    int
	offset       []float64
	rotation     float64
	scenarioSeed int64

	transformKind   string
	transformCenter []float64

	sigma        float64
	neighborhood int
	workers      int

	iters          int
	learningRate   float64
	scales         []float64
	scale          float64
	window         int
	threshold      float64
	estimateScales bool
	maxStep        float64
	returnBest     bool

	coarse           bool
	coarseRadius     float64
	coarseIters      int
	coarsePopulation int
	coarseSeed       int64

	traceEvery int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a synthetic scenario",
	Long: `Builds a fixed point set and a displaced copy of it, registers the copy back onto
the fixed set and reports the recovered parameters and partner residuals.
Settings come from --config when given; explicit flags override the file.`,
	RunE: runRegistration,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.StringVar(&saveConfigPath, "save-config", "", "Write the effective configuration to this YAML file")
	f.StringVar(&outPath, "out", "", "Write the result as JSON to this path")
	f.StringVar(&dataDir, "data-dir", "./data", "Base directory for stored results and traces")
	f.BoolVar(&saveResult, "save", false, "Store the result (and trace) under --data-dir")

	f.StringVar(&shape, "shape", config.ShapeCircle, "Scenario shape: circle, ellipse, square, random")
	f.Float64Var(&radius, "radius", 100, "Circle radius, ellipse semi-major axis, square size or random extent")
	f.Float64Var(&semiMinor, "semi-minor", 50, "Ellipse semi-minor axis")
	f.Float64Var(&step, "step", 0.1, "Angular sampling step in radians")
	f.IntVar(&count, "count", 100, "Number of random points")
	f.IntVar(&dimension, "dim", 2, "Point dimension")
	f.Float64SliceVar(&offset, "offset", nil, "Offset applied to the moving set (default 2 along every axis)")
	f.Float64Var(&rotation, "rotation", 0, "Rotation of the moving set in radians (2D)")
	f.Int64Var(&scenarioSeed, "scenario-seed", 0, "Seed for random scenarios")

	f.StringVar(&transformKind, "transform", "translation", "Transform: identity, translation, rigid2d, affine")
	f.Float64SliceVar(&transformCenter, "center", nil, "Center of rotation for rigid2d and affine")

	f.Float64Var(&sigma, "sigma", 2, "Gaussian kernel width")
	f.IntVar(&neighborhood, "neighborhood", 10, "Number of nearest moving points per fixed point")
	f.IntVar(&workers, "workers", 0, "Metric worker goroutines (0 = GOMAXPROCS)")

	f.IntVar(&iters, "iters", 10000, "Maximum number of iterations")
	f.Float64Var(&learningRate, "lr", 0.1, "Learning rate")
	f.Float64SliceVar(&scales, "scales", nil, "Per-parameter scales")
	f.Float64Var(&scale, "scale", 0.1, "Scale applied to every parameter when --scales is not set")
	f.IntVar(&window, "window", 10, "Convergence window size")
	f.Float64Var(&threshold, "threshold", 0, "Minimum convergence value (0 disables the check)")
	f.BoolVar(&estimateScales, "estimate-scales", false, "Estimate parameter scales from point shifts")
	f.Float64Var(&maxStep, "max-step", 0, "Maximum physical step for learning-rate estimation")
	f.BoolVar(&returnBest, "return-best", false, "Return the best parameters seen instead of the last")

	f.BoolVar(&coarse, "coarse", false, "Run a mayfly search before gradient descent")
	f.Float64Var(&coarseRadius, "coarse-radius", 5, "Half-width of the coarse search box")
	f.IntVar(&coarseIters, "coarse-iters", 50, "Coarse search iterations")
	f.IntVar(&coarsePopulation, "coarse-pop", 20, "Coarse search population size")
	f.Int64Var(&coarseSeed, "coarse-seed", 42, "Coarse search seed")

	f.IntVar(&traceEvery, "trace-every", 100, "Trace every n-th iteration when saving (0 disables)")

	rootCmd.AddCommand(runCmd)
}

func runRegistration(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if saveConfigPath != "" {
		if err := config.Save(saveConfigPath, cfg); err != nil {
			return err
		}
		slog.Info("Configuration saved", "path", saveConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := execOptions{JobID: uuid.New().String(), OutPath: outPath}
	if saveResult {
		opts.DataDir = dataDir
	}
	return executeRun(ctx, cmd.OutOrStdout(), cfg, nil, opts)
}

// applyRunFlags copies explicitly set flags onto cfg. Without --config every flag applies.
func applyRunFlags(cmd *cobra.Command, cfg *config.RegistrationConfig) {
	changed := cmd.Flags().Changed
	set := changed
	if configPath == "" {
		set = func(string) bool { return true }
	}

	if set("shape") {
		cfg.Scenario.Shape = shape
	}
	if set("radius") {
		cfg.Scenario.Radius = radius
	}
	if set("semi-minor") {
		cfg.Scenario.SemiMinor = semiMinor
	}
	if set("step") {
		cfg.Scenario.Step = step
	}
	if set("count") {
		cfg.Scenario.Count = count
	}
	if set("dim") {
		cfg.Scenario.Dimension = dimension
	}
	if changed("offset") {
		cfg.Scenario.Offset = offset
	} else if set("dim") && len(cfg.Scenario.Offset) != cfg.Scenario.Dimension {
		cfg.Scenario.Offset = make([]float64, cfg.Scenario.Dimension)
		for i := range cfg.Scenario.Offset {
			cfg.Scenario.Offset[i] = 2
		}
	}
	if set("rotation") {
		cfg.Scenario.Rotation = rotation
	}
	if set("scenario-seed") {
		cfg.Scenario.Seed = scenarioSeed
	}

	if set("transform") {
		cfg.Transform.Kind = transformKind
	}
	if set("center") {
		cfg.Transform.Center = transformCenter
	}

	if set("sigma") {
		cfg.Metric.Sigma = sigma
	}
	if set("neighborhood") {
		cfg.Metric.Neighborhood = neighborhood
	}
	if set("workers") {
		cfg.Metric.Workers = workers
	}

	if set("iters") {
		cfg.Optimizer.Iterations = iters
	}
	if set("lr") {
		cfg.Optimizer.LearningRate = learningRate
	}
	if set("scales") {
		cfg.Optimizer.Scales = scales
	}
	if set("scale") {
		cfg.Optimizer.Scale = scale
	}
	if set("window") {
		cfg.Optimizer.Window = window
	}
	if set("threshold") {
		cfg.Optimizer.Threshold = threshold
	}
	if set("estimate-scales") {
		cfg.Optimizer.EstimateScales = estimateScales
	}
	if set("max-step") {
		cfg.Optimizer.MaxStepSize = maxStep
	}
	if set("return-best") {
		cfg.Optimizer.ReturnBest = returnBest
	}

	if set("coarse") {
		cfg.Coarse.Enabled = coarse
	}
	if set("coarse-radius") {
		cfg.Coarse.Radius = coarseRadius
	}
	if set("coarse-iters") {
		cfg.Coarse.Iterations = coarseIters
	}
	if set("coarse-pop") {
		cfg.Coarse.Population = coarsePopulation
	}
	if set("coarse-seed") {
		cfg.Coarse.Seed = coarseSeed
	}
	if set("trace-every") {
		cfg.TraceEvery = traceEvery
	}
}

// execOptions controls persistence of a single registration run.
type execOptions struct {
	JobID string

	// DataDir enables the result store and traces; empty keeps the run in memory.
	DataDir string

	// AppendTrace continues an existing trace, and PriorIterations offsets iteration
	// numbers, when resuming.
	AppendTrace     bool
	PriorIterations int

	// OutPath receives the JSON report when set.
	OutPath string
}

// runReport is the JSON document written by --out.
type runReport struct {
	JobID     string                    `json:"jobId"`
	Outcome   *registration.Outcome     `json:"outcome"`
	Residuals *registration.Residuals   `json:"residuals,omitempty"`
	Config    config.RegistrationConfig `json:"config"`
}

// executeRun registers the scenario of cfg starting at initial and reports the outcome.
func executeRun(ctx context.Context, stdout io.Writer, cfg *config.RegistrationConfig, initial []float64, opts execOptions) error {
	var resultStore store.Store
	var trace *store.TraceWriter
	if opts.DataDir != "" {
		fsStore, err := store.NewFSStore(opts.DataDir)
		if err != nil {
			return fmt.Errorf("failed to create result store: %w", err)
		}
		resultStore = fsStore
		if cfg.TraceEvery > 0 {
			trace, err = store.OpenTrace(opts.DataDir, opts.JobID, store.TraceOptions{
				Every:  cfg.TraceEvery,
				Append: opts.AppendTrace,
				Offset: opts.PriorIterations,
			})
			if err != nil {
				return err
			}
			defer trace.Close()
		}
	}

	observer := func(ev opt.IterationEvent) {
		if ev.Iteration%1000 == 0 {
			slog.Debug("Iteration", "iteration", ev.Iteration, "value", ev.Value, "gradient_norm", ev.GradientNorm)
		}
		if trace != nil {
			if err := trace.Observe(ev); err != nil {
				slog.Warn("Failed to write trace entry", "error", err)
			}
		}
	}

	start := time.Now()
	sc, t, out, err := registration.Run(ctx, cfg, initial, observer)
	elapsed := time.Since(start)
	if out == nil {
		return err
	}
	runErr := err
	if errors.Is(runErr, context.Canceled) {
		slog.Warn("Registration interrupted", "iterations", out.Iterations)
		runErr = nil
	}

	report := runReport{JobID: opts.JobID, Outcome: out, Config: *cfg}
	if res, rerr := registration.VerifyResiduals(sc.Fixed, sc.Moving, t); rerr == nil {
		report.Residuals = &res
	}

	slog.Info("Registration complete",
		"job_id", opts.JobID,
		"elapsed", elapsed,
		"reason", out.Reason,
		"iterations", out.Iterations,
		"initial_value", out.InitialValue,
		"value", out.Value,
	)

	if resultStore != nil {
		record := store.NewRecord(opts.JobID, out.Parameters, out.Value, out.InitialValue,
			opts.PriorIterations+out.Iterations, string(out.Reason), *cfg)
		record.ConvergenceValue = out.ConvergenceValue
		if report.Residuals != nil {
			record.ResidualForward = report.Residuals.Forward
			if report.Residuals.HasInverse {
				record.ResidualInverse = report.Residuals.Inverse
			}
		}
		if err := resultStore.SaveResult(opts.JobID, record); err != nil {
			return err
		}
	}

	if opts.OutPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := os.WriteFile(opts.OutPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	printSummary(stdout, opts.JobID, out, report.Residuals, resultStore != nil)
	return runErr
}

func printSummary(w io.Writer, jobID string, out *registration.Outcome, res *registration.Residuals, saved bool) {
	fmt.Fprintf(w, "Job %s: %s after %d iterations\n", jobID, out.Reason, out.Iterations)
	fmt.Fprintf(w, "  Value: %.6g -> %.6g\n", out.InitialValue, out.Value)
	fmt.Fprintf(w, "  Parameters: %v\n", out.Parameters)
	if res != nil {
		fmt.Fprintf(w, "  Residual (forward): %.3g\n", res.Forward)
		if res.HasInverse {
			fmt.Fprintf(w, "  Residual (inverse): %.3g\n", res.Inverse)
		}
	}
	if saved {
		fmt.Fprintf(w, "  Saved; resume with: expectreg resume %s\n", jobID)
	}
}
