package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/store"
)

func setFlag(t *testing.T, name, value, reset string) {
	t.Helper()
	if err := runCmd.Flags().Set(name, value); err != nil {
		t.Fatalf("set --%s: %v", name, err)
	}
	t.Cleanup(func() { runCmd.Flags().Set(name, reset) })
}

func TestApplyRunFlags_FileWithOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "scenario:\n  shape: ellipse\n  radius: 80\n  semiMinor: 30\n  step: 0.1\n  dimension: 2\n  offset: [1, 1]\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath = path
	defer func() { configPath = "" }()
	setFlag(t, "sigma", "0.5", "2")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	applyRunFlags(runCmd, cfg)

	if cfg.Metric.Sigma != 0.5 {
		t.Errorf("Flag should override sigma, got %g", cfg.Metric.Sigma)
	}
	if cfg.Scenario.Shape != config.ShapeEllipse || cfg.Scenario.Radius != 80 {
		t.Errorf("File values should survive unset flags: %+v", cfg.Scenario)
	}
	if len(cfg.Scenario.Offset) != 2 || cfg.Scenario.Offset[0] != 1 {
		t.Errorf("File offset should survive, got %v", cfg.Scenario.Offset)
	}
}

func TestApplyRunFlags_DimensionFillsOffset(t *testing.T) {
	configPath = ""
	setFlag(t, "dim", "3", "2")

	cfg := config.Default()
	applyRunFlags(runCmd, cfg)

	if cfg.Scenario.Dimension != 3 {
		t.Fatalf("Expected dimension 3, got %d", cfg.Scenario.Dimension)
	}
	if len(cfg.Scenario.Offset) != 3 || cfg.Scenario.Offset[2] != 2 {
		t.Errorf("Expected offset (2, 2, 2), got %v", cfg.Scenario.Offset)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Flag defaults should validate: %v", err)
	}
}

func quickRunConfig() *config.RegistrationConfig {
	cfg := config.Default()
	cfg.Optimizer.Iterations = 300
	return cfg
}

func TestExecuteRun_SavesAndResumes(t *testing.T) {
	tmpDir := t.TempDir()
	outFile := filepath.Join(tmpDir, "result.json")

	var stdout bytes.Buffer
	err := executeRun(context.Background(), &stdout, quickRunConfig(), nil, execOptions{
		JobID:   "cli-job",
		DataDir: tmpDir,
		OutPath: outFile,
	})
	if err != nil {
		t.Fatalf("executeRun: %v", err)
	}
	if !strings.Contains(stdout.String(), "Job cli-job: exhausted after 300 iterations") {
		t.Errorf("Unexpected summary: %q", stdout.String())
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("Report not written: %v", err)
	}
	var report runReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Report is not JSON: %v", err)
	}
	if report.Residuals == nil || !report.Residuals.HasInverse {
		t.Error("Report should carry residuals")
	}

	resultStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	first, err := resultStore.LoadResult("cli-job")
	if err != nil {
		t.Fatalf("Result not stored: %v", err)
	}

	cfg, err := resumeConfiguration(first, "", 0)
	if err != nil {
		t.Fatalf("resumeConfiguration: %v", err)
	}
	err = executeRun(context.Background(), &stdout, cfg, first.Parameters, execOptions{
		JobID:           "cli-job",
		DataDir:         tmpDir,
		AppendTrace:     true,
		PriorIterations: first.Iterations,
	})
	if err != nil {
		t.Fatalf("resumed executeRun: %v", err)
	}

	second, err := resultStore.LoadResult("cli-job")
	if err != nil {
		t.Fatalf("Result not stored: %v", err)
	}
	if second.Iterations != 600 {
		t.Errorf("Expected 600 cumulative iterations, got %d", second.Iterations)
	}
	if !(second.Value <= first.Value) {
		t.Errorf("Resuming should not worsen the value: %g -> %g", first.Value, second.Value)
	}
	if second.InitialValue != first.Value {
		t.Errorf("Resumed run should start at the stored value %g, got %g", first.Value, second.InitialValue)
	}

	reader, err := store.NewTraceReader(tmpDir, "cli-job")
	if err != nil {
		t.Fatalf("Trace missing: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// 0..300 step 100, twice
	if len(entries) != 8 {
		t.Fatalf("Expected 8 trace entries, got %d", len(entries))
	}
	if entries[len(entries)-1].Iteration != 600 {
		t.Errorf("Resumed trace should continue numbering, last entry %d", entries[len(entries)-1].Iteration)
	}
}

func TestExecuteRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout bytes.Buffer
	err := executeRun(ctx, &stdout, quickRunConfig(), nil, execOptions{JobID: "cancelled"})
	if err != nil {
		t.Fatalf("An interrupted run still reports its result, got %v", err)
	}
	if !strings.Contains(stdout.String(), "cancelled after 0 iterations") {
		t.Errorf("Unexpected summary: %q", stdout.String())
	}
}

func TestResumeConfiguration(t *testing.T) {
	record := store.NewRecord("job", []float64{-2, -2}, 1e-9, 8, 700, "converged", *config.Default())

	cfg, err := resumeConfiguration(record, "", 50)
	if err != nil {
		t.Fatalf("resumeConfiguration: %v", err)
	}
	if cfg.Optimizer.Iterations != 50 {
		t.Errorf("Expected iteration override 50, got %d", cfg.Optimizer.Iterations)
	}
	if record.Config.Optimizer.Iterations != 10000 {
		t.Error("The stored record must not be modified")
	}

	path := filepath.Join(t.TempDir(), "affine.yaml")
	if err := os.WriteFile(path, []byte("transform:\n  kind: affine\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err = resumeConfiguration(record, path, 0)
	var ce *store.CompatibilityError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CompatibilityError, got %v", err)
	}
}
