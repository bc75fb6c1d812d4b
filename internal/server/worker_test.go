package server

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/expectreg/internal/store"
)

func TestRunJob_Success(t *testing.T) {
	tmpDir := t.TempDir()
	resultStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	jm := NewJobManager()
	job := jm.CreateJob(quickConfig(), nil)

	if err := runJob(context.Background(), jm, resultStore, tmpDir, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}
	if updated.Reason != "exhausted" {
		t.Errorf("Expected exhausted budget, got %q", updated.Reason)
	}
	if !(updated.Value < updated.InitialValue) {
		t.Errorf("Value should decrease: initial %g, final %g", updated.InitialValue, updated.Value)
	}
	if len(updated.Parameters) != 2 {
		t.Fatalf("Expected 2 params, got %d", len(updated.Parameters))
	}
	for i, p := range updated.Parameters {
		if math.Abs(p+2) > 0.05 {
			t.Errorf("Parameter %d should approach -2, got %g", i, p)
		}
	}
	if updated.Residuals == nil || !updated.Residuals.HasInverse {
		t.Error("Residuals should be measured for a translation")
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}

	record, err := resultStore.LoadResult(job.ID)
	if err != nil {
		t.Fatalf("Result should be saved: %v", err)
	}
	if record.Iterations != updated.Iterations {
		t.Errorf("Stored iterations %d, job reports %d", record.Iterations, updated.Iterations)
	}

	reader, err := store.NewTraceReader(tmpDir, job.ID)
	if err != nil {
		t.Fatalf("Trace should exist: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	// iterations 0, 100, 200 and 300
	if len(entries) != 4 {
		t.Errorf("Expected 4 trace entries, got %d", len(entries))
	}
}

func TestRunJob_InvalidConfig(t *testing.T) {
	jm := NewJobManager()
	cfg := quickConfig()
	cfg.Metric.Neighborhood = 63 // equals the moving set size
	job := jm.CreateJob(cfg, nil)

	err := runJob(context.Background(), jm, nil, "", job.ID)
	if err == nil {
		t.Fatal("runJob should fail with a neighborhood that is too large")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
	if updated.Error == "" {
		t.Error("Error message should be set")
	}
}

func TestRunJob_Cancellation(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(quickConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runJob(ctx, jm, nil, "", job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
	if updated.Iterations != 0 {
		t.Errorf("A cancelled job should stop at the first boundary, got %d iterations", updated.Iterations)
	}
	if updated.Error != "" {
		t.Errorf("Cancellation is not an error, got %q", updated.Error)
	}
}

func TestRunJob_NotFound(t *testing.T) {
	if err := runJob(context.Background(), NewJobManager(), nil, "", "missing"); err == nil {
		t.Error("runJob should fail for an unknown job")
	}
}
