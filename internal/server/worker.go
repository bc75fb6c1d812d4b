package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/expectreg/internal/opt"
	"github.com/cwbudde/expectreg/internal/registration"
	"github.com/cwbudde/expectreg/internal/store"
)

// runJob executes a registration job in the background.
// If resultStore is not nil the final record is saved, and if traceDir is set as well every
// TraceEvery-th iteration is written to the job's trace.
func runJob(ctx context.Context, jm *JobManager, resultStore store.Store, traceDir string, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	slog.Info("Starting job",
		"job_id", jobID,
		"shape", job.Config.Scenario.Shape,
		"transform", job.Config.Transform.Kind,
	)

	var trace *store.TraceWriter
	if resultStore != nil && traceDir != "" && job.Config.TraceEvery > 0 {
		trace, err = store.OpenTrace(traceDir, jobID, store.TraceOptions{Every: job.Config.TraceEvery})
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		}
	}

	observer := func(ev opt.IterationEvent) {
		params := append([]float64(nil), ev.Parameters...)
		jm.UpdateJob(jobID, func(j *Job) {
			if ev.Iteration == 0 {
				j.InitialValue = ev.Value
			}
			j.Iterations = ev.Iteration
			j.Value = ev.Value
			j.GradientNorm = ev.GradientNorm
			j.Parameters = params
		})
		if trace != nil {
			if err := trace.Observe(ev); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}
	}

	start := time.Now()
	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	cfg := job.Config
	sc, tr, out, err := registration.Run(ctx, &cfg, job.Initial, observer)
	close(progressDone)
	elapsed := time.Since(start)

	// the trace is complete before the job is reported done
	if trace != nil {
		if cerr := trace.Close(); cerr != nil {
			slog.Warn("Failed to close trace", "job_id", jobID, "error", cerr)
		}
	}

	if out == nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	var residuals *registration.Residuals
	if res, rerr := registration.VerifyResiduals(sc.Fixed, sc.Moving, tr); rerr == nil {
		residuals = &res
	} else {
		slog.Debug("Residuals unavailable", "job_id", jobID, "error", rerr)
	}

	endTime := time.Now()
	state := StateCompleted
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		state = StateCancelled
	case err != nil:
		state = StateFailed
	}
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Parameters = out.Parameters
		j.Value = out.Value
		j.InitialValue = out.InitialValue
		j.Iterations = out.Iterations
		j.Reason = string(out.Reason)
		j.Residuals = residuals
		j.EndTime = &endTime
		if err != nil && state == StateFailed {
			j.Error = err.Error()
		}
	})

	if resultStore != nil {
		if serr := saveResult(resultStore, jobID, out, residuals, job); serr != nil {
			slog.Error("Failed to save result", "job_id", jobID, "error", serr)
		}
	}

	slog.Info("Job finished",
		"job_id", jobID,
		"state", state,
		"reason", out.Reason,
		"elapsed", elapsed,
		"initial_value", out.InitialValue,
		"value", out.Value,
		"iterations", out.Iterations,
	)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      state,
		Iterations: out.Iterations,
		Value:      out.Value,
		Parameters: out.Parameters,
		Timestamp:  time.Now(),
	})

	if state == StateFailed {
		slog.Error("Job failed", "job_id", jobID, "error", err)
	}
	return err
}

// saveResult persists the final state of a job.
func saveResult(resultStore store.Store, jobID string, out *registration.Outcome, residuals *registration.Residuals, job *Job) error {
	record := store.NewRecord(jobID, out.Parameters, out.Value, out.InitialValue, out.Iterations, string(out.Reason), job.Config)
	record.ConvergenceValue = out.ConvergenceValue
	if residuals != nil {
		record.ResidualForward = residuals.Forward
		if residuals.HasInverse {
			record.ResidualInverse = residuals.Inverse
		}
	}
	if err := resultStore.SaveResult(jobID, record); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	slog.Info("Result saved", "job_id", jobID, "value", out.Value)
	return nil
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}

			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:        jobID,
				State:        job.State,
				Iterations:   job.Iterations,
				Value:        job.Value,
				GradientNorm: job.GradientNorm,
				Parameters:   job.Parameters,
				Timestamp:    time.Now(),
			})
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateFailed,
		Timestamp: time.Now(),
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}
