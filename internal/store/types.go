package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cwbudde/expectreg/internal/config"
)

// Record is the persisted outcome of a registration run.
//
// Only the final parameters are stored, not the optimizer internals (the convergence
// window, the learning rate estimate). Resuming starts a fresh descent from Parameters,
// so a resumed run is not a bit-exact continuation of the interrupted one.
type Record struct {
	// JobID is the unique identifier for this registration job
	JobID string `json:"jobId"`

	// Parameters is the transform parameter vector at the end of the run
	Parameters []float64 `json:"parameters"`

	// Value is the metric value at Parameters
	Value float64 `json:"value"`

	// InitialValue is the metric value at the starting parameters
	InitialValue float64 `json:"initialValue"`

	// Iterations is the number of parameter updates performed
	Iterations int `json:"iterations"`

	// Reason is why the run stopped: converged, exhausted, cancelled or failed
	Reason string `json:"reason"`

	// ConvergenceValue is the final mean step magnitude over the convergence window
	ConvergenceValue float64 `json:"convergenceValue"`

	// ResidualForward and ResidualInverse are the partner residuals, when measured
	ResidualForward float64 `json:"residualForward,omitempty"`
	ResidualInverse float64 `json:"residualInverse,omitempty"`

	// Timestamp records when this record was created
	Timestamp time.Time `json:"timestamp"`

	// Config is the full run configuration, needed to rebuild the scenario on resume
	Config config.RegistrationConfig `json:"config"`
}

// RecordInfo contains metadata about a record without the parameter data.
type RecordInfo struct {
	JobID      string    `json:"jobId"`
	Value      float64   `json:"value"`
	Iterations int       `json:"iterations"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	Shape      string    `json:"shape"`
	Transform  string    `json:"transform"`
}

// NewRecord creates a record stamped with the current time.
func NewRecord(jobID string, parameters []float64, value, initialValue float64, iterations int, reason string, cfg config.RegistrationConfig) *Record {
	return &Record{
		JobID:        jobID,
		Parameters:   parameters,
		Value:        value,
		InitialValue: initialValue,
		Iterations:   iterations,
		Reason:       reason,
		Timestamp:    time.Now(),
		Config:       cfg,
	}
}

// ToInfo converts a full Record to RecordInfo (metadata only).
func (r *Record) ToInfo() RecordInfo {
	return RecordInfo{
		JobID:      r.JobID,
		Value:      r.Value,
		Iterations: r.Iterations,
		Reason:     r.Reason,
		Timestamp:  r.Timestamp,
		Shape:      r.Config.Scenario.Shape,
		Transform:  r.Config.Transform.Kind,
	}
}

// Validate checks if the record has valid data.
func (r *Record) Validate() error {
	if r.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if r.Parameters == nil {
		return &ValidationError{Field: "Parameters", Reason: "cannot be nil"}
	}
	for i, v := range r.Parameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "Parameters", Reason: fmt.Sprintf("component %d is not finite", i)}
		}
	}
	if r.Value < 0 || math.IsNaN(r.Value) {
		return &ValidationError{Field: "Value", Reason: "must be a non-negative number"}
	}
	if r.InitialValue < 0 || math.IsNaN(r.InitialValue) {
		return &ValidationError{Field: "InitialValue", Reason: "must be a non-negative number"}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Reason == "" {
		return &ValidationError{Field: "Reason", Reason: "cannot be empty"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if err := r.Config.Validate(); err != nil {
		return &ValidationError{Field: "Config", Reason: err.Error()}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this record's parameters can seed a run with the given config.
func (r *Record) IsCompatible(cfg config.RegistrationConfig) error {
	if !strings.EqualFold(r.Config.Transform.Kind, cfg.Transform.Kind) {
		return &CompatibilityError{
			Field:    "Transform.Kind",
			Expected: r.Config.Transform.Kind,
			Actual:   cfg.Transform.Kind,
		}
	}
	if r.Config.Scenario.Dimension != cfg.Scenario.Dimension {
		return &CompatibilityError{
			Field:    "Scenario.Dimension",
			Expected: fmt.Sprintf("%d", r.Config.Scenario.Dimension),
			Actual:   fmt.Sprintf("%d", cfg.Scenario.Dimension),
		}
	}
	if r.Config.Scenario.Shape != cfg.Scenario.Shape {
		return &CompatibilityError{
			Field:    "Scenario.Shape",
			Expected: r.Config.Scenario.Shape,
			Actual:   cfg.Scenario.Shape,
		}
	}
	return nil
}

// CompatibilityError represents a record compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
