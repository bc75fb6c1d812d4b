package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/cwbudde/expectreg/internal/errs"
	"gonum.org/v1/gonum/floats"
)

// ErrNotReady is returned by Start on an optimizer that has already run.
var ErrNotReady = errors.New("optimizer is not ready: it has already been started")

// Objective is a differentiable function to minimize.
type Objective interface {
	NumberOfParameters() int
	ValueAndDerivative(theta []float64) (float64, []float64, error)
}

// ParameterSink receives every accepted parameter vector. Transforms satisfy it.
type ParameterSink interface {
	SetParameters(theta []float64) error
}

// ScalesEstimator provides parameter scales and the physical size of a step.
type ScalesEstimator interface {
	EstimateScales() ([]float64, error)
	EstimateStepScale(step []float64) (float64, error)
}

// State is the lifecycle stage of a GradientDescent.
type State int

const (
	StateReady State = iota
	StateRunning
	StateConverged
	StateExhausted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateConverged:
		return "converged"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StopReason explains why a run ended.
type StopReason string

const (
	StopConverged StopReason = "converged"
	StopExhausted StopReason = "exhausted"
	StopCancelled StopReason = "cancelled"
	StopFailed    StopReason = "failed"
)

// Config holds the gradient descent settings.
type Config struct {
	// NumberOfIterations is the update budget. Zero evaluates once and stops.
	NumberOfIterations int `json:"numberOfIterations"`

	// LearningRate is η in θ ← θ − η·(s ⊙ g).
	LearningRate float64 `json:"learningRate"`

	// Scales multiplies the gradient component-wise. Nil means all ones, or estimated
	// scales when a ScalesEstimator is set.
	Scales []float64 `json:"scales,omitempty"`

	// ConvergenceWindowSize is the number of recent step magnitudes averaged.
	ConvergenceWindowSize int `json:"convergenceWindowSize"`

	// MinimumConvergenceValue is the threshold τ on the window mean. Zero disables the test.
	MinimumConvergenceValue float64 `json:"minimumConvergenceValue"`

	// ReturnBestParametersAndValue reports the lowest value seen instead of the last one.
	ReturnBestParametersAndValue bool `json:"returnBestParametersAndValue"`

	// MaximumStepSize, when positive and a ScalesEstimator is set, replaces the learning
	// rate with one that moves points by at most this distance on the first update.
	MaximumStepSize float64 `json:"maximumStepSize,omitempty"`
}

// DefaultConfig returns 10000 iterations, η = 0.1, a window of 10 and τ = 0.
func DefaultConfig() Config {
	return Config{
		NumberOfIterations:    10000,
		LearningRate:          0.1,
		ConvergenceWindowSize: 10,
	}
}

// IterationEvent describes one evaluated point of the descent.
type IterationEvent struct {
	Iteration        int       `json:"iteration"`
	Value            float64   `json:"value"`
	Parameters       []float64 `json:"parameters"`
	GradientNorm     float64   `json:"gradientNorm"`
	ConvergenceValue float64   `json:"convergenceValue"`
}

// Result is the outcome of a run.
type Result struct {
	Parameters       []float64  `json:"parameters"`
	Value            float64    `json:"value"`
	InitialValue     float64    `json:"initialValue"`
	Iterations       int        `json:"iterations"`
	Reason           StopReason `json:"reason"`
	ConvergenceValue float64    `json:"convergenceValue"`
	LearningRate     float64    `json:"learningRate"`
	Scales           []float64  `json:"scales"`
}

// GradientDescent minimizes an Objective by scaled steepest descent.
// An instance runs once; create a new one for every run.
type GradientDescent struct {
	cfg       Config
	objective Objective
	initial   []float64

	sink      ParameterSink
	estimator ScalesEstimator
	observer  func(IterationEvent)

	mu    sync.Mutex
	state State
}

// NewGradientDescent creates an optimizer starting at initial. initial is copied.
func NewGradientDescent(objective Objective, initial []float64, cfg Config) *GradientDescent {
	return &GradientDescent{
		cfg:       cfg,
		objective: objective,
		initial:   append([]float64(nil), initial...),
	}
}

// SetTarget registers a sink that receives θ after every update.
func (g *GradientDescent) SetTarget(sink ParameterSink) { g.sink = sink }

// SetScalesEstimator enables scale and learning-rate estimation.
func (g *GradientDescent) SetScalesEstimator(e ScalesEstimator) { g.estimator = e }

// SetObserver registers a callback invoked after every evaluation, on the optimizer's goroutine.
func (g *GradientDescent) SetObserver(fn func(IterationEvent)) { g.observer = fn }

// State returns the current lifecycle stage. Safe for concurrent use.
func (g *GradientDescent) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *GradientDescent) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Start runs the descent until convergence, exhaustion of the iteration budget,
// cancellation of ctx, or a numerical failure.
//
// On cancellation the result carries the last accepted parameters and ctx.Err() is
// returned. On a numerical failure the result carries the last parameters that evaluated
// cleanly and the error is an *errs.NumericalError.
func (g *GradientDescent) Start(ctx context.Context) (*Result, error) {
	g.mu.Lock()
	if g.state != StateReady {
		g.mu.Unlock()
		return nil, ErrNotReady
	}
	g.state = StateRunning
	g.mu.Unlock()

	res, err := g.run(ctx)
	switch {
	case err == nil && res.Reason == StopConverged:
		g.setState(StateConverged)
	case err == nil:
		g.setState(StateExhausted)
	case res != nil && res.Reason == StopCancelled:
		g.setState(StateCancelled)
	default:
		g.setState(StateFailed)
	}
	return res, err
}

// Validate reports configuration errors without evaluating the objective. Start runs
// the same checks.
func (g *GradientDescent) Validate() error {
	np := 0
	if g.objective != nil {
		np = g.objective.NumberOfParameters()
	}
	return g.validate(np)
}

func (g *GradientDescent) validate(np int) error {
	if g.objective == nil {
		return errs.Configf("objective", "is nil")
	}
	if len(g.initial) != np {
		return errs.Configf("parameters", "have length %d, want %d", len(g.initial), np)
	}
	if g.cfg.NumberOfIterations < 0 {
		return errs.Configf("numberOfIterations", "must not be negative, got %d", g.cfg.NumberOfIterations)
	}
	if g.cfg.ConvergenceWindowSize < 1 {
		return errs.Configf("convergenceWindowSize", "must be at least 1, got %d", g.cfg.ConvergenceWindowSize)
	}
	if g.cfg.MinimumConvergenceValue < 0 || math.IsNaN(g.cfg.MinimumConvergenceValue) {
		return errs.Configf("minimumConvergenceValue", "must not be negative, got %g", g.cfg.MinimumConvergenceValue)
	}
	if !g.estimatesLearningRate() && (!(g.cfg.LearningRate > 0) || math.IsInf(g.cfg.LearningRate, 0)) {
		return errs.Configf("learningRate", "must be positive and finite, got %g", g.cfg.LearningRate)
	}
	if g.cfg.Scales != nil {
		if len(g.cfg.Scales) != np {
			return errs.Configf("scales", "have length %d, want %d", len(g.cfg.Scales), np)
		}
		for i, s := range g.cfg.Scales {
			if !(s > 0) || math.IsInf(s, 0) {
				return errs.Configf("scales", "component %d must be positive and finite, got %g", i, s)
			}
		}
	}
	return nil
}

func (g *GradientDescent) estimatesLearningRate() bool {
	return g.cfg.MaximumStepSize > 0 && g.estimator != nil
}

func (g *GradientDescent) resolveScales(np int) ([]float64, error) {
	if g.cfg.Scales != nil {
		return append([]float64(nil), g.cfg.Scales...), nil
	}
	if g.estimator == nil {
		s := make([]float64, np)
		for i := range s {
			s[i] = 1
		}
		return s, nil
	}
	s, err := g.estimator.EstimateScales()
	if err != nil {
		return nil, fmt.Errorf("estimate scales: %w", err)
	}
	if len(s) != np {
		return nil, errs.Configf("scales", "estimator returned %d scales, want %d", len(s), np)
	}
	return s, nil
}

func (g *GradientDescent) run(ctx context.Context) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	np := g.objective.NumberOfParameters()
	scales, err := g.resolveScales(np)
	if err != nil {
		return nil, err
	}

	theta := append([]float64(nil), g.initial...)
	lastValid := append([]float64(nil), theta...)
	step := make([]float64, np)
	learningRate := g.cfg.LearningRate
	window := NewWindowConvergence(g.cfg.ConvergenceWindowSize, g.cfg.MinimumConvergenceValue)

	res := &Result{Scales: scales, LearningRate: learningRate}
	bestValue := math.Inf(1)
	var bestTheta []float64

	slog.Info("Starting gradient descent",
		"parameters", np,
		"iterations", g.cfg.NumberOfIterations,
		"learning_rate", learningRate,
		"window", g.cfg.ConvergenceWindowSize,
		"threshold", g.cfg.MinimumConvergenceValue,
	)

	fail := func(iter int, err error) (*Result, error) {
		res.Parameters = lastValid
		res.Iterations = iter
		res.Reason = StopFailed
		res.ConvergenceValue = window.Value()
		var numErr *errs.NumericalError
		if errors.As(err, &numErr) {
			return res, &errs.NumericalError{Iteration: iter, Reason: numErr.Reason, Parameters: lastValid}
		}
		return res, err
	}

	for iter := 0; ; iter++ {
		value, gradient, err := g.objective.ValueAndDerivative(theta)
		if err != nil {
			return fail(iter, err)
		}
		if reason := nonFinite(value, gradient, np); reason != "" {
			return fail(iter, &errs.NumericalError{Reason: reason})
		}
		copy(lastValid, theta)

		if iter == 0 {
			res.InitialValue = value
		}
		if value < bestValue {
			bestValue = value
			bestTheta = append(bestTheta[:0], theta...)
		}
		res.Parameters = append([]float64(nil), theta...)
		res.Value = value
		res.Iterations = iter
		res.ConvergenceValue = window.Value()

		gradNorm := floats.Norm(gradient, 2)
		if g.observer != nil {
			g.observer(IterationEvent{
				Iteration:        iter,
				Value:            value,
				Parameters:       append([]float64(nil), theta...),
				GradientNorm:     gradNorm,
				ConvergenceValue: res.ConvergenceValue,
			})
		}
		slog.Debug("Gradient descent iteration", "iteration", iter, "value", value, "gradient_norm", gradNorm)

		if gradNorm == 0 {
			res.Reason = StopConverged
			break
		}
		if window.Converged() {
			res.Reason = StopConverged
			break
		}
		if iter >= g.cfg.NumberOfIterations {
			res.Reason = StopExhausted
			break
		}
		if err := ctx.Err(); err != nil {
			res.Reason = StopCancelled
			g.finish(res, bestTheta, bestValue)
			slog.Info("Gradient descent cancelled", "iterations", iter, "value", res.Value)
			return res, err
		}

		floats.MulTo(step, scales, gradient)
		if iter == 0 && g.estimatesLearningRate() {
			learningRate, err = g.estimateLearningRate(step, learningRate)
			if err != nil {
				return fail(iter, err)
			}
			res.LearningRate = learningRate
		}
		floats.Scale(learningRate, step)
		floats.Sub(theta, step)
		if !allFinite(theta) {
			return fail(iter, &errs.NumericalError{Reason: "parameter update is not finite"})
		}
		if g.sink != nil {
			if err := g.sink.SetParameters(theta); err != nil {
				return fail(iter, fmt.Errorf("write parameters: %w", err))
			}
		}
		window.Push(floats.Norm(step, 2))
	}

	if err := g.finish(res, bestTheta, bestValue); err != nil {
		return fail(res.Iterations, err)
	}
	slog.Info("Gradient descent complete",
		"reason", res.Reason,
		"iterations", res.Iterations,
		"initial_value", res.InitialValue,
		"final_value", res.Value,
		"convergence_value", res.ConvergenceValue,
	)
	return res, nil
}

// finish swaps in the best parameters when requested and writes the reported θ to the sink.
func (g *GradientDescent) finish(res *Result, bestTheta []float64, bestValue float64) error {
	if g.cfg.ReturnBestParametersAndValue && bestTheta != nil && bestValue < res.Value {
		res.Parameters = append([]float64(nil), bestTheta...)
		res.Value = bestValue
		if g.sink != nil {
			return g.sink.SetParameters(res.Parameters)
		}
	}
	return nil
}

// estimateLearningRate chooses η so the first scaled step moves points by MaximumStepSize.
func (g *GradientDescent) estimateLearningRate(scaledGradient []float64, fallback float64) (float64, error) {
	stepScale, err := g.estimator.EstimateStepScale(scaledGradient)
	if err != nil {
		return 0, fmt.Errorf("estimate step scale: %w", err)
	}
	if !(stepScale > 0) || math.IsInf(stepScale, 0) {
		return fallback, nil
	}
	eta := g.cfg.MaximumStepSize / stepScale
	slog.Debug("Estimated learning rate", "learning_rate", eta, "step_scale", stepScale)
	return eta, nil
}

func nonFinite(value float64, gradient []float64, np int) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "objective value is not finite"
	}
	if len(gradient) != np {
		return fmt.Sprintf("gradient has length %d, want %d", len(gradient), np)
	}
	for i, v := range gradient {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprintf("gradient component %d is not finite", i)
		}
	}
	return ""
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
