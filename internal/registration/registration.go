// Package registration wires the metric, the transform and the optimizers into a
// complete point-set registration run.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/metric"
	"github.com/cwbudde/expectreg/internal/opt"
	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/scales"
	"github.com/cwbudde/expectreg/internal/transform"
)

// Params configures Register.
type Params struct {
	Metric    metric.Config
	Optimizer opt.Config

	// FixedTransform is applied once to the fixed points. Nil means identity.
	FixedTransform transform.Transform

	// EstimateScales samples the moving points for parameter scales when
	// Optimizer.Scales is nil, and enables learning-rate estimation.
	EstimateScales bool

	// Coarse runs a global search around the initial parameters first.
	Coarse *CoarseParams

	Observer func(opt.IterationEvent)
}

// CoarseParams configures the global search stage.
type CoarseParams struct {
	Radius     float64
	Iterations int
	Population int
	Seed       int64
}

// Outcome is the result of Register.
type Outcome struct {
	*opt.Result

	// CoarseParameters and CoarseValue are set when the coarse stage ran.
	CoarseParameters []float64 `json:"coarseParameters,omitempty"`
	CoarseValue      float64   `json:"coarseValue,omitempty"`
}

// Register aligns moving to fixed by optimizing t. On return t holds the final
// parameters. A non-nil Outcome is returned alongside cancellation and numerical errors.
func Register(ctx context.Context, fixed, moving *pointset.PointSet, t transform.Transform, p Params) (*Outcome, error) {
	m := metric.New(fixed, moving, t, p.Metric)
	m.SetFixedTransform(p.FixedTransform)
	if err := m.Initialize(); err != nil {
		return nil, err
	}

	slog.Info("Starting registration",
		"fixed_points", fixed.Len(),
		"moving_points", moving.Len(),
		"parameters", m.NumberOfParameters(),
		"sigma", p.Metric.Sigma,
		"neighborhood", p.Metric.Neighborhood,
	)

	newDescent := func(initial []float64) *opt.GradientDescent {
		gd := opt.NewGradientDescent(m, initial, p.Optimizer)
		gd.SetTarget(t)
		if p.EstimateScales {
			gd.SetScalesEstimator(&scales.ShiftEstimator{Transform: t, Points: moving})
		}
		if p.Observer != nil {
			gd.SetObserver(p.Observer)
		}
		return gd
	}

	out := &Outcome{}
	initial := m.InitialParameters()
	if err := newDescent(initial).Validate(); err != nil {
		return nil, err
	}
	if p.Coarse != nil && len(initial) > 0 && ctx.Err() == nil {
		theta, value, err := coarseSearch(ctx, m, initial, *p.Coarse)
		if err != nil {
			return nil, err
		}
		if err := t.SetParameters(theta); err != nil {
			return nil, fmt.Errorf("apply coarse parameters: %w", err)
		}
		out.CoarseParameters, out.CoarseValue = theta, value
		initial = theta
	}

	gd := newDescent(initial)
	res, err := gd.Start(ctx)
	out.Result = res
	if res == nil {
		return nil, err
	}
	return out, err
}

// coarseSearch runs mayfly over the box initial ± radius and keeps the better of the
// search result and the initial parameters. Once ctx is done every remaining candidate
// scores +Inf, so the best point found so far is kept.
func coarseSearch(ctx context.Context, m *metric.Expectation, initial []float64, cp CoarseParams) ([]float64, float64, error) {
	start, err := m.Value(initial)
	if err != nil {
		return nil, 0, fmt.Errorf("evaluate initial parameters: %w", err)
	}

	dim := len(initial)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i, v := range initial {
		lower[i] = v - cp.Radius
		upper[i] = v + cp.Radius
	}
	eval := func(theta []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		v, err := m.Value(theta)
		if err != nil {
			return math.Inf(1)
		}
		return v
	}

	slog.Info("Starting coarse search", "radius", cp.Radius, "iterations", cp.Iterations, "population", cp.Population)
	best, cost := opt.NewMayfly(cp.Iterations, cp.Population, cp.Seed).Run(eval, lower, upper, dim)
	if ctx.Err() != nil {
		slog.Info("Coarse search interrupted", "initial_value", start, "best_value", cost)
	} else {
		slog.Info("Coarse search complete", "initial_value", start, "best_value", cost)
	}

	if !(cost < start) {
		return append([]float64(nil), initial...), start, nil
	}
	return best, cost, nil
}

// Run builds the scenario described by cfg and registers it. initial, when non-nil,
// replaces the identity starting parameters.
func Run(ctx context.Context, cfg *config.RegistrationConfig, initial []float64, observer func(opt.IterationEvent)) (*Scenario, transform.Transform, *Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	sc, err := BuildScenario(cfg.Scenario)
	if err != nil {
		return nil, nil, nil, err
	}
	t, err := transform.New(transform.Kind(cfg.Transform.Kind), cfg.Scenario.Dimension, cfg.Transform.Center)
	if err != nil {
		return nil, nil, nil, err
	}
	if initial != nil {
		if err := t.SetParameters(initial); err != nil {
			return nil, nil, nil, fmt.Errorf("initial parameters: %w", err)
		}
	}

	out, err := Register(ctx, sc.Fixed, sc.Moving, t, ParamsFromConfig(cfg, t.NumberOfParameters(), observer))
	return sc, t, out, err
}

// ParamsFromConfig translates the file configuration for a transform with np parameters.
func ParamsFromConfig(cfg *config.RegistrationConfig, np int, observer func(opt.IterationEvent)) Params {
	oc := opt.Config{
		NumberOfIterations:           cfg.Optimizer.Iterations,
		LearningRate:                 cfg.Optimizer.LearningRate,
		ConvergenceWindowSize:        cfg.Optimizer.Window,
		MinimumConvergenceValue:      cfg.Optimizer.Threshold,
		ReturnBestParametersAndValue: cfg.Optimizer.ReturnBest,
		MaximumStepSize:              cfg.Optimizer.MaxStepSize,
	}
	switch {
	case len(cfg.Optimizer.Scales) > 0:
		oc.Scales = append([]float64(nil), cfg.Optimizer.Scales...)
	case cfg.Optimizer.Scale > 0 && !cfg.Optimizer.EstimateScales:
		oc.Scales = make([]float64, np)
		for i := range oc.Scales {
			oc.Scales[i] = cfg.Optimizer.Scale
		}
	}

	p := Params{
		Metric: metric.Config{
			Sigma:        cfg.Metric.Sigma,
			Neighborhood: cfg.Metric.Neighborhood,
			Workers:      cfg.Metric.Workers,
		},
		Optimizer:      oc,
		EstimateScales: cfg.Optimizer.EstimateScales,
		Observer:       observer,
	}
	if cfg.Coarse.Enabled {
		p.Coarse = &CoarseParams{
			Radius:     cfg.Coarse.Radius,
			Iterations: cfg.Coarse.Iterations,
			Population: cfg.Coarse.Population,
			Seed:       cfg.Coarse.Seed,
		}
	}
	return p
}
