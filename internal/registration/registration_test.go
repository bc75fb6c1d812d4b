package registration

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/errs"
	"github.com/cwbudde/expectreg/internal/metric"
	"github.com/cwbudde/expectreg/internal/opt"
	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScenario(t *testing.T) {
	cfg := config.Default().Scenario
	sc, err := BuildScenario(cfg)
	require.NoError(t, err)
	assert.Equal(t, 63, sc.Fixed.Len())
	assert.Equal(t, sc.Fixed.Len(), sc.Moving.Len())
	for i := 0; i < sc.Fixed.Len(); i++ {
		assert.InDelta(t, sc.Fixed.At(i)[0]+2, sc.Moving.At(i)[0], 1e-12)
		assert.InDelta(t, sc.Fixed.At(i)[1]+2, sc.Moving.At(i)[1], 1e-12)
	}
}

func TestBuildScenarioRotation(t *testing.T) {
	cfg := config.ScenarioConfig{Shape: config.ShapeSquare, Radius: 10, Dimension: 2, Rotation: math.Pi / 2}
	sc, err := BuildScenario(cfg)
	require.NoError(t, err)
	// Corner (10, 0) rotates onto (0, 10)
	assert.InDeltaSlice(t, []float64{0, 10}, sc.Moving.At(1), 1e-12)
}

func TestBuildScenarioShapes(t *testing.T) {
	tests := []config.ScenarioConfig{
		{Shape: config.ShapeEllipse, Radius: 100, SemiMinor: 50, Step: 0.1, Dimension: 2},
		{Shape: config.ShapeCircle, Radius: 100, Step: 0.1, Dimension: 3, Offset: []float64{1, 1, 1}},
		{Shape: config.ShapeRandom, Radius: 10, Count: 30, Dimension: 3, Seed: 4},
	}
	for _, cfg := range tests {
		sc, err := BuildScenario(cfg)
		require.NoError(t, err, cfg.Shape)
		assert.Equal(t, cfg.Dimension, sc.Moving.Dim())
	}

	_, err := BuildScenario(config.ScenarioConfig{Shape: "torus"})
	assert.Error(t, err)
}

// Two circles of radius 100 sampled every 0.1 rad and offset by (2, 2).
func TestRunCircleTranslation(t *testing.T) {
	cfg := config.Default()

	sc, tr, out, err := Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.InDelta(t, -2, out.Parameters[0], 1e-4)
	assert.InDelta(t, -2, out.Parameters[1], 1e-4)
	assert.Less(t, out.Value, out.InitialValue)
	assert.Equal(t, out.Parameters, tr.Parameters())

	res, err := VerifyResiduals(sc.Fixed, sc.Moving, tr)
	require.NoError(t, err)
	assert.Less(t, res.Forward, 1e-4)
	assert.Less(t, res.Inverse, 1e-4)
	assert.True(t, res.Within(1e-4))
}

func TestRunCircle3DTranslation(t *testing.T) {
	cfg := config.Default()
	cfg.Scenario.Dimension = 3
	cfg.Scenario.Offset = []float64{2, 2, 2}
	cfg.Optimizer.Iterations = 3000

	_, _, out, err := Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	for d := 0; d < 3; d++ {
		assert.InDelta(t, -2, out.Parameters[d], 1e-3)
	}
}

// A small rotation of an ellipse recovered with a rigid transform. The narrow kernel
// keeps the soft assignment close to nearest-partner matching.
func TestRunEllipseRigid(t *testing.T) {
	cfg := config.Default()
	cfg.Scenario = config.ScenarioConfig{
		Shape:     config.ShapeEllipse,
		Radius:    100,
		SemiMinor: 50,
		Step:      0.1,
		Dimension: 2,
		Offset:    []float64{0.5, -0.5},
		Rotation:  0.01,
	}
	cfg.Transform.Kind = "rigid2d"
	cfg.Metric.Sigma = 0.5
	cfg.Optimizer.Scale = 0
	cfg.Optimizer.EstimateScales = true
	cfg.Optimizer.Iterations = 2000

	sc, tr, out, err := Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, -0.01, out.Parameters[0], 1e-4)
	assert.Less(t, out.Scales[0], out.Scales[1], "the angle needs a smaller scale than the offsets")

	res, err := VerifyResiduals(sc.Fixed, sc.Moving, tr)
	require.NoError(t, err)
	assert.True(t, res.Within(1e-3), "residuals %+v", res)
}

func TestRunWithCoarseStage(t *testing.T) {
	cfg := config.Default()
	cfg.Coarse.Enabled = true
	cfg.Coarse.Iterations = 20
	cfg.Optimizer.Iterations = 2000

	_, _, out, err := Run(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, out.CoarseParameters, 2)
	assert.Equal(t, out.CoarseValue, out.InitialValue, "descent starts where the coarse stage ended")
	assert.InDelta(t, -2, out.Parameters[0], 1e-3)
	assert.InDelta(t, -2, out.Parameters[1], 1e-3)
}

func TestRunResumesFromParameters(t *testing.T) {
	cfg := config.Default()
	cfg.Optimizer.Iterations = 0

	_, _, out, err := Run(context.Background(), cfg, []float64{-2, -2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, -2}, out.Parameters)
	assert.Less(t, out.Value, 1e-6)

	_, _, _, err = Run(context.Background(), cfg, []float64{1}, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestRunObserverAndCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen int
	observer := func(ev opt.IterationEvent) {
		seen++
		if ev.Iteration == 10 {
			cancel()
		}
	}
	_, _, out, err := Run(ctx, config.Default(), nil, observer)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, out)
	assert.Equal(t, opt.StopCancelled, out.Reason)
	assert.Equal(t, 11, seen)
}

func TestRunConfigurationErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Metric.Neighborhood = 63 // equals the moving set size
	_, _, _, err := Run(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)

	cfg = config.Default()
	cfg.Optimizer.Scales = []float64{1, 1, 1}
	_, _, _, err = Run(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func circlePair(t *testing.T) (*pointset.PointSet, *pointset.PointSet) {
	t.Helper()
	fixed, err := pointset.Circle(100, 0.1, 2)
	require.NoError(t, err)
	moving, err := pointset.Translate(fixed, pointset.Point{2, 2})
	require.NoError(t, err)
	return fixed, moving
}

func coarseParams(scales []float64) Params {
	cfg := opt.DefaultConfig()
	cfg.Scales = scales
	return Params{
		Metric:    metric.Config{Sigma: 2, Neighborhood: 10},
		Optimizer: cfg,
		Coarse:    &CoarseParams{Radius: 5, Iterations: 50, Population: 20, Seed: 42},
	}
}

func TestRegisterRejectsOptimizerConfigBeforeCoarseStage(t *testing.T) {
	fixed, moving := circlePair(t)
	tr := transform.NewTranslation(2)

	out, err := Register(context.Background(), fixed, moving, tr, coarseParams([]float64{1, 1, 1}))
	assert.ErrorIs(t, err, errs.ErrConfig)
	assert.Nil(t, out)
	assert.Equal(t, []float64{0, 0}, tr.Parameters(), "transform untouched on configuration error")
}

func TestRegisterCancelledBeforeCoarseStage(t *testing.T) {
	fixed, moving := circlePair(t)
	tr := transform.NewTranslation(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := Register(ctx, fixed, moving, tr, coarseParams(nil))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	assert.Equal(t, opt.StopCancelled, out.Reason)
	assert.Nil(t, out.CoarseParameters, "coarse stage skipped")
	assert.Equal(t, 0, out.Iterations)
	assert.Equal(t, []float64{0, 0}, tr.Parameters())
}

func TestCoarseSearchStopsOnCancellation(t *testing.T) {
	fixed, moving := circlePair(t)
	m := metric.New(fixed, moving, transform.NewTranslation(2), metric.Config{Sigma: 2, Neighborhood: 10})
	require.NoError(t, m.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	initial := []float64{0, 0}
	theta, value, err := coarseSearch(ctx, m, initial, CoarseParams{Radius: 5, Iterations: 50, Population: 20, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, initial, theta, "every candidate scores +Inf once cancelled")
	start, err := m.Value(initial)
	require.NoError(t, err)
	assert.Equal(t, start, value)
}

func TestRegisterWithFixedTransform(t *testing.T) {
	fixed, err := pointset.Square(100)
	require.NoError(t, err)
	moving, err := pointset.Translate(fixed, pointset.Point{5, 5})
	require.NoError(t, err)

	shift := transform.NewTranslation(2)
	require.NoError(t, shift.SetParameters([]float64{5, 5}))

	tr := transform.NewTranslation(2)
	out, err := Register(context.Background(), fixed, moving, tr, Params{
		Metric:         metric.Config{Sigma: 1, Neighborhood: 1},
		Optimizer:      opt.DefaultConfig(),
		FixedTransform: shift,
	})
	require.NoError(t, err)
	assert.Equal(t, opt.StopConverged, out.Reason)
	assert.Equal(t, 0, out.Iterations)
}

func TestVerifyResiduals(t *testing.T) {
	fixed := pointset.MustNew(2, []pointset.Point{{0, 0}, {1, 0}})
	moving := pointset.MustNew(2, []pointset.Point{{1, 1}, {2, 1}})

	tr := transform.NewTranslation(2)
	require.NoError(t, tr.SetParameters([]float64{-1, -1.5}))
	res, err := VerifyResiduals(fixed, moving, tr)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Forward, 1e-12)
	assert.InDelta(t, 0.5, res.Inverse, 1e-12)
	assert.False(t, res.Within(0.1))

	_, err = VerifyResiduals(fixed, pointset.MustNew(2, []pointset.Point{{0, 0}}), tr)
	assert.Error(t, err)
}
