// Package metric implements the expectation-based point-set dissimilarity.
//
// For every fixed point the metric looks up the k nearest transformed moving points,
// weights them with a Gaussian kernel of width σ and forms their weighted mean, the
// expected correspondence. The value is the mean squared distance between each fixed point
// and its expected correspondence. The optimizer minimizes it.
package metric

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/cwbudde/expectreg/internal/errs"
	"github.com/cwbudde/expectreg/internal/neighbor"
	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/transform"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Config holds the metric settings.
type Config struct {
	// Sigma is the Gaussian kernel width. Must be positive.
	Sigma float64

	// Neighborhood is the number of moving points k contributing to each expectation.
	// Must be at least 1 and smaller than the moving set.
	Neighborhood int

	// Workers bounds the number of goroutines per evaluation. Values < 1 use GOMAXPROCS.
	Workers int
}

// DefaultConfig returns σ = 1, k = 50 and one worker per available CPU.
func DefaultConfig() Config {
	return Config{
		Sigma:        1,
		Neighborhood: 50,
		Workers:      runtime.GOMAXPROCS(0),
	}
}

// Expectation evaluates the metric for a fixed set and a moving set mapped by a
// parameterized transform. It is safe to call Value and ValueAndDerivative concurrently
// once Initialize has succeeded; the caller's transforms are never mutated.
type Expectation struct {
	fixed  *pointset.PointSet
	moving *pointset.PointSet

	movingTransform transform.Transform
	fixedTransform  transform.Transform

	cfg Config

	// fixed points after the fixed transform, computed once in Initialize
	mappedFixed *pointset.PointSet
	initialized bool
}

// New creates a metric. Call Initialize before evaluating.
func New(fixed, moving *pointset.PointSet, movingTransform transform.Transform, cfg Config) *Expectation {
	return &Expectation{
		fixed:           fixed,
		moving:          moving,
		movingTransform: movingTransform,
		cfg:             cfg,
	}
}

// SetFixedTransform sets the mapping applied once to the fixed points. Nil restores the
// identity. It must be called before Initialize to take effect.
func (m *Expectation) SetFixedTransform(t transform.Transform) {
	m.fixedTransform = t
	m.initialized = false
}

// Initialize validates the configuration and maps the fixed points.
func (m *Expectation) Initialize() error {
	m.initialized = false

	if m.fixed == nil || m.fixed.Len() == 0 {
		return errs.Configf("fixed", "point set is empty")
	}
	if m.moving == nil || m.moving.Len() == 0 {
		return errs.Configf("moving", "point set is empty")
	}
	if m.fixed.Dim() != m.moving.Dim() {
		return errs.Configf("moving", "has dimension %d, fixed has %d", m.moving.Dim(), m.fixed.Dim())
	}
	if m.movingTransform == nil {
		return errs.Configf("transform", "is nil")
	}
	dim := m.fixed.Dim()
	if m.movingTransform.Dim() != dim {
		return errs.Configf("transform", "has dimension %d, points have %d", m.movingTransform.Dim(), dim)
	}
	if !(m.cfg.Sigma > 0) || math.IsInf(m.cfg.Sigma, 0) {
		return errs.Configf("sigma", "must be positive and finite, got %g", m.cfg.Sigma)
	}
	if m.cfg.Neighborhood < 1 {
		return errs.Configf("neighborhood", "must be at least 1, got %d", m.cfg.Neighborhood)
	}
	if m.cfg.Neighborhood >= m.moving.Len() {
		return errs.Configf("neighborhood", "must be smaller than the moving set size %d, got %d",
			m.moving.Len(), m.cfg.Neighborhood)
	}

	fixedTransform := m.fixedTransform
	if fixedTransform == nil {
		fixedTransform = transform.NewIdentity(dim)
	}
	if fixedTransform.Dim() != dim {
		return errs.Configf("fixedTransform", "has dimension %d, points have %d", fixedTransform.Dim(), dim)
	}
	mapped, err := transform.Apply(fixedTransform, m.fixed)
	if err != nil {
		return fmt.Errorf("map fixed points: %w", err)
	}
	m.fixedTransform = fixedTransform
	m.mappedFixed = mapped
	m.initialized = true

	slog.Debug("Metric initialized",
		"fixed_points", m.fixed.Len(),
		"moving_points", m.moving.Len(),
		"parameters", m.movingTransform.NumberOfParameters(),
		"sigma", m.cfg.Sigma,
		"neighborhood", m.cfg.Neighborhood,
		"workers", m.workers(),
	)
	return nil
}

// Config returns the metric settings.
func (m *Expectation) Config() Config { return m.cfg }

// NumberOfParameters returns the length of the parameter vector the metric accepts.
func (m *Expectation) NumberOfParameters() int {
	return m.movingTransform.NumberOfParameters()
}

// NumberOfFixedPoints returns the number of fixed points averaged over.
func (m *Expectation) NumberOfFixedPoints() int { return m.fixed.Len() }

// InitialParameters returns a copy of the moving transform's current parameters.
func (m *Expectation) InitialParameters() []float64 {
	return m.movingTransform.Parameters()
}

// MovingTransform returns the caller's moving transform.
func (m *Expectation) MovingTransform() transform.Transform { return m.movingTransform }

// FixedTransform returns the fixed transform, the identity after Initialize if none was set.
func (m *Expectation) FixedTransform() transform.Transform { return m.fixedTransform }

// Value returns the metric at theta.
func (m *Expectation) Value(theta []float64) (float64, error) {
	v, _, err := m.evaluate(theta, false)
	return v, err
}

// ValueAndDerivative returns the metric and its gradient with respect to theta.
//
// The kernel weights are treated as constants when differentiating, so the gradient is
// that of the expectation step with soft assignments held fixed.
func (m *Expectation) ValueAndDerivative(theta []float64) (float64, []float64, error) {
	return m.evaluate(theta, true)
}

// pointResult is the contribution of one fixed point.
type pointResult struct {
	value    float64
	gradient []float64
}

func (m *Expectation) evaluate(theta []float64, withGradient bool) (float64, []float64, error) {
	if !m.initialized {
		return 0, nil, errs.Configf("metric", "is not initialized")
	}
	np := m.movingTransform.NumberOfParameters()
	if len(theta) != np {
		return 0, nil, errs.Configf("parameters", "have length %d, want %d", len(theta), np)
	}

	t := m.movingTransform.Clone()
	if err := t.SetParameters(theta); err != nil {
		return 0, nil, err
	}
	mapped, err := transform.Apply(t, m.moving)
	if err != nil {
		return 0, nil, fmt.Errorf("map moving points: %w", err)
	}
	idx := neighbor.Build(mapped)

	n := m.mappedFixed.Len()
	results := make([]pointResult, n)
	withGradient = withGradient && np > 0

	var wg sync.WaitGroup
	for _, span := range chunks(n, m.workers()) {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			w := newWorker(m, t, mapped, idx, withGradient)
			for i := lo; i < hi; i++ {
				results[i] = w.point(m.mappedFixed.At(i))
			}
		}(span[0], span[1])
	}
	wg.Wait()

	// Reduce in index order so repeated calls are bit-identical.
	var sum float64
	gradient := make([]float64, np)
	for i := range results {
		sum += results[i].value
		if withGradient {
			floats.Add(gradient, results[i].gradient)
		}
	}
	value := sum / float64(n)
	floats.Scale(1/float64(n), gradient)

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, nil, &errs.NumericalError{Reason: "metric value is not finite", Parameters: append([]float64(nil), theta...)}
	}
	for p, g := range gradient {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return 0, nil, &errs.NumericalError{
				Reason:     fmt.Sprintf("gradient component %d is not finite", p),
				Parameters: append([]float64(nil), theta...),
			}
		}
	}
	return value, gradient, nil
}

func (m *Expectation) workers() int {
	if m.cfg.Workers < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return m.cfg.Workers
}

// chunks splits [0, n) into at most parts contiguous spans of near-equal size.
func chunks(n, parts int) [][2]int {
	if parts > n {
		parts = n
	}
	if parts < 1 {
		parts = 1
	}
	out := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	lo := 0
	for p := 0; p < parts; p++ {
		hi := lo + size
		if p < rem {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi
	}
	return out
}

// worker holds per-goroutine scratch space for evaluating fixed points.
type worker struct {
	m            *Expectation
	t            transform.Transform
	mapped       *pointset.PointSet
	idx          *neighbor.Index
	withGradient bool

	twoSigmaSq float64
	expected   pointset.Point
	weights    []float64
	jac        *mat.Dense
	coef       *mat.VecDense
	contrib    mat.VecDense
}

func newWorker(m *Expectation, t transform.Transform, mapped *pointset.PointSet, idx *neighbor.Index, withGradient bool) *worker {
	dim := mapped.Dim()
	w := &worker{
		m:            m,
		t:            t,
		mapped:       mapped,
		idx:          idx,
		withGradient: withGradient,
		twoSigmaSq:   2 * m.cfg.Sigma * m.cfg.Sigma,
		expected:     make(pointset.Point, dim),
		weights:      make([]float64, m.cfg.Neighborhood),
	}
	if withGradient {
		w.jac = mat.NewDense(t.NumberOfParameters(), dim, nil)
		w.coef = mat.NewVecDense(dim, nil)
	}
	return w
}

// point evaluates the squared distance between f and its expected correspondence and,
// if requested, the gradient contribution of f.
func (w *worker) point(f pointset.Point) pointResult {
	neighbors := w.idx.Query(f, w.m.cfg.Neighborhood)
	if len(neighbors) == 0 {
		// Only reachable when every distance overflowed.
		res := pointResult{value: math.NaN()}
		if w.withGradient {
			res.gradient = make([]float64, w.t.NumberOfParameters())
		}
		return res
	}
	weights := w.weights[:len(neighbors)]

	var total float64
	for j, nb := range neighbors {
		weights[j] = math.Exp(-nb.SquaredDistance / w.twoSigmaSq)
		total += weights[j]
	}
	if !(total > 0) || math.IsInf(total, 0) {
		// Every kernel value underflowed: fall back to the plain mean.
		for j := range weights {
			weights[j] = 1 / float64(len(weights))
		}
	} else {
		floats.Scale(1/total, weights)
	}

	for d := range w.expected {
		w.expected[d] = 0
	}
	for j, nb := range neighbors {
		floats.AddScaled(w.expected, weights[j], w.mapped.At(nb.Index))
	}

	var res pointResult
	res.value = f.SquaredDistance(w.expected)
	if !w.withGradient {
		return res
	}

	res.gradient = make([]float64, w.t.NumberOfParameters())
	for j, nb := range neighbors {
		// J is evaluated at the untransformed moving point.
		w.t.Jacobian(w.m.moving.At(nb.Index), w.jac)
		for d := range w.expected {
			w.coef.SetVec(d, 2*weights[j]*(w.expected[d]-f[d]))
		}
		w.contrib.MulVec(w.jac, w.coef)
		floats.Add(res.gradient, w.contrib.RawVector().Data)
	}
	return res
}
