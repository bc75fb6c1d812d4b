// Package scales estimates per-parameter scales from the physical shift each parameter
// causes, so that parameters with different units move points by comparable amounts.
package scales

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/transform"
	"gonum.org/v1/gonum/floats"
)

// DefaultSmallVariation is the parameter perturbation used to probe shifts.
const DefaultSmallVariation = 0.01

// ShiftEstimator measures how far sample points move when a parameter is perturbed.
// The transform is never mutated; probing happens on clones.
type ShiftEstimator struct {
	Transform transform.Transform
	Points    *pointset.PointSet

	// SmallVariation is the perturbation δ. Zero means DefaultSmallVariation.
	SmallVariation float64

	// SampleCount limits the number of points probed, taken evenly across the set.
	// Zero probes every point.
	SampleCount int
}

// EstimateScales returns s_k = δ² / max_x ‖T(θ+δe_k)(x) − T(θ)(x)‖² for every parameter.
// A pure translation therefore gets scale 1. Parameters that move no point get scale 1.
func (e *ShiftEstimator) EstimateScales() ([]float64, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	delta := e.delta()
	theta := e.Transform.Parameters()
	out := make([]float64, len(theta))
	for k := range theta {
		step := make([]float64, len(theta))
		step[k] = delta
		shift, err := e.maxShift(theta, step)
		if err != nil {
			return nil, err
		}
		if shift == 0 {
			out[k] = 1
			continue
		}
		out[k] = (delta * delta) / (shift * shift)
	}
	slog.Debug("Estimated parameter scales", "scales", out, "delta", delta)
	return out, nil
}

// EstimateStepScale returns the largest distance any sample point moves under step.
func (e *ShiftEstimator) EstimateStepScale(step []float64) (float64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	theta := e.Transform.Parameters()
	if len(step) != len(theta) {
		return 0, fmt.Errorf("step has length %d, want %d", len(step), len(theta))
	}
	return e.maxShift(theta, step)
}

func (e *ShiftEstimator) validate() error {
	if e.Transform == nil {
		return fmt.Errorf("shift estimator has no transform")
	}
	if e.Points == nil || e.Points.Len() == 0 {
		return fmt.Errorf("shift estimator has no sample points")
	}
	if e.Points.Dim() != e.Transform.Dim() {
		return fmt.Errorf("sample points have dimension %d, transform has %d", e.Points.Dim(), e.Transform.Dim())
	}
	return nil
}

func (e *ShiftEstimator) delta() float64 {
	if e.SmallVariation > 0 {
		return e.SmallVariation
	}
	return DefaultSmallVariation
}

func (e *ShiftEstimator) maxShift(theta, step []float64) (float64, error) {
	base := e.Transform.Clone()
	moved := e.Transform.Clone()
	shifted := append([]float64(nil), theta...)
	floats.Add(shifted, step)
	if err := moved.SetParameters(shifted); err != nil {
		return 0, fmt.Errorf("perturb parameters: %w", err)
	}

	var largest float64
	for _, i := range e.samples() {
		p := e.Points.At(i)
		d := floats.Distance(moved.TransformPoint(p), base.TransformPoint(p), 2)
		if d > largest {
			largest = d
		}
	}
	return largest, nil
}

// samples returns evenly spaced point indices.
func (e *ShiftEstimator) samples() []int {
	n := e.Points.Len()
	count := e.SampleCount
	if count <= 0 || count > n {
		count = n
	}
	out := make([]int, count)
	for i := range out {
		out[i] = i * n / count
	}
	return out
}
