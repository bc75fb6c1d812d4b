package opt

import (
	"log/slog"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
//
// The library only supports one scalar bound for every dimension, so the search runs in
// the unit cube and positions are mapped onto [lower[i], upper[i]] before evaluation.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	denormalize := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range x {
			x[i] = lower[i] + u[i]*(upper[i]-lower[i])
		}
		return x
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 { return eval(denormalize(u)) }
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1

	// Set random seed for reproducibility
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		// Fall back to the centre of the box
		slog.Warn("Mayfly optimization failed, using box centre", "error", err)
		center := make([]float64, dim)
		for i := range center {
			center[i] = 0.5
		}
		x := denormalize(center)
		return x, eval(x)
	}

	return denormalize(result.GlobalBest.Position), result.GlobalBest.Cost
}
