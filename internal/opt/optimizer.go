package opt

// Optimizer is a derivative-free global search over a bounded box. It complements
// GradientDescent: a coarse global stage can pick the starting parameters for the descent.
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper] of dimension dim and returns the
	// best parameters found and their cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}
