package opt

import (
	"log/slog"
	"math"
)

// NotConverged is reported by WindowConvergence.Value until the window is full.
const NotConverged = math.MaxFloat64

// WindowConvergence watches the magnitudes of the most recent parameter updates and
// reports convergence when their mean over a full window drops below a threshold.
// A threshold of zero never reports convergence.
type WindowConvergence struct {
	size      int
	threshold float64
	window    []float64 // ring buffer of the last size step magnitudes
	next      int
	count     int
}

// NewWindowConvergence creates a monitor over the last size updates.
func NewWindowConvergence(size int, threshold float64) *WindowConvergence {
	if size < 1 {
		size = 1
	}
	return &WindowConvergence{
		size:      size,
		threshold: threshold,
		window:    make([]float64, size),
	}
}

// Push records the magnitude of one update.
func (c *WindowConvergence) Push(step float64) {
	c.window[c.next] = step
	c.next = (c.next + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Full reports whether size updates have been recorded.
func (c *WindowConvergence) Full() bool {
	return c.count == c.size
}

// Value returns the mean magnitude over the window, or NotConverged while the window
// is still filling.
func (c *WindowConvergence) Value() float64 {
	if !c.Full() {
		return NotConverged
	}
	// Oldest to newest keeps the sum order stable across runs.
	var sum float64
	for i := 0; i < c.size; i++ {
		sum += c.window[(c.next+i)%c.size]
	}
	return sum / float64(c.size)
}

// Converged reports whether the window is full and its mean is below the threshold.
func (c *WindowConvergence) Converged() bool {
	if !c.Full() {
		return false
	}
	v := c.Value()
	if v < c.threshold {
		slog.Debug("Convergence window below threshold",
			"window_mean", v,
			"threshold", c.threshold,
			"window", c.size,
		)
		return true
	}
	return false
}

// Len returns the number of updates currently held.
func (c *WindowConvergence) Len() int {
	return c.count
}

// Reset empties the window.
func (c *WindowConvergence) Reset() {
	for i := range c.window {
		c.window[i] = 0
	}
	c.next = 0
	c.count = 0
}
