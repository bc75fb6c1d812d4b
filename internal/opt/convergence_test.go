package opt

import "testing"

func TestWindowConvergenceFills(t *testing.T) {
	c := NewWindowConvergence(3, 0.5)

	for i, step := range []float64{0.1, 0.1} {
		c.Push(step)
		if c.Converged() {
			t.Fatalf("Converged after %d updates with window 3", i+1)
		}
		if c.Value() != NotConverged {
			t.Errorf("Value() = %v before the window is full", c.Value())
		}
	}

	c.Push(0.1)
	if !c.Full() {
		t.Fatal("Expected window to be full")
	}
	if !c.Converged() {
		t.Errorf("Expected convergence with mean %v < 0.5", c.Value())
	}
}

func TestWindowConvergenceSlides(t *testing.T) {
	c := NewWindowConvergence(2, 1)
	c.Push(5)
	c.Push(5)
	if c.Converged() {
		t.Fatal("Mean 5 must not converge with threshold 1")
	}

	// The old values slide out of the window
	c.Push(0.5)
	c.Push(0.5)
	if got := c.Value(); got != 0.5 {
		t.Errorf("Value() = %v, want 0.5", got)
	}
	if !c.Converged() {
		t.Error("Expected convergence after large steps left the window")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestWindowConvergenceZeroThresholdDisabled(t *testing.T) {
	c := NewWindowConvergence(1, 0)
	c.Push(0)
	if c.Converged() {
		t.Error("Threshold 0 must never report convergence")
	}
}

func TestWindowConvergenceReset(t *testing.T) {
	c := NewWindowConvergence(2, 1)
	c.Push(0.1)
	c.Push(0.1)
	c.Reset()
	if c.Full() || c.Len() != 0 {
		t.Error("Reset did not empty the window")
	}
}
