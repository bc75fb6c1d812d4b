package registration

import (
	"fmt"
	"math"

	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/transform"
)

// Residuals are the largest per-coordinate deviations between partner points.
type Residuals struct {
	// Forward compares T(moving_i) with fixed_i.
	Forward float64 `json:"forward"`

	// Inverse compares T⁻¹(fixed_i) with moving_i. Only set when HasInverse is true.
	Inverse    float64 `json:"inverse"`
	HasInverse bool    `json:"hasInverse"`
}

// Within reports whether both residuals are at most tol. A missing inverse fails.
func (r Residuals) Within(tol float64) bool {
	return r.HasInverse && r.Forward <= tol && r.Inverse <= tol
}

// VerifyResiduals checks a registration with known partners: point i of moving corresponds
// to point i of fixed.
func VerifyResiduals(fixed, moving *pointset.PointSet, t transform.Transform) (Residuals, error) {
	if fixed.Len() != moving.Len() {
		return Residuals{}, fmt.Errorf("partner sets differ in size: %d fixed, %d moving", fixed.Len(), moving.Len())
	}
	registered, err := transform.Apply(t, moving)
	if err != nil {
		return Residuals{}, err
	}
	res := Residuals{Forward: maxDeviation(registered, fixed)}

	inv, ok := t.(transform.Inverter)
	if !ok {
		return res, nil
	}
	back, err := inv.Inverse()
	if err != nil {
		return res, fmt.Errorf("invert transform: %w", err)
	}
	restored, err := transform.Apply(back, fixed)
	if err != nil {
		return res, err
	}
	res.Inverse = maxDeviation(restored, moving)
	res.HasInverse = true
	return res, nil
}

func maxDeviation(a, b *pointset.PointSet) float64 {
	var worst float64
	for i := 0; i < a.Len(); i++ {
		pa, pb := a.At(i), b.At(i)
		for d := range pa {
			if dev := math.Abs(pa[d] - pb[d]); dev > worst {
				worst = dev
			}
		}
	}
	return worst
}
