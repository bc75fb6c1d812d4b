package transform

import (
	"github.com/cwbudde/expectreg/internal/pointset"
	"gonum.org/v1/gonum/mat"
)

// Translation shifts every point by its parameter vector: x' = x + θ.
type Translation struct {
	offset []float64
}

// NewTranslation returns a zero translation in dim dimensions.
func NewTranslation(dim int) *Translation {
	return &Translation{offset: make([]float64, dim)}
}

func (t *Translation) Dim() int                { return len(t.offset) }
func (t *Translation) NumberOfParameters() int { return len(t.offset) }

func (t *Translation) Parameters() []float64 {
	return append([]float64(nil), t.offset...)
}

func (t *Translation) SetParameters(theta []float64) error {
	if err := checkParameters(theta, len(t.offset)); err != nil {
		return err
	}
	copy(t.offset, theta)
	return nil
}

func (t *Translation) TransformPoint(p pointset.Point) pointset.Point {
	out := make(pointset.Point, len(p))
	for d := range p {
		out[d] = p[d] + t.offset[d]
	}
	return out
}

// Jacobian is the identity matrix regardless of p.
func (t *Translation) Jacobian(_ pointset.Point, dst *mat.Dense) {
	n := len(t.offset)
	checkJacobianShape(dst, n, n)
	dst.Zero()
	for d := 0; d < n; d++ {
		dst.Set(d, d, 1)
	}
}

func (t *Translation) Clone() Transform {
	return &Translation{offset: t.Parameters()}
}

func (t *Translation) Inverse() (Transform, error) {
	inv := NewTranslation(len(t.offset))
	for d, v := range t.offset {
		inv.offset[d] = -v
	}
	return inv, nil
}
