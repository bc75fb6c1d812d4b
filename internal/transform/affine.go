package transform

import (
	"fmt"

	"github.com/cwbudde/expectreg/internal/pointset"
	"gonum.org/v1/gonum/mat"
)

// Affine applies a linear map about a fixed center followed by a translation:
//
//	x' = A(x - c) + c + t
//
// Parameters are the D×D entries of A in row-major order followed by the D entries of t,
// giving D² + D parameters. The identity configuration has A = I and t = 0.
type Affine struct {
	dim    int
	matrix *mat.Dense
	offset []float64
	center pointset.Point
}

// NewAffine returns an identity affine mapping about center (origin when nil).
func NewAffine(dim int, center pointset.Point) *Affine {
	m := mat.NewDense(dim, dim, nil)
	for d := 0; d < dim; d++ {
		m.Set(d, d, 1)
	}
	return &Affine{
		dim:    dim,
		matrix: m,
		offset: make([]float64, dim),
		center: centerOrOrigin(center, dim),
	}
}

func (t *Affine) Dim() int                { return t.dim }
func (t *Affine) NumberOfParameters() int { return t.dim*t.dim + t.dim }

// Center returns a copy of the center of the linear part.
func (t *Affine) Center() pointset.Point { return t.center.Clone() }

func (t *Affine) Parameters() []float64 {
	theta := make([]float64, 0, t.NumberOfParameters())
	for r := 0; r < t.dim; r++ {
		theta = append(theta, t.matrix.RawRowView(r)...)
	}
	return append(theta, t.offset...)
}

func (t *Affine) SetParameters(theta []float64) error {
	if err := checkParameters(theta, t.NumberOfParameters()); err != nil {
		return err
	}
	n := t.dim * t.dim
	for r := 0; r < t.dim; r++ {
		t.matrix.SetRow(r, theta[r*t.dim:(r+1)*t.dim])
	}
	copy(t.offset, theta[n:])
	return nil
}

func (t *Affine) TransformPoint(p pointset.Point) pointset.Point {
	out := make(pointset.Point, t.dim)
	for r := 0; r < t.dim; r++ {
		row := t.matrix.RawRowView(r)
		v := t.center[r] + t.offset[r]
		for c := 0; c < t.dim; c++ {
			v += row[c] * (p[c] - t.center[c])
		}
		out[r] = v
	}
	return out
}

// Jacobian: ∂x'_r/∂A_rc = (x - c)_c and ∂x'_d/∂t_d = 1.
func (t *Affine) Jacobian(p pointset.Point, dst *mat.Dense) {
	checkJacobianShape(dst, t.NumberOfParameters(), t.dim)
	dst.Zero()
	for r := 0; r < t.dim; r++ {
		for c := 0; c < t.dim; c++ {
			dst.Set(r*t.dim+c, r, p[c]-t.center[c])
		}
	}
	n := t.dim * t.dim
	for d := 0; d < t.dim; d++ {
		dst.Set(n+d, d, 1)
	}
}

func (t *Affine) Clone() Transform {
	return &Affine{
		dim:    t.dim,
		matrix: mat.DenseCopyOf(t.matrix),
		offset: append([]float64(nil), t.offset...),
		center: t.center.Clone(),
	}
}

// Inverse returns A⁻¹ about the same center with offset -A⁻¹t.
func (t *Affine) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.matrix); err != nil {
		return nil, fmt.Errorf("affine matrix is not invertible: %w", err)
	}
	var off mat.VecDense
	off.MulVec(&inv, mat.NewVecDense(t.dim, append([]float64(nil), t.offset...)))
	off.ScaleVec(-1, &off)
	return &Affine{
		dim:    t.dim,
		matrix: &inv,
		offset: append([]float64(nil), off.RawVector().Data...),
		center: t.center.Clone(),
	}, nil
}
