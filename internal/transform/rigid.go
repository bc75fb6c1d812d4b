package transform

import (
	"math"

	"github.com/cwbudde/expectreg/internal/pointset"
	"gonum.org/v1/gonum/mat"
)

// Rigid2D rotates about a fixed center and then translates:
//
//	x' = R(φ)(x - c) + c + t
//
// Parameters are [φ, tx, ty] with φ in radians.
type Rigid2D struct {
	angle  float64
	offset [2]float64
	center pointset.Point
}

// NewRigid2D returns a zero rotation about center (origin when nil).
func NewRigid2D(center pointset.Point) *Rigid2D {
	return &Rigid2D{center: centerOrOrigin(center, 2)}
}

func (t *Rigid2D) Dim() int                { return 2 }
func (t *Rigid2D) NumberOfParameters() int { return 3 }

// Center returns a copy of the rotation center.
func (t *Rigid2D) Center() pointset.Point { return t.center.Clone() }

func (t *Rigid2D) Parameters() []float64 {
	return []float64{t.angle, t.offset[0], t.offset[1]}
}

func (t *Rigid2D) SetParameters(theta []float64) error {
	if err := checkParameters(theta, 3); err != nil {
		return err
	}
	t.angle = theta[0]
	t.offset = [2]float64{theta[1], theta[2]}
	return nil
}

func (t *Rigid2D) TransformPoint(p pointset.Point) pointset.Point {
	sin, cos := math.Sincos(t.angle)
	dx := p[0] - t.center[0]
	dy := p[1] - t.center[1]
	return pointset.Point{
		cos*dx - sin*dy + t.center[0] + t.offset[0],
		sin*dx + cos*dy + t.center[1] + t.offset[1],
	}
}

func (t *Rigid2D) Jacobian(p pointset.Point, dst *mat.Dense) {
	checkJacobianShape(dst, 3, 2)
	sin, cos := math.Sincos(t.angle)
	dx := p[0] - t.center[0]
	dy := p[1] - t.center[1]
	dst.Set(0, 0, -sin*dx-cos*dy)
	dst.Set(0, 1, cos*dx-sin*dy)
	dst.Set(1, 0, 1)
	dst.Set(1, 1, 0)
	dst.Set(2, 0, 0)
	dst.Set(2, 1, 1)
}

func (t *Rigid2D) Clone() Transform {
	return &Rigid2D{angle: t.angle, offset: t.offset, center: t.center.Clone()}
}

// Inverse rotates by -φ about the same center. The offset becomes -R(-φ)t.
func (t *Rigid2D) Inverse() (Transform, error) {
	sin, cos := math.Sincos(-t.angle)
	tx, ty := t.offset[0], t.offset[1]
	return &Rigid2D{
		angle:  -t.angle,
		offset: [2]float64{-(cos*tx - sin*ty), -(sin*tx + cos*ty)},
		center: t.center.Clone(),
	}, nil
}
