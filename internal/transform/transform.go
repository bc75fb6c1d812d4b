// Package transform provides parameterized geometric mappings of points.
//
// A Transform is described entirely by its parameter vector. The metric and the
// optimizer only talk to the Transform interface, so any mapping that can report its
// Jacobian with respect to its parameters can be registered.
package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/expectreg/internal/errs"
	"github.com/cwbudde/expectreg/internal/pointset"
	"gonum.org/v1/gonum/mat"
)

// Transform maps points of dimension Dim through a mapping controlled by
// NumberOfParameters real parameters.
type Transform interface {
	Dim() int
	NumberOfParameters() int

	// Parameters returns a copy of the current parameter vector.
	Parameters() []float64

	// SetParameters copies theta into the transform.
	SetParameters(theta []float64) error

	TransformPoint(p pointset.Point) pointset.Point

	// Jacobian fills dst, which must be NumberOfParameters x Dim, with the partial
	// derivatives of the mapped point at p: dst[k][d] = ∂x'_d / ∂θ_k.
	// Transforms without parameters leave dst untouched.
	Jacobian(p pointset.Point, dst *mat.Dense)

	// Clone returns an independent transform with the same parameters.
	Clone() Transform
}

// Inverter is implemented by transforms with a closed-form inverse.
type Inverter interface {
	Inverse() (Transform, error)
}

// Kind names a transform family.
type Kind string

const (
	KindIdentity    Kind = "identity"
	KindTranslation Kind = "translation"
	KindRigid2D     Kind = "rigid2d"
	KindAffine      Kind = "affine"
)

// Kinds lists every supported transform family.
func Kinds() []Kind {
	return []Kind{KindIdentity, KindTranslation, KindRigid2D, KindAffine}
}

// New builds a transform of the given kind in its identity configuration.
// center is the fixed point of rotation and linear parts; nil means the origin.
func New(kind Kind, dim int, center pointset.Point) (Transform, error) {
	if dim < 1 {
		return nil, errs.Configf("transform.dim", "must be positive, got %d", dim)
	}
	if center != nil && len(center) != dim {
		return nil, errs.Configf("transform.center", "has dimension %d, want %d", len(center), dim)
	}
	switch Kind(strings.ToLower(string(kind))) {
	case KindIdentity:
		return NewIdentity(dim), nil
	case KindTranslation:
		return NewTranslation(dim), nil
	case KindRigid2D:
		if dim != 2 {
			return nil, errs.Configf("transform.kind", "rigid2d requires dimension 2, got %d", dim)
		}
		return NewRigid2D(center), nil
	case KindAffine:
		return NewAffine(dim, center), nil
	default:
		return nil, errs.Configf("transform.kind", "unknown kind %q", kind)
	}
}

// Apply maps every point of ps through t.
func Apply(t Transform, ps *pointset.PointSet) (*pointset.PointSet, error) {
	if t.Dim() != ps.Dim() {
		return nil, fmt.Errorf("transform dimension %d does not match point set dimension %d", t.Dim(), ps.Dim())
	}
	return ps.Map(func(_ int, p pointset.Point) pointset.Point {
		return t.TransformPoint(p)
	})
}

func checkParameters(theta []float64, want int) error {
	if len(theta) != want {
		return errs.Configf("parameters", "have length %d, want %d", len(theta), want)
	}
	for i, v := range theta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errs.Configf("parameters", "component %d is not finite", i)
		}
	}
	return nil
}

func checkJacobianShape(dst *mat.Dense, rows, cols int) {
	r, c := dst.Dims()
	if r != rows || c != cols {
		panic(mat.ErrShape)
	}
}

func centerOrOrigin(center pointset.Point, dim int) pointset.Point {
	if center == nil {
		return make(pointset.Point, dim)
	}
	return center.Clone()
}

// Identity leaves points unchanged and has no parameters.
type Identity struct {
	dim int
}

// NewIdentity returns the identity mapping in dim dimensions.
func NewIdentity(dim int) *Identity {
	return &Identity{dim: dim}
}

func (t *Identity) Dim() int                { return t.dim }
func (t *Identity) NumberOfParameters() int { return 0 }
func (t *Identity) Parameters() []float64   { return []float64{} }

func (t *Identity) SetParameters(theta []float64) error {
	return checkParameters(theta, 0)
}

func (t *Identity) TransformPoint(p pointset.Point) pointset.Point {
	return p.Clone()
}

func (t *Identity) Jacobian(pointset.Point, *mat.Dense) {}

func (t *Identity) Clone() Transform {
	return &Identity{dim: t.dim}
}

func (t *Identity) Inverse() (Transform, error) {
	return t.Clone(), nil
}
