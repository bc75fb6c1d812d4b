package pointset

import (
	"fmt"
	"math"
)

// Point is a fixed-dimension coordinate tuple.
type Point []float64

// Clone returns an independent copy of p.
func (p Point) Clone() Point {
	return append(Point(nil), p...)
}

// SquaredDistance returns the squared Euclidean distance between p and q.
// Both points must have the same dimension.
func (p Point) SquaredDistance(q Point) float64 {
	var sum float64
	for d := range p {
		diff := p[d] - q[d]
		sum += diff * diff
	}
	return sum
}

// PointSet is an ordered, immutable collection of points sharing one dimension.
// The position of a point is its identity for the duration of a registration run.
type PointSet struct {
	dim    int
	coords []float64
}

// New builds a point set from the given points. The points are copied.
func New(dim int, points []Point) (*PointSet, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	coords := make([]float64, 0, len(points)*dim)
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("point %d has dimension %d, want %d", i, len(p), dim)
		}
		for _, c := range p {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("point %d has a non-finite coordinate", i)
			}
		}
		coords = append(coords, p...)
	}
	return &PointSet{dim: dim, coords: coords}, nil
}

// MustNew is like New but panics on error. Intended for tests and generators.
func MustNew(dim int, points []Point) *PointSet {
	ps, err := New(dim, points)
	if err != nil {
		panic(err)
	}
	return ps
}

// FromCoords builds a point set from a flat, row-major coordinate slice.
// The slice is copied.
func FromCoords(dim int, coords []float64) (*PointSet, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if len(coords)%dim != 0 {
		return nil, fmt.Errorf("coordinate count %d is not a multiple of dimension %d", len(coords), dim)
	}
	return &PointSet{dim: dim, coords: append([]float64(nil), coords...)}, nil
}

// Len returns the number of points.
func (ps *PointSet) Len() int {
	if ps == nil || ps.dim == 0 {
		return 0
	}
	return len(ps.coords) / ps.dim
}

// Dim returns the dimension shared by all points.
func (ps *PointSet) Dim() int {
	return ps.dim
}

// At returns a read-only view of point i. Callers must not modify it;
// use Point for a copy.
func (ps *PointSet) At(i int) Point {
	start := i * ps.dim
	end := start + ps.dim
	return Point(ps.coords[start:end:end])
}

// Point returns a copy of point i.
func (ps *PointSet) Point(i int) Point {
	return ps.At(i).Clone()
}

// Points returns copies of all points in order.
func (ps *PointSet) Points() []Point {
	out := make([]Point, ps.Len())
	for i := range out {
		out[i] = ps.Point(i)
	}
	return out
}

// Coords returns a copy of the flat coordinate storage.
func (ps *PointSet) Coords() []float64 {
	return append([]float64(nil), ps.coords...)
}

// Centroid returns the arithmetic mean of all points, or a zero point for an empty set.
func (ps *PointSet) Centroid() Point {
	c := make(Point, ps.dim)
	n := ps.Len()
	if n == 0 {
		return c
	}
	for i := 0; i < n; i++ {
		for d, v := range ps.At(i) {
			c[d] += v
		}
	}
	for d := range c {
		c[d] /= float64(n)
	}
	return c
}

// Map returns a new point set with fn applied to every point.
// fn must return points of the same dimension as its input.
func (ps *PointSet) Map(fn func(i int, p Point) Point) (*PointSet, error) {
	n := ps.Len()
	coords := make([]float64, 0, len(ps.coords))
	for i := 0; i < n; i++ {
		q := fn(i, ps.At(i))
		if len(q) != ps.dim {
			return nil, fmt.Errorf("mapped point %d has dimension %d, want %d", i, len(q), ps.dim)
		}
		coords = append(coords, q...)
	}
	return &PointSet{dim: ps.dim, coords: coords}, nil
}

// Builder assembles a point set by index before freezing it.
// Setting an index past the end grows the set; unset slots are zero points.
type Builder struct {
	dim    int
	coords []float64
}

// NewBuilder creates a builder for points of the given dimension.
func NewBuilder(dim int) *Builder {
	return &Builder{dim: dim}
}

// Set stores p at index i.
func (b *Builder) Set(i int, p Point) error {
	if len(p) != b.dim {
		return fmt.Errorf("point has dimension %d, want %d", len(p), b.dim)
	}
	if i < 0 {
		return fmt.Errorf("negative point index %d", i)
	}
	need := (i + 1) * b.dim
	if need > len(b.coords) {
		b.coords = append(b.coords, make([]float64, need-len(b.coords))...)
	}
	copy(b.coords[i*b.dim:], p)
	return nil
}

// Len returns the number of slots set so far.
func (b *Builder) Len() int {
	return len(b.coords) / b.dim
}

// Build freezes the builder contents into a PointSet.
func (b *Builder) Build() (*PointSet, error) {
	return FromCoords(b.dim, b.coords)
}
