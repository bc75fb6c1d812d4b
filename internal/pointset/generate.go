package pointset

import (
	"fmt"
	"math"
	"math/rand"
)

// Circle samples a circle of the given radius at angle increments of step radians,
// starting at 0 and stopping before 2π. For dim 3 the z coordinate follows
// radius*sin(theta), which tilts the circle out of the xy plane.
func Circle(radius, step float64, dim int) (*PointSet, error) {
	return Ellipse(radius, radius, step, 0, dim)
}

// Ellipse samples an axis-aligned ellipse with semi-axes a (x) and b (y).
// phase shifts the sampling angle, which slides the samples along the curve.
func Ellipse(a, b, step, phase float64, dim int) (*PointSet, error) {
	if step <= 0 {
		return nil, fmt.Errorf("angle step must be positive, got %g", step)
	}
	if dim != 2 && dim != 3 {
		return nil, fmt.Errorf("ellipse dimension must be 2 or 3, got %d", dim)
	}
	var points []Point
	for i := 0; ; i++ {
		theta := float64(i) * step
		if theta >= 2*math.Pi {
			break
		}
		p := make(Point, dim)
		p[0] = a * math.Cos(theta+phase)
		p[1] = b * math.Sin(theta+phase)
		if dim > 2 {
			p[2] = b * math.Sin(theta+phase)
		}
		points = append(points, p)
	}
	return New(dim, points)
}

// Square returns the four corners of an axis-aligned square with one corner at the origin.
func Square(size float64) (*PointSet, error) {
	if size <= 0 {
		return nil, fmt.Errorf("square size must be positive, got %g", size)
	}
	return New(2, []Point{
		{0, 0},
		{size, 0},
		{size, size},
		{0, size},
	})
}

// Random samples count points uniformly in [0, extent)^dim.
func Random(count, dim int, extent float64, rng *rand.Rand) (*PointSet, error) {
	if count < 1 {
		return nil, fmt.Errorf("point count must be positive, got %d", count)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	points := make([]Point, count)
	for i := range points {
		p := make(Point, dim)
		for d := range p {
			p[d] = rng.Float64() * extent
		}
		points[i] = p
	}
	return New(dim, points)
}

// Translate returns ps shifted by offset.
func Translate(ps *PointSet, offset Point) (*PointSet, error) {
	if len(offset) != ps.Dim() {
		return nil, fmt.Errorf("offset has dimension %d, want %d", len(offset), ps.Dim())
	}
	return ps.Map(func(_ int, p Point) Point {
		q := p.Clone()
		for d := range q {
			q[d] += offset[d]
		}
		return q
	})
}
