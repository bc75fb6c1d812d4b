package registration

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/transform"
)

// Scenario is a synthetic fixed/moving pair. The moving set is the fixed set rotated
// about the origin and then shifted, so point i of one set is the partner of point i of
// the other.
type Scenario struct {
	Fixed  *pointset.PointSet
	Moving *pointset.PointSet
}

// BuildScenario generates the point sets described by cfg.
func BuildScenario(cfg config.ScenarioConfig) (*Scenario, error) {
	var (
		fixed *pointset.PointSet
		err   error
	)
	switch cfg.Shape {
	case config.ShapeCircle:
		fixed, err = pointset.Circle(cfg.Radius, cfg.Step, cfg.Dimension)
	case config.ShapeEllipse:
		fixed, err = pointset.Ellipse(cfg.Radius, cfg.SemiMinor, cfg.Step, 0, cfg.Dimension)
	case config.ShapeSquare:
		fixed, err = pointset.Square(cfg.Radius)
	case config.ShapeRandom:
		fixed, err = pointset.Random(cfg.Count, cfg.Dimension, cfg.Radius, rand.New(rand.NewSource(cfg.Seed)))
	default:
		return nil, fmt.Errorf("unknown scenario shape %q", cfg.Shape)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", cfg.Shape, err)
	}

	moving := fixed
	if cfg.Rotation != 0 {
		rot := transform.NewRigid2D(nil)
		if err := rot.SetParameters([]float64{cfg.Rotation, 0, 0}); err != nil {
			return nil, err
		}
		if moving, err = transform.Apply(rot, moving); err != nil {
			return nil, fmt.Errorf("rotate moving set: %w", err)
		}
	}
	if moving, err = pointset.Translate(moving, cfg.OffsetPoint()); err != nil {
		return nil, fmt.Errorf("shift moving set: %w", err)
	}
	return &Scenario{Fixed: fixed, Moving: moving}, nil
}
