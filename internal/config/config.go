// Package config holds the registration run configuration and its YAML persistence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cwbudde/expectreg/internal/errs"
	"github.com/cwbudde/expectreg/internal/transform"
	"gopkg.in/yaml.v3"
)

// Scenario shapes.
const (
	ShapeCircle  = "circle"
	ShapeEllipse = "ellipse"
	ShapeSquare  = "square"
	ShapeRandom  = "random"
)

// RegistrationConfig describes one registration run end to end.
type RegistrationConfig struct {
	Scenario  ScenarioConfig  `yaml:"scenario" json:"scenario"`
	Transform TransformConfig `yaml:"transform" json:"transform"`
	Metric    MetricConfig    `yaml:"metric" json:"metric"`
	Optimizer OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	Coarse    CoarseConfig    `yaml:"coarse" json:"coarse"`

	// TraceEvery records every n-th iteration in the trace; 0 disables tracing.
	TraceEvery int `yaml:"traceEvery" json:"traceEvery"`
}

// ScenarioConfig generates the fixed set and derives the moving set from it.
type ScenarioConfig struct {
	Shape     string    `yaml:"shape" json:"shape"`
	Radius    float64   `yaml:"radius" json:"radius"`                           // circle radius, ellipse semi-major axis, square size, random extent
	SemiMinor float64   `yaml:"semiMinor,omitempty" json:"semiMinor,omitempty"` // ellipse only
	Step      float64   `yaml:"step" json:"step"`                               // angular sampling step in radians
	Count     int       `yaml:"count,omitempty" json:"count,omitempty"`         // random only
	Dimension int       `yaml:"dimension" json:"dimension"`
	Offset    []float64 `yaml:"offset" json:"offset"`
	Rotation  float64   `yaml:"rotation,omitempty" json:"rotation,omitempty"` // radians, 2D only
	Seed      int64     `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// TransformConfig selects the moving transform.
type TransformConfig struct {
	Kind   string    `yaml:"kind" json:"kind"`
	Center []float64 `yaml:"center,omitempty" json:"center,omitempty"`
}

// MetricConfig mirrors the metric settings.
type MetricConfig struct {
	Sigma        float64 `yaml:"sigma" json:"sigma"`
	Neighborhood int     `yaml:"neighborhood" json:"neighborhood"`
	Workers      int     `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// OptimizerConfig mirrors the gradient descent settings.
type OptimizerConfig struct {
	Iterations   int     `yaml:"iterations" json:"iterations"`
	LearningRate float64 `yaml:"learningRate" json:"learningRate"`

	// Scales sets per-parameter scales. When empty, Scale is used for every parameter,
	// and when Scale is zero too the scales are all ones or estimated.
	Scales []float64 `yaml:"scales,omitempty" json:"scales,omitempty"`
	Scale  float64   `yaml:"scale,omitempty" json:"scale,omitempty"`

	Window         int     `yaml:"window" json:"window"`
	Threshold      float64 `yaml:"threshold" json:"threshold"`
	EstimateScales bool    `yaml:"estimateScales,omitempty" json:"estimateScales,omitempty"`
	MaxStepSize    float64 `yaml:"maxStepSize,omitempty" json:"maxStepSize,omitempty"`
	ReturnBest     bool    `yaml:"returnBest,omitempty" json:"returnBest,omitempty"`
}

// CoarseConfig controls the optional global search before gradient descent.
type CoarseConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Radius     float64 `yaml:"radius" json:"radius"` // half-width of the search box around the initial parameters
	Iterations int     `yaml:"iterations" json:"iterations"`
	Population int     `yaml:"population" json:"population"`
	Seed       int64   `yaml:"seed" json:"seed"`
}

// Default returns the two-circle translation scenario.
func Default() *RegistrationConfig {
	return &RegistrationConfig{
		Scenario: ScenarioConfig{
			Shape:     ShapeCircle,
			Radius:    100,
			Step:      0.1,
			Dimension: 2,
			Offset:    []float64{2, 2},
		},
		Transform: TransformConfig{Kind: string(transform.KindTranslation)},
		Metric: MetricConfig{
			Sigma:        2,
			Neighborhood: 10,
		},
		Optimizer: OptimizerConfig{
			Iterations:   10000,
			LearningRate: 0.1,
			Scale:        0.1,
			Window:       10,
		},
		Coarse: CoarseConfig{
			Radius:     5,
			Iterations: 50,
			Population: 20,
			Seed:       42,
		},
		TraceEvery: 100,
	}
}

// Validate checks every section and returns the first problem as an *errs.ConfigError.
func (c *RegistrationConfig) Validate() error {
	s := c.Scenario
	switch s.Shape {
	case ShapeCircle, ShapeEllipse:
		if s.Dimension != 2 && s.Dimension != 3 {
			return errs.Configf("scenario.dimension", "must be 2 or 3 for %s, got %d", s.Shape, s.Dimension)
		}
		if !(s.Step > 0) {
			return errs.Configf("scenario.step", "must be positive, got %g", s.Step)
		}
		if s.Shape == ShapeEllipse && !(s.SemiMinor > 0) {
			return errs.Configf("scenario.semiMinor", "must be positive, got %g", s.SemiMinor)
		}
	case ShapeSquare:
		if s.Dimension != 2 {
			return errs.Configf("scenario.dimension", "must be 2 for square, got %d", s.Dimension)
		}
	case ShapeRandom:
		if s.Dimension < 1 {
			return errs.Configf("scenario.dimension", "must be positive, got %d", s.Dimension)
		}
		if s.Count < 2 {
			return errs.Configf("scenario.count", "must be at least 2, got %d", s.Count)
		}
	default:
		return errs.Configf("scenario.shape", "unknown shape %q", s.Shape)
	}
	if !(s.Radius > 0) {
		return errs.Configf("scenario.radius", "must be positive, got %g", s.Radius)
	}
	if len(s.Offset) != 0 && len(s.Offset) != s.Dimension {
		return errs.Configf("scenario.offset", "has %d components, want %d", len(s.Offset), s.Dimension)
	}
	if s.Rotation != 0 && s.Dimension != 2 {
		return errs.Configf("scenario.rotation", "is only supported in 2D")
	}

	if !validKind(c.Transform.Kind) {
		return errs.Configf("transform.kind", "unknown kind %q", c.Transform.Kind)
	}
	if len(c.Transform.Center) != 0 && len(c.Transform.Center) != s.Dimension {
		return errs.Configf("transform.center", "has %d components, want %d", len(c.Transform.Center), s.Dimension)
	}
	if strings.EqualFold(c.Transform.Kind, string(transform.KindRigid2D)) && s.Dimension != 2 {
		return errs.Configf("transform.kind", "rigid2d requires dimension 2")
	}

	if !(c.Metric.Sigma > 0) {
		return errs.Configf("metric.sigma", "must be positive, got %g", c.Metric.Sigma)
	}
	if c.Metric.Neighborhood < 1 {
		return errs.Configf("metric.neighborhood", "must be at least 1, got %d", c.Metric.Neighborhood)
	}

	o := c.Optimizer
	if o.Iterations < 0 {
		return errs.Configf("optimizer.iterations", "must not be negative, got %d", o.Iterations)
	}
	estimatesRate := o.MaxStepSize > 0 && o.EstimateScales
	if !estimatesRate && !(o.LearningRate > 0) {
		return errs.Configf("optimizer.learningRate", "must be positive, got %g", o.LearningRate)
	}
	for i, v := range o.Scales {
		if !(v > 0) {
			return errs.Configf("optimizer.scales", "component %d must be positive, got %g", i, v)
		}
	}
	if o.Scale < 0 {
		return errs.Configf("optimizer.scale", "must not be negative, got %g", o.Scale)
	}
	if o.Window < 1 {
		return errs.Configf("optimizer.window", "must be at least 1, got %d", o.Window)
	}
	if o.Threshold < 0 {
		return errs.Configf("optimizer.threshold", "must not be negative, got %g", o.Threshold)
	}

	if c.Coarse.Enabled {
		if !(c.Coarse.Radius > 0) {
			return errs.Configf("coarse.radius", "must be positive, got %g", c.Coarse.Radius)
		}
		if c.Coarse.Iterations < 1 {
			return errs.Configf("coarse.iterations", "must be at least 1, got %d", c.Coarse.Iterations)
		}
		// mayfly v0.1.0 rejects smaller populations
		if c.Coarse.Population < 20 {
			return errs.Configf("coarse.population", "must be at least 20, got %d", c.Coarse.Population)
		}
	}
	if c.TraceEvery < 0 {
		return errs.Configf("traceEvery", "must not be negative, got %d", c.TraceEvery)
	}
	return nil
}

// OffsetPoint returns the scenario offset, zero-filled when unset.
func (s ScenarioConfig) OffsetPoint() []float64 {
	if len(s.Offset) == 0 {
		return make([]float64, s.Dimension)
	}
	return append([]float64(nil), s.Offset...)
}

func validKind(kind string) bool {
	for _, k := range transform.Kinds() {
		if strings.EqualFold(kind, string(k)) {
			return true
		}
	}
	return false
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*RegistrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *RegistrationConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
