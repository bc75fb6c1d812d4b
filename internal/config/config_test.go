package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/expectreg/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad_NotExists(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_MergesOntoDefaults(t *testing.T) {
	path := writeConfig(t, `scenario:
  shape: ellipse
  radius: 50
  semiMinor: 20
  step: 0.2
  offset: [1, -1]
  rotation: 0.3141592653589793
transform:
  kind: rigid2d
metric:
  sigma: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scenario.Shape != ShapeEllipse {
		t.Errorf("Shape = %q, want %q", cfg.Scenario.Shape, ShapeEllipse)
	}
	if cfg.Scenario.SemiMinor != 20 {
		t.Errorf("SemiMinor = %v, want 20", cfg.Scenario.SemiMinor)
	}
	if len(cfg.Scenario.Offset) != 2 || cfg.Scenario.Offset[1] != -1 {
		t.Errorf("Offset = %v, want [1 -1]", cfg.Scenario.Offset)
	}
	if cfg.Transform.Kind != "rigid2d" {
		t.Errorf("Kind = %q, want rigid2d", cfg.Transform.Kind)
	}
	if cfg.Metric.Sigma != 3 {
		t.Errorf("Sigma = %v, want 3", cfg.Metric.Sigma)
	}
	// Untouched fields keep their defaults
	if cfg.Metric.Neighborhood != 10 {
		t.Errorf("Neighborhood = %d, want default 10", cfg.Metric.Neighborhood)
	}
	if cfg.Optimizer.Iterations != 10000 {
		t.Errorf("Iterations = %d, want default 10000", cfg.Optimizer.Iterations)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "scenario: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistrationConfig)
	}{
		{"unknown shape", func(c *RegistrationConfig) { c.Scenario.Shape = "torus" }},
		{"zero radius", func(c *RegistrationConfig) { c.Scenario.Radius = 0 }},
		{"zero step", func(c *RegistrationConfig) { c.Scenario.Step = 0 }},
		{"circle in 4D", func(c *RegistrationConfig) { c.Scenario.Dimension = 4 }},
		{"ellipse without semi-minor", func(c *RegistrationConfig) { c.Scenario.Shape = ShapeEllipse }},
		{"square in 3D", func(c *RegistrationConfig) {
			c.Scenario.Shape = ShapeSquare
			c.Scenario.Dimension = 3
			c.Scenario.Offset = nil
		}},
		{"random with one point", func(c *RegistrationConfig) {
			c.Scenario.Shape = ShapeRandom
			c.Scenario.Count = 1
		}},
		{"offset length", func(c *RegistrationConfig) { c.Scenario.Offset = []float64{1, 2, 3} }},
		{"rotation in 3D", func(c *RegistrationConfig) {
			c.Scenario.Dimension = 3
			c.Scenario.Offset = nil
			c.Scenario.Rotation = 0.1
		}},
		{"unknown transform", func(c *RegistrationConfig) { c.Transform.Kind = "bspline" }},
		{"center length", func(c *RegistrationConfig) { c.Transform.Center = []float64{1} }},
		{"rigid2d in 3D", func(c *RegistrationConfig) {
			c.Scenario.Dimension = 3
			c.Scenario.Offset = nil
			c.Transform.Kind = "rigid2d"
		}},
		{"zero sigma", func(c *RegistrationConfig) { c.Metric.Sigma = 0 }},
		{"zero neighborhood", func(c *RegistrationConfig) { c.Metric.Neighborhood = 0 }},
		{"negative iterations", func(c *RegistrationConfig) { c.Optimizer.Iterations = -1 }},
		{"zero learning rate", func(c *RegistrationConfig) { c.Optimizer.LearningRate = 0 }},
		{"negative scale entry", func(c *RegistrationConfig) { c.Optimizer.Scales = []float64{1, -1} }},
		{"zero window", func(c *RegistrationConfig) { c.Optimizer.Window = 0 }},
		{"negative threshold", func(c *RegistrationConfig) { c.Optimizer.Threshold = -1 }},
		{"small coarse population", func(c *RegistrationConfig) {
			c.Coarse.Enabled = true
			c.Coarse.Population = 5
		}},
		{"negative trace interval", func(c *RegistrationConfig) { c.TraceEvery = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, errs.ErrConfig) {
				t.Errorf("error %v is not a configuration error", err)
			}
		})
	}
}

func TestValidate_LearningRateEstimation(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.LearningRate = 0
	cfg.Optimizer.EstimateScales = true
	cfg.Optimizer.MaxStepSize = 0.5
	if err := cfg.Validate(); err != nil {
		t.Errorf("estimated learning rate should not require learningRate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Transform.Kind = "affine"
	cfg.Transform.Center = []float64{5, 5}
	cfg.Coarse.Enabled = true

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Transform.Kind != "affine" || len(got.Transform.Center) != 2 {
		t.Errorf("Transform = %+v, want affine with center", got.Transform)
	}
	if !got.Coarse.Enabled {
		t.Error("Coarse.Enabled lost in round trip")
	}
}

func TestOffsetPoint(t *testing.T) {
	s := ScenarioConfig{Dimension: 3}
	if got := s.OffsetPoint(); len(got) != 3 || got[0] != 0 {
		t.Errorf("OffsetPoint() = %v, want zero vector of length 3", got)
	}
}
