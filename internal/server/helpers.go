package server

import (
	"fmt"

	"github.com/cwbudde/expectreg/internal/pointset"
	"github.com/cwbudde/expectreg/internal/registration"
	"github.com/cwbudde/expectreg/internal/transform"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// jobPoints rebuilds the job's scenario and, once parameters exist, the registered moving set.
func jobPoints(job *Job) (*registration.Scenario, *pointset.PointSet, error) {
	sc, err := registration.BuildScenario(job.Config.Scenario)
	if err != nil {
		return nil, nil, err
	}
	if job.Parameters == nil {
		return sc, nil, nil
	}

	t, err := transform.New(transform.Kind(job.Config.Transform.Kind), job.Config.Scenario.Dimension, job.Config.Transform.Center)
	if err != nil {
		return nil, nil, err
	}
	if err := t.SetParameters(job.Parameters); err != nil {
		return nil, nil, fmt.Errorf("job parameters: %w", err)
	}
	registered, err := transform.Apply(t, sc.Moving)
	if err != nil {
		return nil, nil, err
	}
	return sc, registered, nil
}

// multiPoint converts a 2D point set to an orb geometry.
func multiPoint(ps *pointset.PointSet) (orb.MultiPoint, error) {
	if ps.Dim() != 2 {
		return nil, fmt.Errorf("geojson export needs 2D points, got dimension %d", ps.Dim())
	}
	mp := make(orb.MultiPoint, ps.Len())
	for i := range mp {
		p := ps.At(i)
		mp[i] = orb.Point{p[0], p[1]}
	}
	return mp, nil
}

// pointsCollection renders the fixed, moving and registered sets as one feature each,
// tagged with a "role" property.
func pointsCollection(jobID string, fixed, moving, registered *pointset.PointSet) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	sets := []struct {
		role string
		ps   *pointset.PointSet
	}{
		{"fixed", fixed},
		{"moving", moving},
		{"registered", registered},
	}
	for _, s := range sets {
		if s.ps == nil {
			continue
		}
		mp, err := multiPoint(s.ps)
		if err != nil {
			return nil, err
		}
		f := geojson.NewFeature(mp)
		f.Properties["role"] = s.role
		f.Properties["jobId"] = jobID
		f.Properties["count"] = s.ps.Len()
		fc.Append(f)
	}
	return fc, nil
}
