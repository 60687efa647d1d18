// Package model defines the inference-time contract of the two trained
// classifiers: the feature schema they expect, the Scorer capability that
// turns an aligned matrix into class probabilities, and the loader that
// builds both from a model directory.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Scorer maps an aligned feature matrix to one class distribution per row.
// Implementations must be safe for concurrent use.
type Scorer interface {
	PredictProba(ctx context.Context, x [][]float64) ([][]float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, x [][]float64) ([][]float64, error)

// PredictProba calls f.
func (f ScorerFunc) PredictProba(ctx context.Context, x [][]float64) ([][]float64, error) {
	return f(ctx, x)
}

// Shape is the class layout a prioritizer produces, fixed at load time.
type Shape int

const (
	// ShapeThreeClass is (low, medium, high).
	ShapeThreeClass Shape = iota
	// ShapeTwoClass is (low, high).
	ShapeTwoClass
	// ShapeSingleClass is a lone high probability, possibly empty.
	ShapeSingleClass
)

func (s Shape) String() string {
	switch s {
	case ShapeThreeClass:
		return "three_class"
	case ShapeTwoClass:
		return "two_class"
	case ShapeSingleClass:
		return "single_class"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// ShapeFor resolves the shape for a model declaring n output classes.
func ShapeFor(n int) (Shape, error) {
	switch {
	case n == 3:
		return ShapeThreeClass, nil
	case n == 2:
		return ShapeTwoClass, nil
	case n == 1 || n == 0:
		return ShapeSingleClass, nil
	default:
		return 0, fmt.Errorf("unsupported class count %d", n)
	}
}

// Model is one loaded classifier.
type Model struct {
	Name    string
	Version string
	Backend string
	Schema  *Schema
	Scorer  Scorer
	Classes int
	Shape   Shape
}

// Info is the reporting view of a Model.
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Backend  string `json:"backend"`
	Classes  int    `json:"classes"`
	Shape    string `json:"shape"`
	Features int    `json:"features"`
}

// Info returns the reporting view of m.
func (m *Model) Info() Info {
	if m == nil {
		return Info{}
	}
	in := Info{
		Name:    m.Name,
		Version: m.Version,
		Backend: m.Backend,
		Classes: m.Classes,
		Shape:   m.Shape.String(),
	}
	if m.Schema != nil {
		in.Features = m.Schema.Width()
	}
	return in
}

// Set is the detector/prioritizer pair used by one pipeline.
type Set struct {
	Detector    *Model
	Prioritizer *Model
}

// Validate checks that both models are present and well formed.
func (s *Set) Validate() error {
	if s == nil {
		return errors.New("model set is nil")
	}
	var errs []error
	if s.Detector == nil {
		errs = append(errs, errors.New("detector not loaded"))
	} else {
		if s.Detector.Classes != 2 {
			errs = append(errs, fmt.Errorf("detector must have 2 classes, has %d", s.Detector.Classes))
		}
		errs = append(errs, checkModel("detector", s.Detector))
	}
	if s.Prioritizer == nil {
		errs = append(errs, errors.New("prioritizer not loaded"))
	} else {
		if _, err := ShapeFor(s.Prioritizer.Classes); err != nil {
			errs = append(errs, fmt.Errorf("prioritizer: %w", err))
		}
		errs = append(errs, checkModel("prioritizer", s.Prioritizer))
	}
	return errors.Join(errs...)
}

func checkModel(role string, m *Model) error {
	var errs []error
	if m.Scorer == nil {
		errs = append(errs, fmt.Errorf("%s: no scorer", role))
	}
	if err := m.Schema.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%s schema: %w", role, err))
	}
	return errors.Join(errs...)
}

// Version describes the loaded pair, e.g. "binary@1.0+priority@1.2".
func (s *Set) Version() string {
	if s == nil || s.Detector == nil || s.Prioritizer == nil {
		return ""
	}
	return s.Detector.Name + "@" + s.Detector.Version + "+" + s.Prioritizer.Name + "@" + s.Prioritizer.Version
}
