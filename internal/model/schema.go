package model

import (
	"errors"
	"fmt"
)

// Scaler holds per-feature standardization parameters.
type Scaler struct {
	Mean  []float64 `json:"mean" yaml:"mean"`
	Scale []float64 `json:"scale" yaml:"scale"`
}

// Apply standardizes x for feature i. A zero scale is treated as 1, matching
// the standard scaler's handling of constant columns.
func (s *Scaler) Apply(i int, x float64) float64 {
	scale := s.Scale[i]
	if scale == 0 {
		scale = 1
	}
	return (x - s.Mean[i]) / scale
}

// Schema is the frozen, ordered feature list a scorer expects plus the
// scaling parameters fitted alongside it. Immutable after load.
type Schema struct {
	Features []string `json:"features" yaml:"features"`
	Scaler   *Scaler  `json:"scaler" yaml:"scaler"`
}

// Width returns the number of features.
func (s *Schema) Width() int { return len(s.Features) }

// Validate reports every structural problem with the schema.
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema is nil")
	}
	var errs []error
	if len(s.Features) == 0 {
		errs = append(errs, errors.New("schema has no features"))
	}
	seen := make(map[string]struct{}, len(s.Features))
	for i, f := range s.Features {
		if f == "" {
			errs = append(errs, fmt.Errorf("feature %d has empty name", i))
			continue
		}
		if _, dup := seen[f]; dup {
			errs = append(errs, fmt.Errorf("duplicate feature %q", f))
		}
		seen[f] = struct{}{}
	}
	if s.Scaler == nil {
		errs = append(errs, errors.New("schema has no scaler"))
	} else {
		if len(s.Scaler.Mean) != len(s.Features) {
			errs = append(errs, fmt.Errorf("scaler mean has %d entries, want %d", len(s.Scaler.Mean), len(s.Features)))
		}
		if len(s.Scaler.Scale) != len(s.Features) {
			errs = append(errs, fmt.Errorf("scaler scale has %d entries, want %d", len(s.Scaler.Scale), len(s.Features)))
		}
	}
	return errors.Join(errs...)
}
