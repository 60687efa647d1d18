// Package features aligns raw alert records to the exact column layout a
// trained model expects.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/linnemanlabs/edrtriage/internal/model"
	"github.com/linnemanlabs/edrtriage/internal/record"
)

var (
	// ErrSchemaUnavailable means the schema or its scaler was not loaded.
	ErrSchemaUnavailable = errors.New("feature schema unavailable")

	// ErrSchemaMismatch means the schema is internally inconsistent.
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// Matrix is a row-major numeric matrix, one row per record.
type Matrix [][]float64

// Align converts records into a matrix with exactly the schema's columns in
// schema order, scaled with the schema's scaler.
//
// A feature that names a raw field (directly or via a synonym) takes that
// field's value coerced to a number. Any other feature is treated as an
// indicator column "field_value" and is 1 when the record carries a string
// field with that value, 0 otherwise. Fields not named by the schema are
// dropped.
func Align(records []record.Record, schema *model.Schema) (Matrix, error) {
	if schema == nil || schema.Scaler == nil {
		return nil, ErrSchemaUnavailable
	}
	width := len(schema.Features)
	if width == 0 {
		return nil, fmt.Errorf("%w: no features", ErrSchemaMismatch)
	}
	if len(schema.Scaler.Mean) != width || len(schema.Scaler.Scale) != width {
		return nil, fmt.Errorf("%w: %d features, scaler has %d means and %d scales",
			ErrSchemaMismatch, width, len(schema.Scaler.Mean), len(schema.Scaler.Scale))
	}

	out := make(Matrix, len(records))
	for i, rec := range records {
		ind := indicators(rec)
		row := make([]float64, width)
		for j, f := range schema.Features {
			var x float64
			if v, ok := rec.Lookup(f); ok {
				x = record.ToFloat(v)
			} else if _, ok := ind[f]; ok {
				x = 1
			}
			x = schema.Scaler.Apply(j, x)
			if math.IsNaN(x) || math.IsInf(x, 0) {
				x = 0
			}
			row[j] = x
		}
		out[i] = row
	}
	return out, nil
}

// indicators returns the dummy column names a record's string fields
// produce, under both the raw and the canonical field name.
func indicators(rec record.Record) map[string]struct{} {
	ind := make(map[string]struct{})
	for k, v := range rec {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ind[k+"_"+s] = struct{}{}
		if c := record.Canonical(k); c != k {
			ind[c+"_"+s] = struct{}{}
		}
	}
	return ind
}
