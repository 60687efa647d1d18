package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Linear is an in-process logistic model. A single coefficient row is a
// binary model; more rows are a multinomial model scored with softmax.
type Linear struct {
	Classes      int         `json:"classes"`
	Coefficients [][]float64 `json:"coefficients"`
	Intercept    []float64   `json:"intercept"`
}

// Validate checks the coefficient layout.
func (l *Linear) Validate() error {
	if len(l.Coefficients) == 0 {
		return errors.New("linear model has no coefficients")
	}
	if len(l.Intercept) != len(l.Coefficients) {
		return fmt.Errorf("intercept has %d entries, want %d", len(l.Intercept), len(l.Coefficients))
	}
	width := len(l.Coefficients[0])
	for i, row := range l.Coefficients {
		if len(row) != width {
			return fmt.Errorf("coefficient row %d has %d entries, want %d", i, len(row), width)
		}
	}
	switch {
	case len(l.Coefficients) == 1:
		if l.Classes != 1 && l.Classes != 2 {
			return fmt.Errorf("binary coefficients cannot produce %d classes", l.Classes)
		}
	case len(l.Coefficients) != l.Classes:
		return fmt.Errorf("%d coefficient rows for %d classes", len(l.Coefficients), l.Classes)
	}
	return nil
}

// Width returns the input width the model expects.
func (l *Linear) Width() int {
	if len(l.Coefficients) == 0 {
		return 0
	}
	return len(l.Coefficients[0])
}

// PredictProba implements Scorer.
func (l *Linear) PredictProba(ctx context.Context, x [][]float64) ([][]float64, error) {
	width := l.Width()
	out := make([][]float64, len(x))
	for i, row := range x {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		out[i] = l.score(row)
	}
	return out, nil
}

func (l *Linear) score(row []float64) []float64 {
	if len(l.Coefficients) == 1 {
		p := sigmoid(dot(l.Coefficients[0], row) + l.Intercept[0])
		if l.Classes == 1 {
			return []float64{p}
		}
		return []float64{1 - p, p}
	}

	z := make([]float64, len(l.Coefficients))
	maxZ := math.Inf(-1)
	for k, coef := range l.Coefficients {
		z[k] = dot(coef, row) + l.Intercept[k]
		maxZ = math.Max(maxZ, z[k])
	}
	var sum float64
	for k := range z {
		z[k] = math.Exp(z[k] - maxZ)
		sum += z[k]
	}
	for k := range z {
		z[k] /= sum
	}
	return z
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
