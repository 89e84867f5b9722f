// Package preprocessing standardises feature columns before distance based
// outlier scoring.
package preprocessing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// minimumScale replaces the scale of (nearly) constant columns.
const minimumScale = 1e-8

// StandardScaler shifts every column to zero mean and scales it to unit
// variance. Missing (NaN) values are ignored when fitting and stay missing.
type StandardScaler struct {
	// Mean is the mean of each column.
	Mean []float64

	// Scale is the population standard deviation of each column.
	Scale []float64

	// NFeatures is the number of columns the scaler was fitted to.
	NFeatures int

	// WithMean subtracts the mean.
	WithMean bool

	// WithStd divides by the standard deviation.
	WithStd bool

	fitted bool
}

// NewStandardScaler creates a StandardScaler.
//
// Example:
//
//	scaler := preprocessing.NewStandardScaler(true, true)
//	if err := scaler.Fit(X); err != nil {
//	    return err
//	}
//	scaled, err := scaler.Transform(X)
func NewStandardScaler(withMean, withStd bool) *StandardScaler {
	return &StandardScaler{
		WithMean: withMean,
		WithStd:  withStd,
	}
}

// NewStandardScalerDefault both centres and scales.
func NewStandardScalerDefault() *StandardScaler {
	return NewStandardScaler(true, true)
}

// IsFitted reports whether Fit has succeeded.
func (s *StandardScaler) IsFitted() bool { return s.fitted }

// Fit computes the column statistics of X.
func (s *StandardScaler) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.Wrap(errors.ErrEmptyData, "StandardScaler.Fit")
	}

	s.NFeatures = c
	s.Mean = make([]float64, c)
	s.Scale = make([]float64, c)

	column := make([]float64, 0, r)
	for j := 0; j < c; j++ {
		column = column[:0]
		for i := 0; i < r; i++ {
			if v := X.At(i, j); !math.IsNaN(v) {
				column = append(column, v)
			}
		}

		s.Scale[j] = 1
		if len(column) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if s.WithMean {
			s.Mean[j] = mean
		}
		if s.WithStd && std >= minimumScale {
			s.Scale[j] = std
		}
	}

	s.fitted = true
	return nil
}

// Transform standardises X with the fitted statistics.
func (s *StandardScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	if !s.fitted {
		return nil, errors.New("StandardScaler.Transform: scaler is not fitted")
	}
	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewShapeMismatchError("StandardScaler.Transform", s.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	result.Apply(func(i, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, X)
	return result, nil
}

// FitTransform fits to X and transforms it.
func (s *StandardScaler) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// InverseTransform maps standardised data back to the original scale.
func (s *StandardScaler) InverseTransform(X mat.Matrix) (*mat.Dense, error) {
	if !s.fitted {
		return nil, errors.New("StandardScaler.InverseTransform: scaler is not fitted")
	}
	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewShapeMismatchError("StandardScaler.InverseTransform", s.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	result.Apply(func(i, j int, v float64) float64 {
		return v*s.Scale[j] + s.Mean[j]
	}, X)
	return result, nil
}

// String describes the scaler configuration.
func (s *StandardScaler) String() string {
	if !s.fitted {
		return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t)", s.WithMean, s.WithStd)
	}
	return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t, n_features=%d)", s.WithMean, s.WithStd, s.NFeatures)
}
