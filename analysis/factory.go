package analysis

import (
	"bytes"
	"encoding/json"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// RunnerFactory makes the analysis registered under Name.
type RunnerFactory interface {
	Name() string
	// Make builds the analysis from the job's parameters, which may be empty.
	Make(spec *Specification, parameters json.RawMessage) (Analysis, error)
}

// Analysis names.
const (
	OutlierDetectionName = "outlier_detection"
	RegressionName       = "regression"
	ClassificationName   = "classification"
)

// DefaultRunnerFactories returns the factories of the shipped analyses.
func DefaultRunnerFactories() []RunnerFactory {
	return []RunnerFactory{
		factoryFunc{name: OutlierDetectionName, make: newOutliersAnalysis},
		factoryFunc{name: RegressionName, make: newRegressionAnalysis},
		factoryFunc{name: ClassificationName, make: newClassificationAnalysis},
	}
}

// NewRunnerFactory adapts a function to RunnerFactory.
func NewRunnerFactory(name string, make func(*Specification, json.RawMessage) (Analysis, error)) RunnerFactory {
	return factoryFunc{name: name, make: make}
}

type factoryFunc struct {
	name string
	make func(*Specification, json.RawMessage) (Analysis, error)
}

func (f factoryFunc) Name() string { return f.name }

func (f factoryFunc) Make(spec *Specification, parameters json.RawMessage) (Analysis, error) {
	return f.make(spec, parameters)
}

// decodeParameters decodes raw into dst rejecting unknown fields, then
// validates dst.
func decodeParameters(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(dst); err != nil {
			return errors.NewInvalidSpecificationError("analysis.parameters", err.Error(), string(raw))
		}
	}
	if err := specValidate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}
