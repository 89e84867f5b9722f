package analysis

import (
	"encoding/json"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/outliers"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// TaskComputeOutliers is the progress task of outlier detection.
const TaskComputeOutliers = "computing_outliers"

type outliersParameters struct {
	Method                    string   `json:"method" validate:"omitempty,oneof=lof ldof distance_kth_nn distance_knn"`
	NNeighbors                int      `json:"n_neighbors" validate:"gte=0"`
	ComputeFeatureInfluence   *bool    `json:"compute_feature_influence"`
	FeatureInfluenceThreshold *float64 `json:"feature_influence_threshold" validate:"omitnil,gte=0,lte=1"`
	OutlierFraction           *float64 `json:"outlier_fraction" validate:"omitnil,gt=0,lt=1"`
	StandardizationEnabled    *bool    `json:"standardization_enabled"`
}

// outliersAnalysis writes the outlier score of every row followed, when
// feature influence is computed, by one influence column per input column.
type outliersAnalysis struct {
	spec               *Specification
	params             outliers.Parameters
	influenceThreshold float64
	inst               *instrumentation.OutliersInstrumentation
	logger             log.Logger
}

func newOutliersAnalysis(spec *Specification, raw json.RawMessage) (Analysis, error) {
	var p outliersParameters
	if err := decodeParameters(raw, &p); err != nil {
		return nil, err
	}
	method, err := outliers.ParseMethod(p.Method)
	if err != nil {
		return nil, err
	}

	params := outliers.DefaultParameters()
	params.Method = method
	params.NumberNeighbours = p.NNeighbors
	params.Threads = spec.threads
	if p.ComputeFeatureInfluence != nil {
		params.ComputeFeatureInfluence = *p.ComputeFeatureInfluence
	}
	if p.OutlierFraction != nil {
		params.OutlierFraction = *p.OutlierFraction
	}
	if p.StandardizationEnabled != nil {
		params.StandardizeColumns = *p.StandardizationEnabled
	}
	threshold := outliers.DefaultFeatureInfluenceThreshold
	if p.FeatureInfluenceThreshold != nil {
		threshold = *p.FeatureInfluenceThreshold
	}

	a := &outliersAnalysis{
		spec:               spec,
		params:             params,
		influenceThreshold: threshold,
		inst: instrumentation.NewOutliers(spec.jobID, spec.memoryLimit,
			instrumentation.WithCounters(spec.counters, counters.OutliersPeakMemoryUsage)),
		logger: spec.logger.With(log.ComponentKey, OutlierDetectionName),
	}
	reported := string(method)
	if method == outliers.Ensemble {
		reported = "ensemble"
	}
	a.inst.SetParameters(instrumentation.OutliersParameters{
		Method:                    reported,
		NNeighbors:                p.NNeighbors,
		ComputeFeatureInfluence:   params.ComputeFeatureInfluence,
		FeatureInfluenceThreshold: threshold,
		OutlierFraction:           params.OutlierFraction,
		StandardizationEnabled:    params.StandardizeColumns,
	})
	return a, nil
}

func (a *outliersAnalysis) NumberExtraColumns() int {
	if a.params.ComputeFeatureInfluence {
		return 1 + a.spec.cols
	}
	return 1
}

func (a *outliersAnalysis) DataFrameSliceCapacity() int { return dataframe.DefaultSliceCapacity }

func (a *outliersAnalysis) EstimateBookkeepingMemoryUsage(_, totalRows, _, _ int) int64 {
	return outliers.EstimateMemoryUsage(totalRows, a.spec.cols, a.params)
}

func (a *outliersAnalysis) Validate(frame *dataframe.Frame) error {
	if len(numericColumns(frame, a.spec.cols)) == 0 {
		return errors.NewInvalidSpecificationError("categorical_fields",
			"outlier detection needs at least one numeric field", a.spec.categoricalFields)
	}
	return nil
}

func (a *outliersAnalysis) RowsToWriteMask(frame *dataframe.Frame) []bool {
	return allRowsMask(frame)
}

func (a *outliersAnalysis) Instrumentation() *instrumentation.Instrumentation {
	return a.inst.Instrumentation
}

func (a *outliersAnalysis) RunAnalysis(frame *dataframe.Frame) error {
	start := time.Now()
	a.inst.StartNewProgressMonitoredTask(TaskComputeOutliers)

	features := numericColumns(frame, a.spec.cols)
	rows := frame.NumberRows()
	if rows == 0 {
		return errors.ErrEmptyData
	}
	data := mat.NewDense(rows, len(features), nil)
	bytes := int64(rows) * int64(len(features)) * 8
	a.inst.UpdateMemoryUsage(bytes)
	defer a.inst.UpdateMemoryUsage(-bytes)

	err := frame.ReadRows(a.spec.threads, 0, rows, nil, func(batch []dataframe.Row) error {
		for _, row := range batch {
			for j, column := range features {
				data.Set(row.Index(), j, row.At(column))
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "outlier detection: read rows")
	}

	result, err := outliers.Compute(data, a.params,
		outliers.WithProgress(a.inst.ProgressCallback()),
		outliers.WithMemoryCallback(a.inst.UpdateMemoryUsage),
		outliers.WithLogger(a.logger))
	if err != nil {
		return err
	}

	cols := a.spec.cols
	err = frame.WriteColumns(a.spec.threads, 0, rows, nil, func(batch []dataframe.Row) error {
		for _, row := range batch {
			i := row.Index()
			row.Set(cols, result.Scores[i])
			if result.Influence == nil {
				continue
			}
			for j, column := range features {
				row.Set(cols+1+column, result.Influence[i][j])
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "outlier detection: write results")
	}

	elapsed := time.Since(start)
	a.inst.SetElapsedTime(elapsed)
	a.logger.Info("Finished outlier detection", log.RowsKey, rows, log.DurationMsKey, elapsed.Milliseconds())
	return nil
}

type featureInfluence struct {
	FeatureName string  `json:"feature_name"`
	Influence   float64 `json:"influence"`
}

func (a *outliersAnalysis) WriteOneRow(frame *dataframe.Frame, row dataframe.Row) map[string]any {
	cols := a.spec.cols
	score := row.At(cols)
	results := map[string]any{"outlier_score": score}
	if !a.params.ComputeFeatureInfluence || score < a.influenceThreshold {
		return results
	}
	names := frame.ColumnNames()
	var influences []featureInfluence
	for _, column := range numericColumns(frame, cols) {
		influences = append(influences, featureInfluence{
			FeatureName: names[column],
			Influence:   row.At(cols + 1 + column),
		})
	}
	results["feature_influence"] = influences
	return results
}

// numericColumns returns the non-categorical columns among the first cols.
func numericColumns(frame *dataframe.Frame, cols int) []int {
	categorical := frame.ColumnIsCategorical()
	var columns []int
	for c := 0; c < cols && c < len(categorical); c++ {
		if !categorical[c] {
			columns = append(columns, c)
		}
	}
	return columns
}

func allRowsMask(frame *dataframe.Frame) []bool {
	mask := make([]bool, frame.NumberRows())
	for i := range mask {
		mask[i] = true
	}
	return mask
}
