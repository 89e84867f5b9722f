package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

func TestParseAppliesDefaults(t *testing.T) {
	spec, err := Parse(`{"rows":100,"cols":3,"memory_limit":100000000,"analysis":{"name":"test"}}`, testOptions()...)
	require.NoError(t, err)
	require.False(t, spec.Bad())

	_, err = uuid.Parse(spec.JobID())
	assert.NoError(t, err, "job id defaults to a uuid")
	assert.Equal(t, 100, spec.NumberRows())
	assert.Equal(t, 3, spec.NumberColumns())
	assert.Equal(t, 1, spec.NumberThreads())
	assert.Equal(t, DefaultResultsField, spec.ResultsField())
	assert.False(t, spec.DiskUsageAllowed())
	assert.Empty(t, spec.CategoricalFields())
	assert.Equal(t, testAnalysisName, spec.AnalysisName())
	assert.Equal(t, 2, spec.NumberExtraColumns())

	runner := spec.Runner()
	assert.Equal(t, 1, runner.NumberPartitions())
	assert.Equal(t, 100, runner.MaxNumberRowsPerPartition())
	assert.True(t, runner.StoreDataFrameInMainMemory())
	assert.Equal(t, 10000, runner.SliceCapacity())
	assert.Equal(t, int64(100*5*8), spec.Counters().Load(counters.EstimatedPeakMemoryUsage))
}

func TestParseReadsEveryField(t *testing.T) {
	dir := t.TempDir()
	spec, err := Parse(fmt.Sprintf(`{
		"job_id": "job-7", "rows": 10, "cols": 2, "memory_limit": 1000000, "threads": 4,
		"temp_dir": %q, "results_field": "out", "missing_field_value": "NA",
		"categorical_fields": ["b"], "disk_usage_allowed": true,
		"analysis": {"name": "test", "parameters": {}}}`, dir), testOptions()...)
	require.NoError(t, err)

	assert.Equal(t, "job-7", spec.JobID())
	assert.Equal(t, 4, spec.NumberThreads())
	assert.Equal(t, dir, spec.TemporaryDirectory())
	assert.Equal(t, "out", spec.ResultsField())
	assert.Equal(t, "NA", spec.MissingFieldValue())
	assert.Equal(t, []string{"b"}, spec.CategoricalFields())
	assert.True(t, spec.IsCategorical("b"))
	assert.False(t, spec.IsCategorical("a"))
	assert.True(t, spec.DiskUsageAllowed())
	assert.Equal(t, int64(1000000), spec.MemoryLimit())
}

func TestParseRejectsInvalidSpecifications(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"zero rows", `{"rows":0,"cols":3,"memory_limit":1000,"analysis":{"name":"test"}}`, "rows"},
		{"negative cols", `{"rows":10,"cols":-1,"memory_limit":1000,"analysis":{"name":"test"}}`, "cols"},
		{"missing memory limit", `{"rows":10,"cols":3,"analysis":{"name":"test"}}`, "memory_limit"},
		{"zero threads", `{"rows":10,"cols":3,"memory_limit":1000,"threads":0,"analysis":{"name":"test"}}`, "threads"},
		{"disk without temp dir", `{"rows":10,"cols":3,"memory_limit":1000,"disk_usage_allowed":true,"analysis":{"name":"test"}}`, "temp_dir"},
		{"empty categorical field", `{"rows":10,"cols":3,"memory_limit":1000,"categorical_fields":[""],"analysis":{"name":"test"}}`, "categorical_fields[0]"},
		{"missing analysis name", `{"rows":10,"cols":3,"memory_limit":1000,"analysis":{}}`, "analysis.name"},
		{"not json", `{"rows":`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Parse(tt.json, testOptions()...)
			require.Error(t, err)
			require.NotNil(t, spec)
			assert.True(t, spec.Bad())
			assert.Equal(t, err, spec.Err())

			var invalid *errors.InvalidSpecificationError
			require.True(t, errors.As(err, &invalid), "got %v", err)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestParseRejectsUnknownAnalysis(t *testing.T) {
	spec, err := Parse(`{"rows":10,"cols":3,"memory_limit":1000,"analysis":{"name":"clustering"}}`, testOptions()...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAnalysis))
	assert.Contains(t, err.Error(), "clustering")
	assert.Zero(t, spec.NumberExtraColumns())
}

func TestParseRejectsBadAnalysisParameters(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"unknown parameter", `{"analysis":{"name":"outlier_detection","parameters":{"k":3}}}`, "analysis.parameters"},
		{"unknown method", `{"analysis":{"name":"outlier_detection","parameters":{"method":"iforest"}}}`, "method"},
		{"outlier fraction out of range", `{"analysis":{"name":"outlier_detection","parameters":{"outlier_fraction":1.5}}}`, "outlier_fraction"},
		{"missing dependent variable", `{"analysis":{"name":"regression","parameters":{}}}`, "dependent_variable"},
		{"too many trees", `{"analysis":{"name":"regression","parameters":{"dependent_variable":"y","max_trees":5000}}}`, "max_trees"},
		{"training percent", `{"analysis":{"name":"regression","parameters":{"dependent_variable":"y","training_percent":0}}}`, "training_percent"},
		{"regression with classes", `{"analysis":{"name":"regression","parameters":{"dependent_variable":"y","num_classes":3}}}`, "analysis.parameters"},
		{"categorical regression target", `{"categorical_fields":["y"],"analysis":{"name":"regression","parameters":{"dependent_variable":"y"}}}`, "dependent_variable"},
		{"numeric classification target", `{"analysis":{"name":"classification","parameters":{"dependent_variable":"y"}}}`, "dependent_variable"},
		{"classification loss", `{"categorical_fields":["y"],"analysis":{"name":"classification","parameters":{"dependent_variable":"y","loss_function":"mse"}}}`, "loss_function"},
		{"bad objective", `{"categorical_fields":["y"],"analysis":{"name":"classification","parameters":{"dependent_variable":"y","class_assignment_objective":"maximize_f1"}}}`, "class_assignment_objective"},
		{"zero class weight", `{"categorical_fields":["y"],"analysis":{"name":"classification","parameters":{"dependent_variable":"y","classification_weights":[{"class":"a","weight":0}]}}}`, "classification_weights[0].weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			json := `{"rows":10,"cols":3,"memory_limit":100000000,` + tt.json[1:]
			_, err := Parse(json, testOptions()...)
			var invalid *errors.InvalidSpecificationError
			require.True(t, errors.As(err, &invalid), "got %v", err)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestInfeasibleMemoryBudgetMakesABadSpecification(t *testing.T) {
	spec, err := Parse(`{"rows":1000,"cols":3,"memory_limit":10,"analysis":{"name":"test"}}`, testOptions()...)
	var infeasible *errors.InfeasibleMemoryBudgetError
	require.True(t, errors.As(err, &infeasible), "got %v", err)
	assert.Equal(t, int64(1000*5*8), infeasible.Required)
	assert.Equal(t, int64(10), infeasible.Limit)
	assert.False(t, infeasible.DiskUsageAllowed)

	runner := spec.Runner()
	require.NotNil(t, runner)
	assert.Same(t, runner, spec.Runner())
	require.NoError(t, runner.Run(nil))
	err = runner.WaitToFinish()
	assert.True(t, errors.Is(err, errors.ErrBadSpecification))
	assert.True(t, runner.Finished())

	frame, err := dataframe.New(3)
	require.NoError(t, err)
	assert.True(t, errors.Is(spec.Validate(frame), errors.ErrBadSpecification))
}

func TestEstimateMemoryUsageWithAnInfeasibleLimit(t *testing.T) {
	spec, err := Parse(`{"rows":1000,"cols":3,"memory_limit":100,"analysis":{"name":"test"}}`, testOptions()...)
	var infeasible *errors.InfeasibleMemoryBudgetError
	require.True(t, errors.As(err, &infeasible), "got %v", err)
	require.True(t, spec.Bad())

	out := &output{}
	require.NoError(t, spec.EstimateMemoryUsage(jsonwriter.New(out)))
	docs := out.tagged(t, "memory_usage_estimation_result")
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]string{
		"expected_memory_without_disk": "40kb",
		"expected_memory_with_disk":    "2kb",
	}, decode[map[string]string](t, docs[0]))
}

func TestEstimateMemoryUsageNeedsAnAnalysis(t *testing.T) {
	tests := []string{
		`{"rows":1000`,
		`{"rows":1000,"cols":3,"memory_limit":100,"analysis":{"name":"unknown"}}`,
	}
	for _, specJSON := range tests {
		spec, err := Parse(specJSON, testOptions()...)
		require.Error(t, err)
		out := &output{}
		assert.True(t, errors.Is(spec.EstimateMemoryUsage(jsonwriter.New(out)), errors.ErrBadSpecification))
		assert.Empty(t, out.tagged(t, "memory_usage_estimation_result"))
	}
}

func TestValidateChecksTheFrameShape(t *testing.T) {
	spec, err := Parse(`{"rows":2,"cols":3,"memory_limit":100000000,"analysis":{"name":"test"}}`, testOptions()...)
	require.NoError(t, err)

	frame, err := dataframe.New(3)
	require.NoError(t, err)
	_, err = frame.ParseAndWriteRow([]string{"1", "2", "3"})
	require.NoError(t, err)

	var mismatch *errors.ShapeMismatchError
	require.True(t, errors.As(spec.Validate(frame), &mismatch))
	assert.Equal(t, 0, mismatch.Axis)

	_, err = frame.ParseAndWriteRow([]string{"4", "5", "6"})
	require.NoError(t, err)
	assert.NoError(t, spec.Validate(frame))

	require.NoError(t, frame.ResizeColumns(4))
	require.True(t, errors.As(spec.Validate(frame), &mismatch))
	assert.Equal(t, 1, mismatch.Axis)
	assert.Equal(t, 5, mismatch.Expected)

	require.NoError(t, frame.ResizeColumns(5))
	assert.NoError(t, spec.Validate(frame))
}

func TestEstimateMemoryUsage(t *testing.T) {
	spec, err := Parse(`{"rows":1000,"cols":3,"memory_limit":100000000,"analysis":{"name":"test"}}`, testOptions()...)
	require.NoError(t, err)

	out := &output{}
	require.NoError(t, spec.EstimateMemoryUsage(jsonwriter.New(out)))

	docs := out.tagged(t, "memory_usage_estimation_result")
	require.Len(t, docs, 1)
	estimate := decode[map[string]string](t, docs[0])
	// 1000 rows of 5 values resident, or 32 rows with 32 partitions.
	assert.Equal(t, map[string]string{
		"expected_memory_without_disk": "40kb",
		"expected_memory_with_disk":    "2kb",
	}, estimate)
}

func TestEstimateIncludesBookkeeping(t *testing.T) {
	spec, err := Parse(`{"rows":1000,"cols":3,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`, testOptions()...)
	require.NoError(t, err)

	out := &output{}
	require.NoError(t, spec.EstimateMemoryUsage(jsonwriter.New(out)))
	estimate := decode[map[string]string](t, out.tagged(t, "memory_usage_estimation_result")[0])
	kb, err := strconv.ParseInt(strings.TrimSuffix(estimate["expected_memory_without_disk"], "kb"), 10, 64)
	require.NoError(t, err)
	resident := dataframe.EstimateMemoryUsage(true, 1000, 3+spec.NumberExtraColumns())
	assert.Greater(t, kb*1024, resident)
}
