package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

func TestValidationMetricsLogWhatCannotBeComputed(t *testing.T) {
	spec, err := Parse(regressionSpec, testOptions()...)
	require.NoError(t, err)
	a, ok := spec.Runner().Analysis().(*supervisedAnalysis)
	require.True(t, ok)
	logger := log.NewTestLogger(log.LevelInfo)
	a.logger = logger

	// x, c, y, prediction, training flag
	frame, err := dataframe.New(5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frame.Close() })
	for _, prediction := range []string{"3", "4", "5"} {
		_, err := frame.ParseAndWriteRow([]string{"1", "0", "4", prediction, "0"})
		require.NoError(t, err)
	}
	require.NoError(t, frame.FinishWritingRows())

	// A constant target has no coefficient of determination.
	a.logValidationMetrics(frame, []float64{4, 4, 4}, []int{0, 1, 2})

	assert.True(t, logger.ContainsMessage("Failed computing validation metric"))
	assert.True(t, logger.ContainsField("metric", "r_squared"))
	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	var summary map[string]interface{}
	for _, entry := range entries {
		if entry["message"] == "Validation error" {
			summary = entry
		}
	}
	require.NotNil(t, summary)
	assert.InDelta(t, 2.0/3, summary["mse"], 1e-12)
	assert.Equal(t, float64(3), summary["validation_rows"])
	assert.NotContains(t, summary, "r_squared")
}
