package instrumentation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

func TestReadValidationLoss(t *testing.T) {
	var buf lockedBuffer
	inst := NewTrainBoostedTree("job-4", 0, Regression,
		WithWriter(jsonwriter.New(&buf)), WithLogger(log.NewTestLogger(log.LevelError)))
	inst.SetLossType("mse")
	for i, loss := range []float64{0.9, 0.5, 0.3} {
		inst.SetIteration(i)
		inst.SetIterationTime(time.Millisecond)
		inst.SetLossValues(0, []float64{loss})
		require.NoError(t, inst.NextStep("iteration"))
	}
	// The final flush carries no loss values.
	require.NoError(t, inst.Flush("final"))

	loss, err := ReadValidationLoss(strings.NewReader(buf.buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "mse", loss.LossType)
	assert.Equal(t, map[int][]LossPoint{0: {{0, 0.9}, {1, 0.5}, {2, 0.3}}}, loss.Folds)
	assert.False(t, loss.Empty())

	out := filepath.Join(t.TempDir(), "loss.png")
	require.NoError(t, loss.SavePlot(out))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestReadValidationLossSortsIterations(t *testing.T) {
	input := `{"phase_progress":{"phase":"x","progress_percent":10}}
{"classification_stats":{"iteration":2,"validation_loss":{"loss_type":"binomial_logistic","fold_values":[{"fold":1,"values":[0.2]}]}}}

{"classification_stats":{"iteration":1,"validation_loss":{"loss_type":"binomial_logistic","fold_values":[{"fold":1,"values":[0.6,0.4]}]}}}
`
	loss, err := ReadValidationLoss(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "binomial_logistic", loss.LossType)
	assert.Equal(t, []LossPoint{{1, 0.4}, {2, 0.2}}, loss.Folds[1])
}

func TestReadValidationLossRejectsBadDocuments(t *testing.T) {
	_, err := ReadValidationLoss(strings.NewReader("{\"regression_stats\":\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestPlotWithoutLossFails(t *testing.T) {
	loss, err := ReadValidationLoss(strings.NewReader(`{"analytics_memory_usage":{"peak_usage_bytes":1}}`))
	require.NoError(t, err)
	assert.True(t, loss.Empty())
	_, err = loss.Plot()
	assert.Error(t, err)
}
