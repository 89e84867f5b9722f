package counters

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAddMax(t *testing.T) {
	s := New()

	s.Store(TrainedForestNumberTrees, 12)
	s.Add(RowsProcessed, 5)
	s.Add(RowsProcessed, 7)
	s.Max(TrainPeakMemoryUsage, 100)
	s.Max(TrainPeakMemoryUsage, 50)

	assert.Equal(t, int64(12), s.Load(TrainedForestNumberTrees))
	assert.Equal(t, int64(12), s.Load(RowsProcessed))
	assert.Equal(t, int64(100), s.Load(TrainPeakMemoryUsage))
	assert.Equal(t, int64(12), s.Snapshot()["dfanalytics_trained_forest_number_trees"])
}

func TestMaxIsSafeForConcurrentUse(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			s.Max(OutliersPeakMemoryUsage, v)
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, int64(100), s.Load(OutliersPeakMemoryUsage))
}

func TestRegister(t *testing.T) {
	s := New()
	reg := prometheus.NewRegistry()
	s.Register(reg, "job-1")

	s.Store(TrainedForestNumberTrees, 42)

	expected := `
# HELP dfanalytics_trained_forest_number_trees Number of trees in the trained forest
# TYPE dfanalytics_trained_forest_number_trees gauge
dfanalytics_trained_forest_number_trees{job_id="job-1"} 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dfanalytics_trained_forest_number_trees"))
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, int(numberCounters), count)
}
