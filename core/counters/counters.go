// Package counters holds the program counters an analysis publishes while it runs,
// such as the number of trees in the trained forest or the peak memory reached.
// Values are plain atomics. Register exposes them as prometheus gauges.
package counters

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter identifies one program counter.
type Counter int

const (
	// OutliersPeakMemoryUsage is the peak memory of an outlier detection analysis.
	OutliersPeakMemoryUsage Counter = iota
	// TrainPeakMemoryUsage is the peak memory of a supervised analysis.
	TrainPeakMemoryUsage
	// TrainedForestNumberTrees is the number of trees in the trained forest.
	TrainedForestNumberTrees
	// EstimatedPeakMemoryUsage is the strategy's memory estimate.
	EstimatedPeakMemoryUsage
	// NumberPartitions is the number of row partitions of the data frame.
	NumberPartitions
	// RowsProcessed counts rows written back with results.
	RowsProcessed

	numberCounters
)

var descriptions = [numberCounters]struct {
	name string
	help string
}{
	OutliersPeakMemoryUsage:  {"dfanalytics_outliers_peak_memory_usage_bytes", "Peak memory usage of outlier detection"},
	TrainPeakMemoryUsage:     {"dfanalytics_train_peak_memory_usage_bytes", "Peak memory usage of supervised training"},
	TrainedForestNumberTrees: {"dfanalytics_trained_forest_number_trees", "Number of trees in the trained forest"},
	EstimatedPeakMemoryUsage: {"dfanalytics_estimated_peak_memory_usage_bytes", "Estimated peak memory usage for the chosen strategy"},
	NumberPartitions:         {"dfanalytics_data_frame_partitions", "Number of row partitions of the data frame"},
	RowsProcessed:            {"dfanalytics_rows_processed_total", "Rows written back with results"},
}

func (c Counter) String() string {
	if c < 0 || c >= numberCounters {
		return "unknown"
	}
	return descriptions[c].name
}

// Set is one job's collection of counters.
type Set struct {
	values [numberCounters]atomic.Int64
}

// New returns a zeroed Set.
func New() *Set {
	return &Set{}
}

// Store sets counter c to v.
func (s *Set) Store(c Counter, v int64) {
	s.values[c].Store(v)
}

// Add adds delta to counter c.
func (s *Set) Add(c Counter, delta int64) {
	s.values[c].Add(delta)
}

// Max raises counter c to v if v is larger.
func (s *Set) Max(c Counter, v int64) {
	for {
		current := s.values[c].Load()
		if v <= current || s.values[c].CompareAndSwap(current, v) {
			return
		}
	}
}

// Load returns counter c.
func (s *Set) Load(c Counter) int64 {
	return s.values[c].Load()
}

// Snapshot returns all counters keyed by name.
func (s *Set) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, numberCounters)
	for c := Counter(0); c < numberCounters; c++ {
		snapshot[c.String()] = s.Load(c)
	}
	return snapshot
}

// Register exposes every counter as a gauge on reg, labelled with the job id.
func (s *Set) Register(reg prometheus.Registerer, jobID string) {
	factory := promauto.With(reg)
	for c := Counter(0); c < numberCounters; c++ {
		counter := c
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        descriptions[counter].name,
			Help:        descriptions[counter].help,
			ConstLabels: prometheus.Labels{"job_id": jobID},
		}, func() float64 {
			return float64(s.Load(counter))
		})
	}
}
