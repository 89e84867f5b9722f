package instrumentation

import (
	"sync"
	"time"
)

const outliersStatsTag = "outlier_detection_stats"

// OutliersParameters are the outlier detection parameters as reported.
type OutliersParameters struct {
	Method                    string  `json:"method"`
	NNeighbors                int     `json:"n_neighbors"`
	ComputeFeatureInfluence   bool    `json:"compute_feature_influence"`
	FeatureInfluenceThreshold float64 `json:"feature_influence_threshold"`
	OutlierFraction           float64 `json:"outlier_fraction"`
	StandardizationEnabled    bool    `json:"standardization_enabled"`
}

// OutliersInstrumentation reports outlier detection statistics.
type OutliersInstrumentation struct {
	*Instrumentation

	mu          sync.Mutex
	parameters  OutliersParameters
	elapsedTime time.Duration
}

// NewOutliers creates instrumentation for an outlier detection job.
func NewOutliers(jobID string, memoryLimit int64, opts ...Option) *OutliersInstrumentation {
	o := &OutliersInstrumentation{Instrumentation: New(jobID, memoryLimit, opts...)}
	o.stats = o
	return o
}

// SetParameters records the parameters used.
func (o *OutliersInstrumentation) SetParameters(parameters OutliersParameters) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parameters = parameters
}

// SetElapsedTime records the time the analysis has taken.
func (o *OutliersInstrumentation) SetElapsedTime(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.elapsedTime = d
}

type outliersStats struct {
	JobID       string             `json:"job_id"`
	Timestamp   int64              `json:"timestamp"`
	Parameters  OutliersParameters `json:"parameters"`
	TimingStats struct {
		ElapsedTime int64 `json:"elapsed_time"`
	} `json:"timing_stats"`
}

func (o *OutliersInstrumentation) analysisStats(jobID string, timestamp int64) (string, any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := outliersStats{JobID: jobID, Timestamp: timestamp, Parameters: o.parameters}
	stats.TimingStats.ElapsedTime = o.elapsedTime.Milliseconds()
	return outliersStatsTag, stats
}
