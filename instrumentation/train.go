package instrumentation

import (
	"sort"
	"sync"
	"time"
)

// TrainType selects the stats document key.
type TrainType int

const (
	Regression TrainType = iota
	Classification
)

func (t TrainType) statsTag() string {
	if t == Classification {
		return "classification_stats"
	}
	return "regression_stats"
}

// Hyperparameter is one hyperparameter value as reported. Supplied is false when
// the value was defaulted.
type Hyperparameter struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Supplied bool    `json:"supplied"`
}

// TrainBoostedTreeInstrumentation reports boosted tree training statistics.
type TrainBoostedTreeInstrumentation struct {
	*Instrumentation

	mu              sync.Mutex
	trainType       TrainType
	iteration       int
	iterationTime   time.Duration
	elapsedTime     time.Duration
	lossType        string
	lossValues      map[int][]float64
	hyperparameters []Hyperparameter
}

// NewTrainBoostedTree creates instrumentation for a supervised job.
func NewTrainBoostedTree(jobID string, memoryLimit int64, trainType TrainType, opts ...Option) *TrainBoostedTreeInstrumentation {
	t := &TrainBoostedTreeInstrumentation{
		Instrumentation: New(jobID, memoryLimit, opts...),
		trainType:       trainType,
		lossValues:      make(map[int][]float64),
	}
	t.stats = t
	return t
}

// SetIteration records the current training iteration.
func (t *TrainBoostedTreeInstrumentation) SetIteration(iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration = iteration
}

// SetIterationTime records how long the last iteration took and adds it to the
// elapsed time.
func (t *TrainBoostedTreeInstrumentation) SetIterationTime(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iterationTime = d
	t.elapsedTime += d
}

// SetLossType records the loss function name.
func (t *TrainBoostedTreeInstrumentation) SetLossType(lossType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lossType = lossType
}

// SetLossValues records the validation loss values of fold.
func (t *TrainBoostedTreeInstrumentation) SetLossValues(fold int, values []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lossValues[fold] = append([]float64(nil), values...)
}

// SetHyperparameters records the hyperparameters in use.
func (t *TrainBoostedTreeInstrumentation) SetHyperparameters(hyperparameters []Hyperparameter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hyperparameters = append([]Hyperparameter(nil), hyperparameters...)
}

// NextStep flushes the statistics of the finished iteration and clears the
// per-iteration loss values.
func (t *TrainBoostedTreeInstrumentation) NextStep(tag string) error {
	err := t.Flush(tag)
	t.mu.Lock()
	t.lossValues = make(map[int][]float64)
	t.mu.Unlock()
	return err
}

// FoldValues is the validation loss of one fold.
type FoldValues struct {
	Fold   int       `json:"fold"`
	Values []float64 `json:"values"`
}

type trainStats struct {
	JobID           string           `json:"job_id"`
	Timestamp       int64            `json:"timestamp"`
	Iteration       int              `json:"iteration"`
	Hyperparameters []Hyperparameter `json:"hyperparameters"`
	ValidationLoss  struct {
		LossType   string       `json:"loss_type"`
		FoldValues []FoldValues `json:"fold_values"`
	} `json:"validation_loss"`
	TimingStats struct {
		ElapsedTime   int64 `json:"elapsed_time"`
		IterationTime int64 `json:"iteration_time"`
	} `json:"timing_stats"`
}

func (t *TrainBoostedTreeInstrumentation) analysisStats(jobID string, timestamp int64) (string, any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := trainStats{
		JobID:           jobID,
		Timestamp:       timestamp,
		Iteration:       t.iteration,
		Hyperparameters: t.hyperparameters,
	}
	stats.ValidationLoss.LossType = t.lossType
	stats.ValidationLoss.FoldValues = make([]FoldValues, 0, len(t.lossValues))
	for fold, values := range t.lossValues {
		stats.ValidationLoss.FoldValues = append(stats.ValidationLoss.FoldValues, FoldValues{Fold: fold, Values: values})
	}
	sort.Slice(stats.ValidationLoss.FoldValues, func(i, j int) bool {
		return stats.ValidationLoss.FoldValues[i].Fold < stats.ValidationLoss.FoldValues[j].Fold
	})
	stats.TimingStats.ElapsedTime = t.elapsedTime.Milliseconds()
	stats.TimingStats.IterationTime = t.iterationTime.Milliseconds()
	return t.trainType.statsTag(), stats
}
