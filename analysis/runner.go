package analysis

import (
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/state"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/inference"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// Analysis is one kind of data frame analysis. The columns it writes follow
// the input columns of each row.
type Analysis interface {
	// NumberExtraColumns is the number of columns appended to each row.
	NumberExtraColumns() int
	// DataFrameSliceCapacity is the preferred number of rows per frame slice.
	DataFrameSliceCapacity() int
	// EstimateBookkeepingMemoryUsage is the memory the analysis needs on top of
	// the resident rows.
	EstimateBookkeepingMemoryUsage(partitions, totalRows, partitionRows, columns int) int64
	Validate(frame *dataframe.Frame) error
	// RowsToWriteMask selects the rows written back with results.
	RowsToWriteMask(frame *dataframe.Frame) []bool
	// WriteOneRow returns the results of row, nil if it has none.
	WriteOneRow(frame *dataframe.Frame, row dataframe.Row) map[string]any
	RunAnalysis(frame *dataframe.Frame) error
	Instrumentation() *instrumentation.Instrumentation
}

// ModelExporter is implemented by analyses which train a model.
type ModelExporter interface {
	InferenceModelDefinition(fieldNames []string, categoryNames [][]string) (*inference.Definition, error)
	InferenceModelMetadata() *inference.Metadata
}

// Runner runs one analysis on its own goroutine. It may be run once.
type Runner struct {
	spec     *Specification
	analysis Analysis

	numberPartitions    int
	maxRowsPerPartition int

	lifecycle *state.Lifecycle
	done      chan struct{}

	mu  sync.Mutex
	err error

	logger log.Logger
}

func newRunner(spec *Specification, analysis Analysis) (*Runner, error) {
	r := &Runner{
		spec:      spec,
		analysis:  analysis,
		lifecycle: state.New("analysis.Runner"),
		done:      make(chan struct{}),
		logger:    spec.logger.With(log.ComponentKey, "runner"),
	}
	if err := r.computeAndSaveExecutionStrategy(); err != nil {
		return nil, err
	}
	return r, nil
}

func newFailedRunner(spec *Specification, err error) *Runner {
	return &Runner{
		spec:                spec,
		analysis:            &failedAnalysis{err: err, inst: instrumentation.New(spec.jobID, 0)},
		numberPartitions:    1,
		maxRowsPerPartition: spec.rows,
		lifecycle:           state.New("analysis.Runner"),
		done:                make(chan struct{}),
		logger:              spec.logger.With(log.ComponentKey, "runner"),
	}
}

// estimateMemoryUsage is the resident frame plus bookkeeping. With more than
// one partition only one partition of rows is resident.
func estimateMemoryUsage(analysis Analysis, partitions, totalRows, partitionRows, columns int) int64 {
	resident := dataframe.EstimateMemoryUsage(true, totalRows, columns)
	if partitions > 1 {
		resident = dataframe.EstimateMemoryUsage(true, partitionRows, columns)
	}
	return resident + analysis.EstimateBookkeepingMemoryUsage(partitions, totalRows, partitionRows, columns)
}

// computeAndSaveExecutionStrategy picks the fewest partitions whose estimate
// fits the memory limit. Without disk only one partition is possible.
func (r *Runner) computeAndSaveExecutionStrategy() error {
	spec := r.spec
	rows := spec.rows
	columns := spec.cols + r.analysis.NumberExtraColumns()

	maxPartitions := 1
	if spec.diskUsageAllowed {
		maxPartitions = maxNumberPartitions(rows)
	}

	var required int64
	for partitions := 1; partitions <= maxPartitions; partitions++ {
		partitionRows := rowsPerPartition(rows, partitions)
		memory := estimateMemoryUsage(r.analysis, partitions, rows, partitionRows, columns)
		if memory <= spec.memoryLimit {
			r.numberPartitions = partitions
			r.maxRowsPerPartition = partitionRows
			spec.counters.Store(counters.EstimatedPeakMemoryUsage, memory)
			spec.counters.Store(counters.NumberPartitions, int64(partitions))
			r.logger.Debug("Computed execution strategy",
				log.PartitionsKey, partitions,
				log.RowsPerPartitionKey, partitionRows,
				log.InMainMemoryKey, partitions == 1,
				log.MemoryUsageKey, memory)
			return nil
		}
		if required == 0 || memory < required {
			required = memory
		}
	}
	return errors.NewInfeasibleMemoryBudgetError(required, spec.memoryLimit, spec.diskUsageAllowed)
}

// Analysis returns the analysis being run.
func (r *Runner) Analysis() Analysis { return r.analysis }

// Instrumentation returns the instrumentation of the analysis.
func (r *Runner) Instrumentation() *instrumentation.Instrumentation {
	return r.analysis.Instrumentation()
}

// NumberPartitions returns the number of row partitions.
func (r *Runner) NumberPartitions() int { return r.numberPartitions }

// MaxNumberRowsPerPartition returns the rows in the largest partition.
func (r *Runner) MaxNumberRowsPerPartition() int { return r.maxRowsPerPartition }

// NumberThreads returns the number of worker threads.
func (r *Runner) NumberThreads() int { return r.spec.threads }

// StoreDataFrameInMainMemory reports whether all rows stay resident.
func (r *Runner) StoreDataFrameInMainMemory() bool { return r.numberPartitions == 1 }

// SliceCapacity is the number of rows per frame slice. Slices never span
// partitions.
func (r *Runner) SliceCapacity() int {
	capacity := r.analysis.DataFrameSliceCapacity()
	if !r.StoreDataFrameInMainMemory() {
		capacity = min(capacity, r.maxRowsPerPartition)
	}
	return max(capacity, 1)
}

// NewDataFrame creates an empty frame laid out for the execution strategy with
// one column per input field.
func (r *Runner) NewDataFrame() (*dataframe.Frame, error) {
	opts := []dataframe.Option{
		dataframe.WithSliceCapacity(r.SliceCapacity()),
		dataframe.WithMissingValue(r.spec.missingFieldValue),
	}
	if !r.StoreDataFrameInMainMemory() {
		dir := filepath.Join(r.spec.tempDir, "dataframe-"+uuid.NewString())
		opts = append(opts, dataframe.WithDiskStorage(dir))
		r.logger.Info("Storing data frame on disk", log.TempDirKey, dir)
	}
	return dataframe.New(max(r.spec.cols, 1), opts...)
}

// Run starts the analysis of frame and returns immediately. Use WaitToFinish
// or the instrumentation to follow it. Run returns ErrAlreadyRunning if called
// more than once.
func (r *Runner) Run(frame *dataframe.Frame) error {
	if !r.lifecycle.Start() {
		r.logger.Error("Analysis run more than once", log.OperationKey, log.OperationRun)
		return errors.ErrAlreadyRunning
	}

	inst := r.analysis.Instrumentation()
	inst.ResetProgress()
	go func() {
		defer close(r.done)
		err := errors.SafeExecute(r.spec.analysisName, func() error {
			return r.analysis.RunAnalysis(frame)
		})
		if err != nil {
			r.logger.Error("Analysis failed", err, log.OperationKey, log.OperationRun)
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.lifecycle.Complete()
		inst.SetToFinished()
	}()
	return nil
}

// WaitToFinish blocks until a started analysis completes and returns its error.
// It returns immediately if the runner was never run.
func (r *Runner) WaitToFinish() error {
	if r.lifecycle.Phase() == state.Created {
		return nil
	}
	<-r.done
	return r.Err()
}

// Finished reports whether the analysis has completed.
func (r *Runner) Finished() bool { return r.analysis.Instrumentation().Finished() }

// Progress returns the progress of the current task in [0, 1].
func (r *Runner) Progress() float64 { return r.analysis.Instrumentation().Progress() }

// Err returns the error the analysis finished with.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// failedAnalysis stands in for the analysis of a bad specification.
type failedAnalysis struct {
	err  error
	inst *instrumentation.Instrumentation
}

func (f *failedAnalysis) NumberExtraColumns() int     { return 0 }
func (f *failedAnalysis) DataFrameSliceCapacity() int { return dataframe.DefaultSliceCapacity }

func (f *failedAnalysis) EstimateBookkeepingMemoryUsage(int, int, int, int) int64 { return 0 }

func (f *failedAnalysis) Validate(*dataframe.Frame) error { return f.failure() }

func (f *failedAnalysis) RowsToWriteMask(*dataframe.Frame) []bool { return nil }

func (f *failedAnalysis) WriteOneRow(*dataframe.Frame, dataframe.Row) map[string]any { return nil }

func (f *failedAnalysis) RunAnalysis(*dataframe.Frame) error { return f.failure() }

func (f *failedAnalysis) Instrumentation() *instrumentation.Instrumentation { return f.inst }

func (f *failedAnalysis) failure() error {
	if f.err == nil {
		return errors.ErrBadSpecification
	}
	return errors.Wrap(errors.ErrBadSpecification, f.err.Error())
}
