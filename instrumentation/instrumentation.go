// Package instrumentation lets a running analysis report progress, memory usage
// and analysis statistics without blocking.
//
// The analysis goroutine only touches atomics, except for the task name which is
// guarded by a small mutex. A separate goroutine runs Monitor, which polls the
// state and writes progress documents to a shared jsonwriter.LineWriter.
package instrumentation

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

const (
	// NoTask is the task name before any task was started.
	NoTask = "analyzing"

	// progressScale is the fixed-point denominator for fractional progress.
	progressScale = 1024

	memoryUsageTag = "analytics_memory_usage"
	progressTag    = "phase_progress"
)

// MemoryStatus reports whether the analysis stayed within its memory limit.
type MemoryStatus int32

const (
	MemoryStatusOk MemoryStatus = iota
	MemoryStatusHardLimit
)

func (s MemoryStatus) String() string {
	if s == MemoryStatusHardLimit {
		return "hard_limit"
	}
	return "ok"
}

// statsReporter renders the analysis specific statistics document.
type statsReporter interface {
	analysisStats(jobID string, timestamp int64) (key string, document any)
}

// Option configures an Instrumentation.
type Option func(*Instrumentation)

// WithCounters publishes peak memory to counter c of set.
func WithCounters(set *counters.Set, c counters.Counter) Option {
	return func(i *Instrumentation) {
		i.counters = set
		i.peakCounter = c
	}
}

// WithWriter sets the writer used by Flush.
func WithWriter(w *jsonwriter.LineWriter) Option {
	return func(i *Instrumentation) {
		i.writer.Store(w)
	}
}

// WithLogger overrides the logger.
func WithLogger(logger log.Logger) Option {
	return func(i *Instrumentation) {
		i.logger = logger
	}
}

// Instrumentation is the live state of one analysis.
type Instrumentation struct {
	jobID       string
	memoryLimit int64

	progress   atomic.Uint64
	memory     atomic.Int64
	peakMemory atomic.Int64
	status     atomic.Int32
	reestimate atomic.Int64
	finished   atomic.Bool

	taskMu sync.Mutex
	task   string

	writer      atomic.Pointer[jsonwriter.LineWriter]
	counters    *counters.Set
	peakCounter counters.Counter
	stats       statsReporter
	logger      log.Logger
	now         func() time.Time
}

// New creates the instrumentation for job jobID. A memoryLimit of 0 disables the
// hard limit check.
func New(jobID string, memoryLimit int64, opts ...Option) *Instrumentation {
	i := &Instrumentation{
		jobID:       jobID,
		memoryLimit: memoryLimit,
		task:        NoTask,
		logger:      log.GetLoggerWithName("instrumentation"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(log.JobIDKey, jobID)
	return i
}

// JobID returns the job id.
func (i *Instrumentation) JobID() string { return i.jobID }

// SetWriter sets the writer used by Flush.
func (i *Instrumentation) SetWriter(w *jsonwriter.LineWriter) {
	i.writer.Store(w)
}

// UpdateMemoryUsage applies a signed delta to the current memory usage. Exceeding
// the memory limit moves the status to MemoryStatusHardLimit.
func (i *Instrumentation) UpdateMemoryUsage(delta int64) {
	current := i.memory.Add(delta)
	for {
		peak := i.peakMemory.Load()
		if current <= peak || i.peakMemory.CompareAndSwap(peak, current) {
			break
		}
	}
	if i.counters != nil {
		i.counters.Max(i.peakCounter, current)
	}
	if i.memoryLimit > 0 && current > i.memoryLimit &&
		i.status.CompareAndSwap(int32(MemoryStatusOk), int32(MemoryStatusHardLimit)) {
		i.logger.Warn("Memory usage exceeded the limit",
			log.MemoryUsageKey, current, log.MemoryLimitKey, i.memoryLimit)
	}
}

// Memory returns the current memory usage.
func (i *Instrumentation) Memory() int64 { return i.memory.Load() }

// PeakMemory returns the largest memory usage seen.
func (i *Instrumentation) PeakMemory() int64 { return i.peakMemory.Load() }

// MemoryStatus returns the memory status.
func (i *Instrumentation) MemoryStatus() MemoryStatus {
	return MemoryStatus(i.status.Load())
}

// ResetMemoryStatus clears a hard limit status.
func (i *Instrumentation) ResetMemoryStatus() {
	i.status.Store(int32(MemoryStatusOk))
}

// SetMemoryReestimate records a revised memory requirement, written with the next
// memory document.
func (i *Instrumentation) SetMemoryReestimate(bytes int64) {
	i.reestimate.Store(bytes)
}

// UpdateProgress adds fraction of the current task to the progress.
func (i *Instrumentation) UpdateProgress(fraction float64) {
	if fraction <= 0 {
		return
	}
	i.progress.Add(uint64(fraction*progressScale + 0.5))
}

// ProgressCallback returns UpdateProgress as a function value.
func (i *Instrumentation) ProgressCallback() func(float64) {
	return i.UpdateProgress
}

// Progress returns the progress of the current task in [0, 1].
func (i *Instrumentation) Progress() float64 {
	return math.Min(float64(i.progress.Load())/progressScale, 1)
}

// PercentageProgress returns the progress as a whole percentage.
func (i *Instrumentation) PercentageProgress() int {
	return int(math.Floor(100 * i.Progress()))
}

// ResetProgress sets the progress to zero and clears the finished flag.
func (i *Instrumentation) ResetProgress() {
	i.progress.Store(0)
	i.finished.Store(false)
}

// StartNewProgressMonitoredTask starts a new task with zero progress.
func (i *Instrumentation) StartNewProgressMonitoredTask(task string) {
	i.taskMu.Lock()
	i.task = task
	i.progress.Store(0)
	i.taskMu.Unlock()
	i.logger.Debug("Started task", log.TaskKey, task)
}

// Task returns the current task name.
func (i *Instrumentation) Task() string {
	i.taskMu.Lock()
	defer i.taskMu.Unlock()
	return i.task
}

// taskAndProgress reads both under the task lock so that a task change is never
// paired with the previous task's progress.
func (i *Instrumentation) taskAndProgress() (string, int) {
	i.taskMu.Lock()
	defer i.taskMu.Unlock()
	return i.task, i.PercentageProgress()
}

// SetToFinished marks the analysis as finished. It is a one-way transition.
func (i *Instrumentation) SetToFinished() {
	i.finished.Store(true)
}

// Finished reports whether SetToFinished was called.
func (i *Instrumentation) Finished() bool {
	return i.finished.Load()
}

// Flush writes the memory document followed by the analysis statistics, if any.
func (i *Instrumentation) Flush(tag string) error {
	w := i.writer.Load()
	if w == nil {
		return nil
	}
	timestamp := i.now().UnixMilli()
	if err := w.WriteObject(memoryUsageTag, i.memoryDocument(timestamp)); err != nil {
		return err
	}
	if i.stats != nil {
		key, document := i.stats.analysisStats(i.jobID, timestamp)
		if err := w.WriteObject(key, document); err != nil {
			return err
		}
	}
	i.logger.Debug("Flushed instrumentation", "tag", tag,
		log.MemoryUsageKey, i.PeakMemory(), log.MemoryStatusKey, i.MemoryStatus().String())
	return nil
}

type memoryDocument struct {
	JobID                 string `json:"job_id"`
	Timestamp             int64  `json:"timestamp"`
	PeakUsageBytes        int64  `json:"peak_usage_bytes"`
	Status                string `json:"status"`
	MemoryReestimateBytes int64  `json:"memory_reestimate_bytes,omitempty"`
}

func (i *Instrumentation) memoryDocument(timestamp int64) memoryDocument {
	return memoryDocument{
		JobID:                 i.jobID,
		Timestamp:             timestamp,
		PeakUsageBytes:        i.PeakMemory(),
		Status:                i.MemoryStatus().String(),
		MemoryReestimateBytes: i.reestimate.Load(),
	}
}

type progressDocument struct {
	JobID           string `json:"job_id"`
	Timestamp       int64  `json:"timestamp"`
	Phase           string `json:"phase"`
	ProgressPercent int    `json:"progress_percent"`
}

func (i *Instrumentation) writeProgress(w *jsonwriter.LineWriter, task string, percent int) error {
	return w.WriteObject(progressTag, progressDocument{
		JobID:           i.jobID,
		Timestamp:       i.now().UnixMilli(),
		Phase:           task,
		ProgressPercent: percent,
	})
}
