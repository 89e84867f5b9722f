package instrumentation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// lockedBuffer lets the monitor goroutine and the test share a buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) documents(t *testing.T) []map[string]map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var docs []map[string]map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var doc map[string]map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		docs = append(docs, doc)
	}
	return docs
}

func progressDocs(t *testing.T, b *lockedBuffer) []map[string]any {
	var out []map[string]any
	for _, doc := range b.documents(t) {
		if p, ok := doc[progressTag]; ok {
			out = append(out, p)
		}
	}
	return out
}

func newTestInstrumentation(opts ...Option) *Instrumentation {
	opts = append([]Option{WithLogger(log.NewTestLogger(log.LevelError))}, opts...)
	return New("job-1", 1000, opts...)
}

func TestProgressIsMonotonicAndResetsOnNewTask(t *testing.T) {
	inst := newTestInstrumentation()
	assert.Equal(t, NoTask, inst.Task())

	inst.StartNewProgressMonitoredTask("feature_selection")
	last := inst.Progress()
	for i := 0; i < 16; i++ {
		inst.UpdateProgress(1.0 / 16)
		p := inst.Progress()
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.InDelta(t, 1.0, inst.Progress(), 1e-9)
	assert.Equal(t, 100, inst.PercentageProgress())

	inst.StartNewProgressMonitoredTask("training")
	assert.Equal(t, "training", inst.Task())
	assert.Zero(t, inst.Progress())

	inst.UpdateProgress(-0.5)
	assert.Zero(t, inst.Progress())

	inst.UpdateProgress(5)
	assert.Equal(t, 1.0, inst.Progress(), "progress is capped at one")
}

func TestConcurrentProgressUpdates(t *testing.T) {
	inst := newTestInstrumentation()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 128; j++ {
				inst.UpdateProgress(1.0 / 1024)
				inst.UpdateMemoryUsage(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1.0, inst.Progress())
	assert.Equal(t, int64(1024), inst.Memory())
}

func TestMemoryStatusIsStickyUntilReset(t *testing.T) {
	set := counters.New()
	inst := newTestInstrumentation(WithCounters(set, counters.TrainPeakMemoryUsage))

	inst.UpdateMemoryUsage(600)
	assert.Equal(t, MemoryStatusOk, inst.MemoryStatus())

	inst.UpdateMemoryUsage(600)
	assert.Equal(t, MemoryStatusHardLimit, inst.MemoryStatus())

	inst.UpdateMemoryUsage(-1100)
	assert.Equal(t, int64(100), inst.Memory())
	assert.Equal(t, int64(1200), inst.PeakMemory())
	assert.Equal(t, MemoryStatusHardLimit, inst.MemoryStatus())
	assert.Equal(t, int64(1200), set.Load(counters.TrainPeakMemoryUsage))

	inst.ResetMemoryStatus()
	assert.Equal(t, MemoryStatusOk, inst.MemoryStatus())
}

func TestFinishedIsOneWay(t *testing.T) {
	inst := newTestInstrumentation()
	assert.False(t, inst.Finished())
	inst.SetToFinished()
	assert.True(t, inst.Finished())
	inst.ResetProgress()
	assert.False(t, inst.Finished())
}

func TestFlushWritesMemoryDocument(t *testing.T) {
	var buf lockedBuffer
	inst := newTestInstrumentation(WithWriter(jsonwriter.New(&buf)))
	inst.UpdateMemoryUsage(2000)
	inst.SetMemoryReestimate(4096)

	require.NoError(t, inst.Flush("final"))

	docs := buf.documents(t)
	require.Len(t, docs, 1)
	memory := docs[0][memoryUsageTag]
	assert.Equal(t, "job-1", memory["job_id"])
	assert.Equal(t, 2000.0, memory["peak_usage_bytes"])
	assert.Equal(t, "hard_limit", memory["status"])
	assert.Equal(t, 4096.0, memory["memory_reestimate_bytes"])
	assert.Contains(t, memory, "timestamp")
}

func TestFlushWithoutWriterIsNoop(t *testing.T) {
	assert.NoError(t, newTestInstrumentation().Flush("final"))
}

func TestMonitorWritesOnChangeAndFinalFlush(t *testing.T) {
	var buf lockedBuffer
	inst := newTestInstrumentation()
	w := jsonwriter.New(&buf)

	done := make(chan struct{})
	go func() {
		MonitorWithInterval(inst, w, time.Millisecond)
		close(done)
	}()

	inst.StartNewProgressMonitoredTask("training")
	for i := 0; i < 8; i++ {
		inst.UpdateProgress(0.125)
		time.Sleep(3 * time.Millisecond)
	}
	inst.SetToFinished()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not return after finish")
	}

	docs := progressDocs(t, &buf)
	require.NotEmpty(t, docs)

	lastTraining := -1.0
	for _, doc := range docs {
		assert.Equal(t, "job-1", doc["job_id"])
		if doc["phase"] == "training" {
			p := doc["progress_percent"].(float64)
			assert.GreaterOrEqual(t, p, lastTraining, "progress must not decrease")
			lastTraining = p
		}
	}
	final := docs[len(docs)-1]
	assert.Equal(t, "training", final["phase"])
	assert.Equal(t, 100.0, final["progress_percent"])
}

func TestMonitorDoesNotRepeatUnchangedProgress(t *testing.T) {
	var buf lockedBuffer
	inst := newTestInstrumentation()
	inst.StartNewProgressMonitoredTask("analyzing_rows")
	inst.UpdateProgress(0.5)

	done := make(chan struct{})
	go func() {
		MonitorWithInterval(inst, jsonwriter.New(&buf), time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	inst.SetToFinished()
	<-done

	docs := progressDocs(t, &buf)
	// One document while running and the final one.
	assert.Len(t, docs, 2)
	for _, doc := range docs {
		assert.Equal(t, 50.0, doc["progress_percent"])
	}
}

func TestMonitorCompletesPreviousTask(t *testing.T) {
	var buf lockedBuffer
	inst := newTestInstrumentation()
	inst.StartNewProgressMonitoredTask("encoding")
	inst.UpdateProgress(0.25)

	done := make(chan struct{})
	go func() {
		MonitorWithInterval(inst, jsonwriter.New(&buf), time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	inst.StartNewProgressMonitoredTask("training")
	time.Sleep(10 * time.Millisecond)
	inst.SetToFinished()
	<-done

	var phases []string
	var percents []float64
	for _, doc := range progressDocs(t, &buf) {
		phases = append(phases, doc["phase"].(string))
		percents = append(percents, doc["progress_percent"].(float64))
	}
	require.GreaterOrEqual(t, len(phases), 3)
	assert.Equal(t, []string{"encoding", "encoding", "training"}, phases[:3])
	assert.Equal(t, []float64{25, 100, 0}, percents[:3])
}

func TestLoopProgressSumsToOne(t *testing.T) {
	for _, size := range []int{1, 10, 31, 32, 100, 1000} {
		var total float64
		calls := 0
		loop := NewLoopProgress(size, func(f float64) {
			total += f
			calls++
		})
		for i := 0; i < size; i++ {
			loop.Increment(1)
		}
		loop.Finish()
		assert.InDelta(t, 1.0, total, 1e-9, "size %d", size)
		assert.LessOrEqual(t, calls, DefaultLoopProgressSteps)
	}
}

func TestLoopProgressEmptyLoopFinishes(t *testing.T) {
	var total float64
	NewLoopProgress(0, func(f float64) { total += f }).Finish()
	assert.Equal(t, 1.0, total)
}

func TestOutliersStats(t *testing.T) {
	var buf lockedBuffer
	inst := NewOutliers("job-2", 0, WithWriter(jsonwriter.New(&buf)), WithLogger(log.NewTestLogger(log.LevelError)))
	inst.SetParameters(OutliersParameters{Method: "lof", NNeighbors: 5, ComputeFeatureInfluence: true,
		FeatureInfluenceThreshold: 0.1, OutlierFraction: 0.05, StandardizationEnabled: true})
	inst.SetElapsedTime(1500 * time.Millisecond)

	require.NoError(t, inst.Flush("final"))

	docs := buf.documents(t)
	require.Len(t, docs, 2)
	stats := docs[1][outliersStatsTag]
	require.NotNil(t, stats)
	assert.Equal(t, "job-2", stats["job_id"])
	params := stats["parameters"].(map[string]any)
	assert.Equal(t, "lof", params["method"])
	assert.Equal(t, 5.0, params["n_neighbors"])
	timing := stats["timing_stats"].(map[string]any)
	assert.Equal(t, 1500.0, timing["elapsed_time"])
}

func TestTrainBoostedTreeStats(t *testing.T) {
	var buf lockedBuffer
	inst := NewTrainBoostedTree("job-3", 0, Classification,
		WithWriter(jsonwriter.New(&buf)), WithLogger(log.NewTestLogger(log.LevelError)))
	inst.SetLossType("binomial_logistic")
	inst.SetHyperparameters([]Hyperparameter{{Name: "eta", Value: 0.1, Supplied: true}, {Name: "lambda", Value: 1}})
	inst.SetIteration(3)
	inst.SetIterationTime(20 * time.Millisecond)
	inst.SetIterationTime(30 * time.Millisecond)
	inst.SetLossValues(1, []float64{0.4})
	inst.SetLossValues(0, []float64{0.5, 0.45})

	require.NoError(t, inst.NextStep("iteration"))

	docs := buf.documents(t)
	require.Len(t, docs, 2)
	stats := docs[1]["classification_stats"]
	require.NotNil(t, stats)
	assert.Equal(t, 3.0, stats["iteration"])

	loss := stats["validation_loss"].(map[string]any)
	assert.Equal(t, "binomial_logistic", loss["loss_type"])
	folds := loss["fold_values"].([]any)
	require.Len(t, folds, 2)
	assert.Equal(t, 0.0, folds[0].(map[string]any)["fold"])
	assert.Equal(t, []any{0.5, 0.45}, folds[0].(map[string]any)["values"])

	hyper := stats["hyperparameters"].([]any)
	assert.Equal(t, true, hyper[0].(map[string]any)["supplied"])
	assert.Equal(t, false, hyper[1].(map[string]any)["supplied"])

	timing := stats["timing_stats"].(map[string]any)
	assert.Equal(t, 50.0, timing["elapsed_time"])
	assert.Equal(t, 30.0, timing["iteration_time"])

	// Loss values are per iteration.
	require.NoError(t, inst.NextStep("iteration"))
	docs = buf.documents(t)
	stats = docs[3]["classification_stats"]
	assert.Empty(t, stats["validation_loss"].(map[string]any)["fold_values"])
}
