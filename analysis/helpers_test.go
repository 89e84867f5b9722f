package analysis

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

const testAnalysisName = "test"

// testAnalysis appends the row sum and the row index to every row, reporting
// progress in 31 steps.
type testAnalysis struct {
	spec *Specification
	inst *instrumentation.Instrumentation
}

func newTestAnalysis(spec *Specification, _ json.RawMessage) (Analysis, error) {
	return &testAnalysis{
		spec: spec,
		inst: instrumentation.New(spec.JobID(), spec.MemoryLimit(),
			instrumentation.WithLogger(log.NewTestLogger(log.LevelError))),
	}, nil
}

func (a *testAnalysis) NumberExtraColumns() int     { return 2 }
func (a *testAnalysis) DataFrameSliceCapacity() int { return 10000 }

func (a *testAnalysis) EstimateBookkeepingMemoryUsage(int, int, int, int) int64 { return 0 }

func (a *testAnalysis) Validate(*dataframe.Frame) error { return nil }

func (a *testAnalysis) RowsToWriteMask(frame *dataframe.Frame) []bool { return allRowsMask(frame) }

func (a *testAnalysis) WriteOneRow(_ *dataframe.Frame, row dataframe.Row) map[string]any {
	cols := a.spec.NumberColumns()
	return map[string]any{"sum": row.At(cols), "index": int(row.At(cols + 1))}
}

func (a *testAnalysis) RunAnalysis(frame *dataframe.Frame) error {
	a.inst.StartNewProgressMonitoredTask("testing")
	progress := instrumentation.NewLoopProgressWithSteps(31, 31, a.inst.ProgressCallback())
	for i := 0; i < 31; i++ {
		time.Sleep(time.Millisecond)
		progress.Increment(1)
	}
	cols := a.spec.NumberColumns()
	return frame.WriteColumns(1, 0, frame.NumberRows(), nil, func(rows []dataframe.Row) error {
		for _, row := range rows {
			sum := 0.0
			for j := 0; j < cols; j++ {
				sum += row.At(j)
			}
			row.Set(cols, sum)
			row.Set(cols+1, float64(row.Index()))
		}
		return nil
	})
}

func (a *testAnalysis) Instrumentation() *instrumentation.Instrumentation { return a.inst }

func testOptions(opts ...Option) []Option {
	factories := append(DefaultRunnerFactories(), NewRunnerFactory(testAnalysisName, newTestAnalysis))
	return append([]Option{
		WithRunnerFactories(factories...),
		WithLogger(log.NewTestLogger(log.LevelError)),
	}, opts...)
}

// output collects the documents an Analyzer writes.
type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(p)
}

// documents returns every document as its single key and value.
func (o *output) documents(t *testing.T) (keys []string, values []json.RawMessage) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(o.buf.Bytes()))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		require.Len(t, doc, 1)
		for key, value := range doc {
			keys = append(keys, key)
			values = append(values, value)
		}
	}
	require.NoError(t, scanner.Err())
	return keys, values
}

// tagged returns the values of the documents with key tag.
func (o *output) tagged(t *testing.T, tag string) []json.RawMessage {
	t.Helper()
	keys, values := o.documents(t)
	var out []json.RawMessage
	for i, key := range keys {
		if key == tag {
			out = append(out, values[i])
		}
	}
	return out
}

// rowResults decodes the results field of every row_results document.
func (o *output) rowResults(t *testing.T, resultsField string) []map[string]json.RawMessage {
	t.Helper()
	var results []map[string]json.RawMessage
	for _, raw := range o.tagged(t, RowResultsTag) {
		var doc struct {
			Checksum int                                   `json:"checksum"`
			Results  map[string]map[string]json.RawMessage `json:"results"`
		}
		require.NoError(t, json.Unmarshal(raw, &doc))
		require.Contains(t, doc.Results, resultsField)
		results = append(results, doc.Results[resultsField])
	}
	return results
}

func newTestAnalyzer(t *testing.T, spec *Specification, opts ...AnalyzerOption) (*Analyzer, *output) {
	t.Helper()
	out := &output{}
	opts = append([]AnalyzerOption{WithMonitorInterval(time.Millisecond)}, opts...)
	analyzer, err := NewAnalyzer(spec, jsonwriter.New(out), opts...)
	require.NoError(t, err)
	return analyzer, out
}

// feed sends rows followed by the end of input control record.
func feed(t *testing.T, analyzer *Analyzer, names []string, rows [][]string) error {
	t.Helper()
	fieldNames := append(append([]string(nil), names...), ControlFieldName)
	for _, row := range rows {
		require.NoError(t, analyzer.HandleRecord(fieldNames, append(append([]string(nil), row...), "")))
	}
	end := make([]string, len(fieldNames))
	end[len(end)-1] = RunAnalysisControlValue
	return analyzer.HandleRecord(fieldNames, end)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
