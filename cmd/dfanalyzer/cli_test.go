package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/analysis"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/inference"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut syncBuffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// documentKeys returns the single key of every output document.
func documentKeys(t *testing.T, output string) []string {
	t.Helper()
	var keys []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc), scanner.Text())
		require.Len(t, doc, 1)
		for key := range doc {
			keys = append(keys, key)
		}
	}
	return keys
}

func count(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}

func outlierCSV(rows int) string {
	var b strings.Builder
	b.WriteString("a,b\n")
	for i := 0; i < rows-1; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i%5, (i*3)%7)
	}
	b.WriteString("100,100\n")
	return b.String()
}

func TestRunOutlierDetectionFromStdin(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json",
		`{"rows":50,"cols":2,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`)

	stdout, _, err := execute(t, outlierCSV(50), "run", "--spec", spec, "--log-level", "error")
	require.NoError(t, err)

	keys := documentKeys(t, stdout)
	assert.Equal(t, 50, count(keys, "row_results"))
	assert.Equal(t, "outlier_detection_stats", keys[len(keys)-1])
}

func TestRunStopsAtTheControlRecord(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json",
		`{"rows":3,"cols":2,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`)
	input := writeFile(t, dir, "data.csv", "a,b,.\n1,2,\n2,3,\n9,9,\n,,$\n5,5,\n")
	output := filepath.Join(dir, "out.ndjson")

	_, _, err := execute(t, "", "run", "--spec", spec, "--input", input, "--output", output)
	require.NoError(t, err)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, 3, count(documentKeys(t, string(raw)), "row_results"))
}

func TestRunSkipsRecordsOfTheWrongLength(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json",
		`{"rows":2,"cols":2,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`)
	stdout, _, err := execute(t, "a,b\n1,2\n3\n4,5\n", "run", "--spec", spec)
	require.NoError(t, err)
	assert.Equal(t, 2, count(documentKeys(t, stdout), "row_results"))
}

func TestFeedCSVCountsSkippedRecords(t *testing.T) {
	spec, err := analysis.Parse(`{"rows":2,"cols":2,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`)
	require.NoError(t, err)
	var out syncBuffer
	analyzer, err := analysis.NewAnalyzer(spec, jsonwriter.New(&out))
	require.NoError(t, err)

	require.NoError(t, feedCSV(strings.NewReader("a,b\n1,2\n3\n4,5\n"), analyzer))
	assert.Equal(t, 1, analyzer.SkippedRows())
	assert.Equal(t, 2, count(documentKeys(t, out.String()), "row_results"))
}

func TestRunRequiresASpecification(t *testing.T) {
	_, _, err := execute(t, "a\n1\n", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--spec")
}

func TestRunReportsABadSpecification(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json", `{"rows":2,"cols":2,"analysis":{"name":"outlier_detection"}}`)
	stdout, _, err := execute(t, "a,b\n1,2\n3,4\n", "run", "--spec", spec)
	require.Error(t, err)
	assert.Equal(t, []string{"analytics_memory_usage"}, documentKeys(t, stdout))
}

func regressionCSV(rows int) string {
	var b strings.Builder
	b.WriteString("x,z,y\n")
	for i := 0; i < rows; i++ {
		x := float64(i%20) / 2
		z := float64((i * 7) % 11)
		fmt.Fprintf(&b, "%g,%g,%g\n", x, z, 3*x+0.5*z)
	}
	return b.String()
}

const regressionSpecJSON = `{"job_id":"cli-regression","rows":200,"cols":3,"memory_limit":1000000000,
	"analysis":{"name":"regression","parameters":{"dependent_variable":"y","max_trees":5,"training_percent":80}}}`

func TestRunRegressionExportsAndCheckpointsTheModel(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json", regressionSpecJSON)
	input := writeFile(t, dir, "data.csv", regressionCSV(200))
	output := filepath.Join(dir, "out.ndjson")
	model := filepath.Join(dir, "model.json")
	checkpoints := filepath.Join(dir, "checkpoints")

	_, stderr, err := execute(t, "", "run", "--spec", spec, "--input", input, "--output", output,
		"--model-out", model, "--pretty", "--persist-dir", checkpoints, "--metrics-dump")
	require.NoError(t, err)
	assert.Contains(t, stderr, "dfanalytics_trained_forest_number_trees")
	assert.Contains(t, stderr, "dfanalytics_rows_processed_total 200")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	keys := documentKeys(t, string(raw))
	assert.Equal(t, 200, count(keys, "row_results"))
	assert.Equal(t, 1, count(keys, inference.SizeInfoTag))
	assert.Positive(t, count(keys, inference.CompressedModelTag))
	assert.Equal(t, 1, count(keys, inference.MetadataTag))

	definitionJSON, err := os.ReadFile(model)
	require.NoError(t, err)
	assert.Greater(t, bytes.Count(definitionJSON, []byte("\n")), 1, "pretty output spans lines")
	var definition inference.Definition
	require.NoError(t, json.Unmarshal(definitionJSON, &definition))
	assert.Equal(t, []string{"x", "z"}, definition.FieldNames)
	assert.Positive(t, definition.TrainedModel.Size())

	// A second run restores the checkpoint instead of training.
	_, stderr, err = execute(t, "", "run", "--spec", spec, "--input", input, "--output", filepath.Join(dir, "again.ndjson"),
		"--restore-dir", checkpoints, "--log-level", "info")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Restored forest from checkpoint")

	// The training statistics of the first run plot.
	plot := filepath.Join(dir, "loss.png")
	_, _, err = execute(t, "", "plot-loss", "--stats", output, "--out", plot)
	require.NoError(t, err)
	info, err := os.Stat(plot)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestPlotLossWithoutStatisticsFails(t *testing.T) {
	dir := t.TempDir()
	_, _, err := execute(t, `{"analytics_memory_usage":{"peak_usage_bytes":1}}`+"\n",
		"plot-loss", "--out", filepath.Join(dir, "loss.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no training statistics")
}

func TestEstimate(t *testing.T) {
	stdout, _, err := execute(t, `{"rows":1000,"cols":3,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`,
		"estimate", "--spec", "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"memory_usage_estimation_result"}, documentKeys(t, stdout))
}

func TestEstimateWithAnInfeasibleMemoryLimit(t *testing.T) {
	stdout, _, err := execute(t, `{"rows":1000,"cols":3,"memory_limit":100,"analysis":{"name":"outlier_detection"}}`,
		"estimate", "--spec", "-", "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, []string{"memory_usage_estimation_result"}, documentKeys(t, stdout))

	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	estimate := doc["memory_usage_estimation_result"]
	assert.Regexp(t, `^[0-9]+kb$`, estimate["expected_memory_without_disk"])
	assert.Regexp(t, `^[0-9]+kb$`, estimate["expected_memory_with_disk"])
}

func TestEstimateRejectsAnUnknownAnalysis(t *testing.T) {
	_, _, err := execute(t, `{"rows":1000,"cols":3,"memory_limit":100,"analysis":{"name":"clustering"}}`,
		"estimate", "--spec", "-", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad specification")
}

func TestConfigFileSuppliesFlags(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "spec.json",
		`{"rows":10,"cols":2,"memory_limit":100000000,"analysis":{"name":"outlier_detection"}}`)
	output := filepath.Join(dir, "out.ndjson")
	cfg := writeFile(t, dir, "dfanalyzer.yaml", fmt.Sprintf("job:\n  spec: %s\n  output: %s\nlog:\n  level: error\n", spec, output))

	_, _, err := execute(t, outlierCSV(10), "run", "--config", cfg)
	require.NoError(t, err)
	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, 10, count(documentKeys(t, string(raw)), "row_results"))
}
