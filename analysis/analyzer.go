package analysis

import (
	"strconv"
	"time"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/core/state"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/inference"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

const (
	// ControlFieldName names the optional trailing control field of a record.
	ControlFieldName = "."
	// RunAnalysisControlValue in the control field ends the input.
	RunAnalysisControlValue = "$"
)

// Document keys written by the Analyzer.
const (
	RowResultsTag   = "row_results"
	finalFlushTag   = "final"
	resultsChecksum = 0
)

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithMonitorInterval sets how often progress is polled while the analysis runs.
func WithMonitorInterval(interval time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		a.monitorInterval = interval
	}
}

// WithModelChunkSize sets the size of the compressed model chunks.
func WithModelChunkSize(size int) AnalyzerOption {
	return func(a *Analyzer) {
		a.chunkSize = size
	}
}

// WithModelObserver calls observe with every inference model definition the
// analyzer writes.
func WithModelObserver(observe func(*inference.Definition)) AnalyzerOption {
	return func(a *Analyzer) {
		a.observeModel = observe
	}
}

// Analyzer receives the records of one job, runs the analysis once the input
// ends and writes the results, the exported model and the final statistics.
type Analyzer struct {
	spec   *Specification
	runner *Runner
	writer *jsonwriter.LineWriter
	frame  *dataframe.Frame

	monitorInterval time.Duration
	chunkSize       int
	observeModel    func(*inference.Definition)

	records     int
	skippedRows int
	named       bool
	lifecycle   *state.Lifecycle
	logger      log.Logger
}

// NewAnalyzer creates the analyzer of spec, writing every output document to w.
// A bad specification is accepted: its records are dropped and the failure is
// reported once the input ends.
func NewAnalyzer(spec *Specification, w *jsonwriter.LineWriter, opts ...AnalyzerOption) (*Analyzer, error) {
	a := &Analyzer{
		spec:            spec,
		runner:          spec.Runner(),
		writer:          w,
		monitorInterval: instrumentation.DefaultMonitorInterval,
		chunkSize:       inference.DefaultChunkSize,
		lifecycle:       state.New("analysis.Analyzer"),
		logger:          spec.logger.With(log.ComponentKey, "analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.runner.Instrumentation().SetWriter(w)
	if spec.Bad() {
		return a, nil
	}
	frame, err := a.runner.NewDataFrame()
	if err != nil {
		return nil, errors.Wrap(err, "analysis: create data frame")
	}
	a.frame = frame
	return a, nil
}

// DataFrame returns the frame the records are written to, nil for a bad
// specification.
func (a *Analyzer) DataFrame() *dataframe.Frame { return a.frame }

// Runner returns the runner of the analysis.
func (a *Analyzer) Runner() *Runner { return a.runner }

// HandleRecord adds one record. If the last field name is the control field it
// is removed, and a control value of "$" runs the analysis and writes all
// output. Records after that are rejected.
func (a *Analyzer) HandleRecord(fieldNames, values []string) error {
	if a.lifecycle.Phase() != state.Created {
		return errors.ErrAlreadyRunning
	}
	if len(fieldNames) != len(values) {
		return errors.NewShapeMismatchError("analysis.HandleRecord", len(fieldNames), len(values), 1)
	}
	if n := len(fieldNames); n > 0 && fieldNames[n-1] == ControlFieldName {
		control := values[n-1]
		fieldNames, values = fieldNames[:n-1], values[:n-1]
		if control == RunAnalysisControlValue {
			return a.Finish()
		}
	}
	if a.frame == nil {
		return nil
	}
	if !a.named {
		a.setUpFrame(fieldNames)
		a.named = true
	}
	a.records++

	if len(values) < a.spec.cols {
		a.skipRow("expected " + strconv.Itoa(a.spec.cols) + " fields, got " + strconv.Itoa(len(values)))
		return nil
	}
	unparsable, err := a.frame.ParseAndWriteRow(values[:a.spec.cols])
	if err != nil {
		return err
	}
	if unparsable > 0 {
		errors.Warn(errors.NewRowWarning(a.records-1, "", strconv.Itoa(unparsable)+" unparsable values treated as missing"))
	}
	return nil
}

func (a *Analyzer) setUpFrame(fieldNames []string) {
	names := fieldNames
	if len(names) > a.spec.cols {
		names = names[:a.spec.cols]
	}
	a.frame.SetColumnNames(names)
	categorical := make([]bool, a.spec.cols)
	for i, name := range names {
		categorical[i] = a.spec.IsCategorical(name)
	}
	a.frame.CategoricalColumns(categorical)
}

// SkipRecord counts a record the caller could not hand to HandleRecord, such
// as one with the wrong number of fields.
func (a *Analyzer) SkipRecord(reason string) {
	a.records++
	a.skipRow(reason)
}

// SkippedRows returns the number of records skipped so far.
func (a *Analyzer) SkippedRows() int { return a.skippedRows }

func (a *Analyzer) skipRow(reason string) {
	a.skippedRows++
	errors.Warn(errors.NewRowWarning(a.records-1, "", reason))
}

// Finish runs the analysis on the records received so far and writes the row
// results, the model when the analysis trains one, and the final statistics.
// The final statistics are written even if the analysis fails.
func (a *Analyzer) Finish() error {
	if !a.lifecycle.Start() {
		return errors.ErrAlreadyRunning
	}
	defer a.lifecycle.Complete()

	inst := a.runner.Instrumentation()
	err := a.run()
	if flushErr := inst.Flush(finalFlushTag); flushErr != nil && err == nil {
		err = flushErr
	}
	if a.frame != nil {
		if closeErr := a.frame.Close(); closeErr != nil {
			a.logger.Warn("Failed removing data frame files", closeErr)
		}
	}
	if err != nil {
		a.logger.Error("Analysis failed", err, log.OperationKey, log.OperationRun, log.JobIDKey, a.spec.jobID)
	}
	return err
}

func (a *Analyzer) run() error {
	if a.frame == nil {
		// The failed runner reports the parse error and marks itself finished.
		if err := a.runner.Run(nil); err != nil {
			return err
		}
		return a.runner.WaitToFinish()
	}
	if err := a.frame.FinishWritingRows(); err != nil {
		return err
	}
	if err := a.frame.ResizeColumns(a.spec.cols + a.spec.NumberExtraColumns()); err != nil {
		return err
	}
	if err := a.spec.Validate(a.frame); err != nil {
		return err
	}
	a.logger.Info("Running analysis",
		log.AnalysisKey, a.spec.analysisName,
		log.RowsKey, a.frame.NumberRows(),
		log.ColumnsKey, a.spec.cols,
		log.SkippedRowsKey, a.skippedRows)

	if err := a.runner.Run(a.frame); err != nil {
		return err
	}
	monitored := make(chan struct{})
	go func() {
		defer close(monitored)
		instrumentation.MonitorWithInterval(a.runner.Instrumentation(), a.writer, a.monitorInterval)
	}()
	err := a.runner.WaitToFinish()
	<-monitored
	if err != nil {
		return err
	}

	if err := a.writeRowResults(); err != nil {
		return err
	}
	if exporter, ok := a.runner.Analysis().(ModelExporter); ok {
		return a.writeModel(exporter)
	}
	return nil
}

type rowResults struct {
	Checksum int            `json:"checksum"`
	Results  map[string]any `json:"results"`
}

// writeRowResults writes one row_results document per selected row in row order.
func (a *Analyzer) writeRowResults() error {
	analysis := a.runner.Analysis()
	mask := analysis.RowsToWriteMask(a.frame)
	written := 0
	err := a.frame.ReadRows(1, 0, a.frame.NumberRows(), mask, func(rows []dataframe.Row) error {
		for _, row := range rows {
			results := analysis.WriteOneRow(a.frame, row)
			if results == nil {
				continue
			}
			document := rowResults{
				Checksum: resultsChecksum,
				Results:  map[string]any{a.spec.resultsField: results},
			}
			if err := a.writer.WriteObject(RowResultsTag, document); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	a.spec.counters.Add(counters.RowsProcessed, int64(written))
	if err != nil {
		return errors.Wrap(err, "analysis: write row results")
	}
	return nil
}

// writeModel writes the size info, the compressed definition and the metadata.
func (a *Analyzer) writeModel(exporter ModelExporter) error {
	names := a.frame.ColumnNames()[:a.spec.cols]
	categories := a.frame.CategoricalValues()[:a.spec.cols]
	definition, err := exporter.InferenceModelDefinition(names, categories)
	if err != nil {
		return errors.Wrap(err, "analysis: build inference model")
	}
	if a.observeModel != nil {
		a.observeModel(definition)
	}
	if err := a.writer.WriteObject(inference.SizeInfoTag, definition.SizeInfo()); err != nil {
		return err
	}
	if err := definition.WriteCompressed(a.writer, a.chunkSize); err != nil {
		return err
	}
	if metadata := exporter.InferenceModelMetadata(); metadata != nil {
		if err := metadata.Write(a.writer); err != nil {
			return err
		}
	}
	a.logger.Info("Wrote inference model", log.OperationKey, log.OperationWrite, log.TreesKey, definition.TrainedModel.Size())
	return nil
}
