// Package analysis parses data frame analysis jobs and runs them.
//
// A Specification is parsed from the job JSON. It resolves the analysis name
// against an ordered list of RunnerFactory values, the first factory whose Name
// matches wins, and computes an execution strategy that fits the memory limit.
// A specification that fails any of these steps is kept in a bad state: it is
// still returned to the caller and its Runner fails immediately when run.
package analysis

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/core/persist"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// DefaultResultsField is the results field when the job does not name one.
const DefaultResultsField = "ml"

const memoryEstimationTag = "memory_usage_estimation_result"

var specValidate = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type specificationJSON struct {
	JobID             string   `json:"job_id"`
	Rows              int      `json:"rows" validate:"required,gt=0"`
	Cols              int      `json:"cols" validate:"required,gt=0"`
	MemoryLimit       int64    `json:"memory_limit" validate:"required,gt=0"`
	Threads           *int     `json:"threads" validate:"omitnil,gt=0"`
	TempDir           string   `json:"temp_dir" validate:"required_if=DiskUsageAllowed true"`
	ResultsField      string   `json:"results_field"`
	MissingFieldValue string   `json:"missing_field_value"`
	CategoricalFields []string `json:"categorical_fields" validate:"dive,required"`
	DiskUsageAllowed  bool     `json:"disk_usage_allowed"`
	Analysis          struct {
		Name       string          `json:"name" validate:"required"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"analysis"`
}

// Option configures Parse.
type Option func(*Specification)

// WithRunnerFactories replaces the factories analysis names are resolved
// against.
func WithRunnerFactories(factories ...RunnerFactory) Option {
	return func(s *Specification) {
		s.factories = factories
	}
}

// WithPersisterSupplier sets the supplier of the checkpoint store.
func WithPersisterSupplier(supplier persist.AdderSupplier) Option {
	return func(s *Specification) {
		s.persisterSupplier = supplier
	}
}

// WithRestoreSearcherSupplier sets the supplier of the store a checkpoint is
// restored from.
func WithRestoreSearcherSupplier(supplier persist.SearcherSupplier) Option {
	return func(s *Specification) {
		s.restoreSupplier = supplier
	}
}

// WithCounters sets the program counters the analysis publishes to.
func WithCounters(set *counters.Set) Option {
	return func(s *Specification) {
		s.counters = set
	}
}

// WithLogger overrides the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Specification) {
		s.logger = logger
	}
}

// Specification is one parsed analysis job. It is immutable once parsed.
type Specification struct {
	jobID             string
	rows              int
	cols              int
	memoryLimit       int64
	threads           int
	tempDir           string
	resultsField      string
	missingFieldValue string
	categoricalFields []string
	diskUsageAllowed  bool
	analysisName      string
	parameters        json.RawMessage

	factories         []RunnerFactory
	persisterSupplier persist.AdderSupplier
	restoreSupplier   persist.SearcherSupplier
	counters          *counters.Set
	logger            log.Logger

	err        error
	analysis   Analysis
	runner     *Runner
	failedOnce sync.Once
}

// Parse parses jsonSpec and creates the runner for its analysis. The returned
// specification is never nil. If err is non-nil the specification is bad and
// its Runner fails when run.
func Parse(jsonSpec string, opts ...Option) (*Specification, error) {
	s := &Specification{
		factories:         DefaultRunnerFactories(),
		persisterSupplier: persist.NoopAdderSupplier,
		restoreSupplier:   persist.NoopSearcherSupplier,
		logger:            log.GetLoggerWithName("analysis"),
		threads:           1,
		resultsField:      DefaultResultsField,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counters == nil {
		s.counters = counters.New()
	}

	if err := s.parse(jsonSpec); err != nil {
		return s.fail(err)
	}
	s.logger = s.logger.With(log.JobIDKey, s.jobID, log.AnalysisKey, s.analysisName)

	factory := s.factory()
	if factory == nil {
		return s.fail(errors.Wrapf(errors.ErrUnknownAnalysis, "analysis %q", s.analysisName))
	}
	analysis, err := factory.Make(s, s.parameters)
	if err != nil {
		return s.fail(err)
	}
	s.analysis = analysis
	runner, err := newRunner(s, analysis)
	if err != nil {
		return s.fail(err)
	}
	s.runner = runner
	s.logger.Debug("Parsed specification",
		log.OperationKey, log.OperationParse,
		log.RowsKey, s.rows,
		log.ColumnsKey, s.cols,
		log.ExtraColumnsKey, analysis.NumberExtraColumns(),
		log.MemoryLimitKey, s.memoryLimit,
		log.ThreadsKey, s.threads)
	return s, nil
}

func (s *Specification) parse(jsonSpec string) error {
	var raw specificationJSON
	if err := json.Unmarshal([]byte(jsonSpec), &raw); err != nil {
		return errors.NewInvalidSpecificationError("", "not valid JSON: "+err.Error(), nil)
	}
	if err := specValidate.Struct(raw); err != nil {
		return validationError(err)
	}

	s.jobID = raw.JobID
	if s.jobID == "" {
		s.jobID = uuid.NewString()
	}
	s.rows = raw.Rows
	s.cols = raw.Cols
	s.memoryLimit = raw.MemoryLimit
	if raw.Threads != nil {
		s.threads = *raw.Threads
	}
	s.tempDir = raw.TempDir
	if raw.ResultsField != "" {
		s.resultsField = raw.ResultsField
	}
	s.missingFieldValue = raw.MissingFieldValue
	s.categoricalFields = raw.CategoricalFields
	s.diskUsageAllowed = raw.DiskUsageAllowed
	s.analysisName = raw.Analysis.Name
	s.parameters = raw.Analysis.Parameters
	return nil
}

// validationError converts the first validator failure to an
// InvalidSpecificationError naming the JSON field.
func validationError(err error) error {
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) || len(failures) == 0 {
		return errors.Wrap(err, "analysis: validate specification")
	}
	first := failures[0]
	field := first.Namespace()
	if _, nested, ok := strings.Cut(field, "."); ok {
		field = nested
	}
	reason := "failed " + first.Tag()
	if first.Param() != "" {
		reason += "=" + first.Param()
	}
	return errors.NewInvalidSpecificationError(field, reason, first.Value())
}

func (s *Specification) fail(err error) (*Specification, error) {
	s.err = err
	s.logger.Error("Bad analysis specification", err, log.OperationKey, log.OperationParse)
	return s, err
}

func (s *Specification) factory() RunnerFactory {
	for _, factory := range s.factories {
		if factory.Name() == s.analysisName {
			return factory
		}
	}
	return nil
}

// Bad reports whether parsing failed.
func (s *Specification) Bad() bool { return s.err != nil }

// Err returns the reason the specification is bad.
func (s *Specification) Err() error { return s.err }

// Runner returns the runner of the analysis. A bad specification returns a
// runner which finishes with the parse error as soon as it is run.
func (s *Specification) Runner() *Runner {
	if s.runner == nil {
		s.failedOnce.Do(func() {
			s.runner = newFailedRunner(s, s.err)
		})
	}
	return s.runner
}

// JobID returns the job id, a random uuid when the job did not set one.
func (s *Specification) JobID() string { return s.jobID }

// NumberRows returns the declared number of rows.
func (s *Specification) NumberRows() int { return s.rows }

// NumberColumns returns the declared number of input columns. The columns an
// analysis appends are not included.
func (s *Specification) NumberColumns() int { return s.cols }

// MemoryLimit returns the memory budget in bytes.
func (s *Specification) MemoryLimit() int64 { return s.memoryLimit }

// NumberThreads returns the number of worker threads, at least 1.
func (s *Specification) NumberThreads() int { return s.threads }

// TemporaryDirectory returns where disk backed frames keep their partitions.
func (s *Specification) TemporaryDirectory() string { return s.tempDir }

// ResultsField returns the field row results are nested under.
func (s *Specification) ResultsField() string { return s.resultsField }

// MissingFieldValue returns the input string that marks a missing value.
func (s *Specification) MissingFieldValue() string { return s.missingFieldValue }

// CategoricalFields returns the names of the categorical input fields.
func (s *Specification) CategoricalFields() []string { return s.categoricalFields }

// DiskUsageAllowed reports whether the frame may be partitioned to disk.
func (s *Specification) DiskUsageAllowed() bool { return s.diskUsageAllowed }

// AnalysisName returns the name of the requested analysis.
func (s *Specification) AnalysisName() string { return s.analysisName }

// Counters returns the program counters the analysis publishes to.
func (s *Specification) Counters() *counters.Set { return s.counters }

// NumberExtraColumns returns the number of columns the analysis appends to each
// row, 0 for a bad specification.
func (s *Specification) NumberExtraColumns() int {
	if s.runner == nil || s.runner.analysis == nil {
		return 0
	}
	return s.runner.analysis.NumberExtraColumns()
}

// IsCategorical reports whether field was declared categorical.
func (s *Specification) IsCategorical(field string) bool {
	for _, name := range s.categoricalFields {
		if name == field {
			return true
		}
	}
	return false
}

// Persister returns the checkpoint store, nil if checkpoints are not written.
func (s *Specification) Persister() (persist.DataAdder, error) {
	if s.persisterSupplier == nil {
		return nil, nil
	}
	return s.persisterSupplier()
}

// RestoreSearcher returns the store to restore a checkpoint from, nil if the
// analysis starts from scratch.
func (s *Specification) RestoreSearcher() (persist.DataSearcher, error) {
	if s.restoreSupplier == nil {
		return nil, nil
	}
	return s.restoreSupplier()
}

// Validate checks frame has the declared shape, with or without the extra
// columns, and then applies the analysis' own checks.
func (s *Specification) Validate(frame *dataframe.Frame) error {
	if s.err != nil {
		return errors.Wrap(errors.ErrBadSpecification, s.err.Error())
	}
	if frame.NumberRows() != s.rows {
		return errors.NewShapeMismatchError("analysis.Validate", s.rows, frame.NumberRows(), 0)
	}
	extra := s.NumberExtraColumns()
	if cols := frame.NumberColumns(); cols != s.cols && cols != s.cols+extra {
		return errors.NewShapeMismatchError("analysis.Validate", s.cols+extra, cols, 1)
	}
	return s.runner.analysis.Validate(frame)
}

type memoryEstimate struct {
	ExpectedMemoryWithoutDisk string `json:"expected_memory_without_disk"`
	ExpectedMemoryWithDisk    string `json:"expected_memory_with_disk"`
}

// EstimateMemoryUsage writes the memory needed with the whole frame resident
// and with one disk partition resident. Only the declared shape and analysis
// are used, so a specification whose memory limit is too low still gets an
// estimate.
func (s *Specification) EstimateMemoryUsage(w *jsonwriter.LineWriter) error {
	if s.analysis == nil {
		return errors.Wrap(errors.ErrBadSpecification, s.err.Error())
	}
	cols := s.cols + s.analysis.NumberExtraColumns()

	withoutDisk := estimateMemoryUsage(s.analysis, 1, s.rows, s.rows, cols)
	partitions := maxNumberPartitions(s.rows)
	withDisk := estimateMemoryUsage(s.analysis, partitions, s.rows, rowsPerPartition(s.rows, partitions), cols)

	s.logger.Debug("Estimated memory usage", log.OperationKey, log.OperationEstimate,
		"without_disk", withoutDisk, "with_disk", withDisk, log.PartitionsKey, partitions)
	return w.WriteObject(memoryEstimationTag, memoryEstimate{
		ExpectedMemoryWithoutDisk: kilobytes(withoutDisk),
		ExpectedMemoryWithDisk:    kilobytes(withDisk),
	})
}

func kilobytes(bytes int64) string {
	return strconv.FormatInt((bytes+1023)/1024, 10) + "kb"
}

func maxNumberPartitions(rows int) int {
	return max(1, int(math.Round(math.Sqrt(float64(rows)))))
}

func rowsPerPartition(rows, partitions int) int {
	return (rows + partitions - 1) / partitions
}
