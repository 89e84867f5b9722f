// Package errors provides the structured error taxonomy and the warning hook used
// across dfanalytics. Every constructor attaches a stack trace through
// cockroachdb/errors so that log records can carry it.
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	Global warning handling
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("dfanalytics-warning: %v\n", w)
	}
	zerologWarnFunc func(warning error)
)

// SetWarningHandler replaces the handler that receives warnings raised with Warn.
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc installs a structured warning sink. pkg/log wires this up so
// that this package does not import it.
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn reports a non-fatal problem, for example a row that could not be
// processed. Analyses keep running after a warning.
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}
	if warningHandler != nil {
		warningHandler(w)
	}
}

// RowWarning is raised when a single input row is skipped or partially used.
type RowWarning struct {
	Row    int
	Column string
	Reason string
}

func (w *RowWarning) Error() string {
	if w.Column != "" {
		return fmt.Sprintf("row %d column '%s': %s", w.Row, w.Column, w.Reason)
	}
	return fmt.Sprintf("row %d: %s", w.Row, w.Reason)
}

// MarshalZerologObject adds the warning fields to a zerolog event.
func (w *RowWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int("row", w.Row).
		Str("column", w.Column).
		Str("reason", w.Reason).
		Str("type", "RowWarning")
}

// NewRowWarning creates a RowWarning.
func NewRowWarning(row int, column, reason string) *RowWarning {
	return &RowWarning{Row: row, Column: column, Reason: reason}
}

// ===========================================================================
//
//	Structured errors
//
// ===========================================================================

// InvalidSpecificationError is returned when a job specification or one of its
// analysis parameters is missing, out of range or refers to an unknown analysis.
type InvalidSpecificationError struct {
	Field  string
	Reason string
	Value  interface{}
}

func (e *InvalidSpecificationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("dfanalytics: invalid specification: '%s' %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("dfanalytics: invalid specification: '%s' %s (got: %v)", e.Field, e.Reason, e.Value)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *InvalidSpecificationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("field", e.Field).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "InvalidSpecificationError")
}

// NewInvalidSpecificationError creates an InvalidSpecificationError with a stack trace.
func NewInvalidSpecificationError(field, reason string, value interface{}) error {
	return errors.WithStack(&InvalidSpecificationError{Field: field, Reason: reason, Value: value})
}

// InfeasibleMemoryBudgetError is returned when even the smallest admissible
// partitioning of the data frame exceeds the memory limit.
type InfeasibleMemoryBudgetError struct {
	Required         int64
	Limit            int64
	DiskUsageAllowed bool
}

func (e *InfeasibleMemoryBudgetError) Error() string {
	return fmt.Sprintf("dfanalytics: memory limit %s is too low to perform analysis. "+
		"You need to give the process at least %s, but preferably more",
		formatMemory(e.Limit), formatMemory(e.Required))
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *InfeasibleMemoryBudgetError) MarshalZerologObject(event *zerolog.Event) {
	event.Int64("required_bytes", e.Required).
		Int64("limit_bytes", e.Limit).
		Bool("disk_usage_allowed", e.DiskUsageAllowed).
		Str("type", "InfeasibleMemoryBudgetError")
}

// NewInfeasibleMemoryBudgetError creates an InfeasibleMemoryBudgetError with a stack trace.
func NewInfeasibleMemoryBudgetError(required, limit int64, diskUsageAllowed bool) error {
	return errors.WithStack(&InfeasibleMemoryBudgetError{
		Required: required, Limit: limit, DiskUsageAllowed: diskUsageAllowed,
	})
}

// formatMemory rounds up to the largest unit below the value: bytes, kb or mb.
func formatMemory(bytes int64) string {
	const kb, mb = 1024, 1024 * 1024
	switch {
	case bytes < kb:
		return fmt.Sprintf("%db", bytes)
	case bytes < mb:
		return fmt.Sprintf("%dkb", (bytes+kb-1)/kb)
	default:
		return fmt.Sprintf("%dmb", (bytes+mb-1)/mb)
	}
}

// ShapeMismatchError is returned when a data frame does not have the shape the
// specification declared.
type ShapeMismatchError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns
}

func (e *ShapeMismatchError) Error() string {
	axisName := "columns"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("dfanalytics: %s: shape mismatch on axis %d (%s). Expected %d, got %d",
		e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *ShapeMismatchError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "columns"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "ShapeMismatchError")
}

// NewShapeMismatchError creates a ShapeMismatchError with a stack trace.
func NewShapeMismatchError(op string, expected, got, axis int) error {
	return errors.WithStack(&ShapeMismatchError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// BuilderMisuseError signals a programming error when driving a one-shot builder.
type BuilderMisuseError struct {
	Builder string
	Method  string
}

func (e *BuilderMisuseError) Error() string {
	return fmt.Sprintf("dfanalytics: %s: %s() called after Build()", e.Builder, e.Method)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *BuilderMisuseError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("builder", e.Builder).
		Str("method", e.Method).
		Str("type", "BuilderMisuseError")
}

// NewBuilderMisuseError creates a BuilderMisuseError with a stack trace.
func NewBuilderMisuseError(builder, method string) error {
	return errors.WithStack(&BuilderMisuseError{Builder: builder, Method: method})
}

// AnalysisError is a general failure raised while an analysis runs.
type AnalysisError struct {
	Op   string
	Kind string
	Err  error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dfanalytics: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("dfanalytics: %s: %s", e.Op, e.Kind)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *AnalysisError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("kind", e.Kind).
		Str("type", "AnalysisError")
	if e.Err != nil {
		event.Str("cause", e.Err.Error())
	}
}

// NewAnalysisError creates an AnalysisError with a stack trace.
func NewAnalysisError(op, kind string, err error) error {
	return errors.WithStack(&AnalysisError{Op: op, Kind: kind, Err: err})
}

// ===========================================================================
//
//	cockroachdb/errors wrappers
//
// ===========================================================================

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap annotates err with a message.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New creates an error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Newf creates a formatted error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack attaches a stack trace to err.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	Sentinels
//
// ===========================================================================

var (
	// ErrUnknownAnalysis is wrapped when no registered factory claims an analysis name.
	ErrUnknownAnalysis = New("unknown analysis")

	// ErrBadSpecification is reported by runners built from a bad specification.
	ErrBadSpecification = New("bad specification")

	// ErrAlreadyRunning is returned by a second call to Runner.Run.
	ErrAlreadyRunning = New("analysis already running")

	// ErrEmptyData is returned when an analysis receives no rows.
	ErrEmptyData = New("empty data")
)
