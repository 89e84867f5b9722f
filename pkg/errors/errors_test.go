package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewAnalysisError(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		kind    string
		err     error
		wantMsg string
	}{
		{
			name:    "with cause",
			op:      "Runner.Run",
			kind:    "training failed",
			err:     fmt.Errorf("no rows"),
			wantMsg: "dfanalytics: Runner.Run: training failed: no rows",
		},
		{
			name:    "without cause",
			op:      "Runner.Run",
			kind:    "cancelled",
			wantMsg: "dfanalytics: Runner.Run: cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAnalysisError(tt.op, tt.kind, tt.err)
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}
			if formatted := fmt.Sprintf("%+v", err); !strings.Contains(formatted, "errors_test.go") {
				t.Error("expected stack trace to contain test file name")
			}
			var analysisErr *AnalysisError
			if !As(err, &analysisErr) {
				t.Error("error should be castable to *AnalysisError")
			}
		})
	}
}

func TestNewShapeMismatchError(t *testing.T) {
	err := NewShapeMismatchError("Specification.Validate", 100, 99, 0)

	want := "dfanalytics: Specification.Validate: shape mismatch on axis 0 (rows). Expected 100, got 99"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
	var shapeErr *ShapeMismatchError
	if !As(err, &shapeErr) {
		t.Fatal("error should be castable to *ShapeMismatchError")
	}
	if shapeErr.Expected != 100 || shapeErr.Got != 99 {
		t.Errorf("unexpected fields %+v", shapeErr)
	}
}

func TestNewInfeasibleMemoryBudgetError(t *testing.T) {
	err := NewInfeasibleMemoryBudgetError(3*1024*1024+1, 1024*1024, false)

	if !strings.Contains(err.Error(), "memory limit 1mb is too low") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !strings.Contains(err.Error(), "at least 4mb") {
		t.Errorf("required memory should round up, got %q", err.Error())
	}
}

func TestInfeasibleMemoryBudgetErrorFormatsSmallValues(t *testing.T) {
	tests := []struct {
		required, limit int64
		want            []string
	}{
		{40000, 100, []string{"memory limit 100b is too low", "at least 40kb"}},
		{1024, 1023, []string{"memory limit 1023b is too low", "at least 1kb"}},
		{2*1024*1024 + 1, 1025, []string{"memory limit 2kb is too low", "at least 3mb"}},
	}
	for _, tt := range tests {
		msg := NewInfeasibleMemoryBudgetError(tt.required, tt.limit, true).Error()
		for _, want := range tt.want {
			if !strings.Contains(msg, want) {
				t.Errorf("message %q does not contain %q", msg, want)
			}
		}
	}
}

func TestNewInvalidSpecificationError(t *testing.T) {
	err := NewInvalidSpecificationError("rows", "must be positive", -1)
	want := "dfanalytics: invalid specification: 'rows' must be positive (got: -1)"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	err = NewInvalidSpecificationError("analysis.name", "is not registered", nil)
	if strings.Contains(err.Error(), "got:") {
		t.Errorf("nil value should be omitted: %q", err.Error())
	}
}

func TestBuilderMisuseError(t *testing.T) {
	err := NewBuilderMisuseError("RegressionBuilder", "AddTree")
	var misuse *BuilderMisuseError
	if !As(err, &misuse) {
		t.Fatal("error should be castable to *BuilderMisuseError")
	}
	if misuse.Method != "AddTree" {
		t.Errorf("Method = %s", misuse.Method)
	}
}

func TestWarn(t *testing.T) {
	var got []error
	SetWarningHandler(func(w error) { got = append(got, w) })
	defer SetWarningHandler(func(error) {})

	Warn(NewRowWarning(7, "price", "could not parse"))

	if len(got) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(got))
	}
	if got[0].Error() != "row 7 column 'price': could not parse" {
		t.Errorf("unexpected warning %q", got[0].Error())
	}
}

func TestCheckFinite(t *testing.T) {
	if err := CheckFinite("loss", []float64{1, 2, 3}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := CheckFinite("loss", []float64{1, nan()}); err == nil {
		t.Error("expected error for NaN")
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}
