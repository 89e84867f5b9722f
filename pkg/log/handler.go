package log

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

func addStacktrace(e *zerolog.Event, err error) {
	if stacktrace := extractStacktrace(err); stacktrace != "" {
		e.Str(StacktraceAttrKey, stacktrace)
	}
}

// extractStacktrace returns the first safe detail recorded by cockroachdb/errors,
// which holds the stack captured by WithStack.
func extractStacktrace(err error) string {
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}
