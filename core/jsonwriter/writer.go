// Package jsonwriter provides a line-delimited JSON writer that several goroutines
// can share. Every document is encoded up front and handed to the underlying
// writer in a single Write call while a mutex is held, so readers never observe
// two documents interleaved.
package jsonwriter

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// LineWriter writes one JSON document per line.
type LineWriter struct {
	mu        sync.Mutex
	w         io.Writer
	documents int
}

// New wraps w.
func New(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write encodes v and writes it as one line.
func (l *LineWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "jsonwriter: encode document")
	}
	return l.WriteRaw(line)
}

// WriteObject writes {"<key>": v}.
func (l *LineWriter) WriteObject(key string, v any) error {
	return l.Write(map[string]any{key: v})
}

// WriteRaw writes an already encoded document. Embedded newlines are compacted
// away so the document stays on one line.
func (l *LineWriter) WriteRaw(document []byte) error {
	if bytes.IndexByte(document, '\n') >= 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, document); err != nil {
			return errors.Wrap(err, "jsonwriter: compact document")
		}
		document = compact.Bytes()
	}
	line := make([]byte, 0, len(document)+1)
	line = append(line, document...)
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return errors.Wrap(err, "jsonwriter: write document")
	}
	l.documents++
	return nil
}

// Documents returns the number of documents written so far.
func (l *LineWriter) Documents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.documents
}
