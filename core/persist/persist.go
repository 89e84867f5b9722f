// Package persist defines where analysis checkpoints are written to and restored
// from. Analyses only see the DataAdder and DataSearcher interfaces; the
// specification holds suppliers that default to no backend at all.
package persist

import (
	"io"
)

// DataAdder stores state documents.
type DataAdder interface {
	// AddStreamed returns a writer for the document identified by id. The
	// document is committed when the writer is closed.
	AddStreamed(id string) (io.WriteCloser, error)

	// MaxDocumentSize is the largest chunk the backend stores as one document.
	MaxDocumentSize() int
}

// DataSearcher reads back documents written by a DataAdder.
type DataSearcher interface {
	// Search returns the chunk with number docNum of the restore target, or
	// (nil, nil) once there are no more chunks.
	Search(docNum int) (io.Reader, error)
}

// AdderSupplier creates a DataAdder on demand. A nil adder means no persistence.
type AdderSupplier func() (DataAdder, error)

// SearcherSupplier creates a DataSearcher on demand. A nil searcher means there
// is nothing to restore.
type SearcherSupplier func() (DataSearcher, error)

// NoopAdderSupplier is the default AdderSupplier.
func NoopAdderSupplier() (DataAdder, error) { return nil, nil }

// NoopSearcherSupplier is the default SearcherSupplier.
func NoopSearcherSupplier() (DataSearcher, error) { return nil, nil }

// ReadAll concatenates every chunk the searcher returns.
func ReadAll(searcher DataSearcher) ([]byte, error) {
	var state []byte
	for docNum := 0; ; docNum++ {
		r, err := searcher.Search(docNum)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return state, nil
		}
		chunk, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		state = append(state, chunk...)
	}
}
