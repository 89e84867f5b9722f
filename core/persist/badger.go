package persist

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// DefaultMaxDocumentSize is the chunk size used when Config leaves it unset.
const DefaultMaxDocumentSize = 1 << 20

// Config configures a badger-backed Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory, mostly for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// MaxDocumentSize bounds the size of each stored chunk.
	MaxDocumentSize int
}

// InMemoryConfig returns a Config for an in-memory store.
func InMemoryConfig() Config {
	return Config{InMemory: true, MaxDocumentSize: DefaultMaxDocumentSize}
}

// Store keeps checkpoint documents in badger. Keys are "<index>/<id>#<chunk>".
type Store struct {
	db              *badger.DB
	maxDocumentSize int
	logger          log.Logger
}

// Open opens or creates a Store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("persist: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "persist: create directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "persist: open badger database")
	}

	maxDocumentSize := cfg.MaxDocumentSize
	if maxDocumentSize <= 0 {
		maxDocumentSize = DefaultMaxDocumentSize
	}
	return &Store{
		db:              db,
		maxDocumentSize: maxDocumentSize,
		logger:          log.GetLoggerWithName("persist.badger"),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Adder returns a DataAdder writing into index.
func (s *Store) Adder(index string) DataAdder {
	return &badgerAdder{store: s, index: index}
}

// Searcher returns a DataSearcher reading document id from index.
func (s *Store) Searcher(index, id string) DataSearcher {
	return &badgerSearcher{store: s, index: index, id: id}
}

// Documents lists the ids stored in index.
func (s *Store) Documents(index string) ([]string, error) {
	prefix := []byte(index + "/")
	seen := make(map[string]bool)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key()[len(prefix):])
			if i := bytes.LastIndexByte([]byte(key), '#'); i >= 0 {
				key = key[:i]
			}
			if !seen[key] {
				seen[key] = true
				ids = append(ids, key)
			}
		}
		return nil
	})
	return ids, err
}

func chunkKey(index, id string, chunk int) []byte {
	return []byte(fmt.Sprintf("%s/%s#%d", index, id, chunk))
}

type badgerAdder struct {
	store *Store
	index string
}

func (a *badgerAdder) AddStreamed(id string) (io.WriteCloser, error) {
	if id == "" {
		return nil, errors.New("persist: document id is required")
	}
	return &documentWriter{adder: a, id: id}, nil
}

func (a *badgerAdder) MaxDocumentSize() int {
	return a.store.maxDocumentSize
}

// documentWriter buffers a document and commits it in chunks on Close.
type documentWriter struct {
	adder  *badgerAdder
	id     string
	buf    bytes.Buffer
	closed bool
}

func (w *documentWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("persist: write after close")
	}
	return w.buf.Write(p)
}

func (w *documentWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	data := w.buf.Bytes()
	size := w.adder.MaxDocumentSize()
	index, id := w.adder.index, w.id
	err := w.adder.store.db.Update(func(txn *badger.Txn) error {
		// Remove chunks left over from a longer previous checkpoint.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(index + "/" + id + "#")})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for chunk, start := 0, 0; start < len(data) || chunk == 0; chunk, start = chunk+1, start+size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			if err := txn.Set(chunkKey(index, id, chunk), append([]byte(nil), data[start:end]...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "persist: commit document %s/%s", index, id)
	}
	w.adder.store.logger.Debug("Persisted state document",
		"index", index, "id", id, "bytes", len(data))
	return nil
}

type badgerSearcher struct {
	store *Store
	index string
	id    string
}

func (s *badgerSearcher) Search(docNum int) (io.Reader, error) {
	var value []byte
	err := s.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(s.index, s.id, docNum))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "persist: read document %s/%s#%d", s.index, s.id, docNum)
	}
	if value == nil {
		return nil, nil
	}
	return bytes.NewReader(value), nil
}
