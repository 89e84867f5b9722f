// Package dataframe stores the rows of an analysis as fixed-width float64 records.
//
// Rows are grouped into slices of at most SliceCapacity rows. With MainMemory
// storage every slice stays resident. With OnDisk storage completed slices are
// written to memory-mapped files under a job directory and paged back in only
// while they are being read or written, so at most one slice per worker is
// resident at a time.
//
// Categorical columns are stored as category ordinals. The mapping from ordinal
// to category string is kept per column and exposed through CategoricalValues.
package dataframe

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/YuminosukeSato/dfanalytics/core/parallel"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// Storage selects where slices live.
type Storage int

const (
	MainMemory Storage = iota
	OnDisk
)

func (s Storage) String() string {
	if s == OnDisk {
		return "disk"
	}
	return "main_memory"
}

// DefaultSliceCapacity is the number of rows per slice unless overridden.
const DefaultSliceCapacity = 5000

const bytesPerValue = 8

// EstimateMemoryUsage returns the resident size of a frame with the given shape.
// Frames stored on disk keep no rows resident.
func EstimateMemoryUsage(inMainMemory bool, numberRows, numberColumns int) int64 {
	if !inMainMemory {
		return 0
	}
	return int64(numberRows) * int64(numberColumns) * bytesPerValue
}

// Option configures a Frame.
type Option func(*Frame)

// WithSliceCapacity sets the number of rows per slice.
func WithSliceCapacity(rows int) Option {
	return func(f *Frame) {
		if rows > 0 {
			f.sliceCapacity = rows
		}
	}
}

// WithDiskStorage stores completed slices in files under dir.
func WithDiskStorage(dir string) Option {
	return func(f *Frame) {
		f.storage = OnDisk
		f.dir = dir
	}
}

// WithMissingValue sets the input string that denotes a missing value.
func WithMissingValue(missing string) Option {
	return func(f *Frame) {
		f.missingString = missing
	}
}

// Frame is a table of fixed-width rows.
type Frame struct {
	mu sync.RWMutex

	numberColumns int
	numberRows    int
	sliceCapacity int
	storage       Storage
	dir           string
	missingString string

	slices []*slice

	columnNames       []string
	isCategorical     []bool
	categoricalValues [][]string
	categoryOrdinals  []map[string]int
}

// New creates an empty frame with numberColumns columns.
func New(numberColumns int, opts ...Option) (*Frame, error) {
	if numberColumns <= 0 {
		return nil, errors.NewShapeMismatchError("dataframe.New", 1, numberColumns, 1)
	}
	f := &Frame{
		numberColumns: numberColumns,
		sliceCapacity: DefaultSliceCapacity,
		storage:       MainMemory,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.storage == OnDisk {
		if f.dir == "" {
			return nil, errors.New("dataframe: disk storage requires a directory")
		}
		if err := os.MkdirAll(f.dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "dataframe: create %s", f.dir)
		}
	}
	f.columnNames = make([]string, numberColumns)
	f.isCategorical = make([]bool, numberColumns)
	f.categoricalValues = make([][]string, numberColumns)
	f.categoryOrdinals = make([]map[string]int, numberColumns)
	return f, nil
}

// NumberRows returns the number of rows written.
func (f *Frame) NumberRows() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.numberRows
}

// NumberColumns returns the row width, including any extra columns.
func (f *Frame) NumberColumns() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.numberColumns
}

// Storage returns where slices are kept.
func (f *Frame) Storage() Storage {
	return f.storage
}

// SliceCapacity returns the number of rows per slice.
func (f *Frame) SliceCapacity() int {
	return f.sliceCapacity
}

// SetColumnNames names the leading len(names) columns.
func (f *Frame) SetColumnNames(names []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.columnNames, names)
}

// ColumnNames returns a copy of the column names.
func (f *Frame) ColumnNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.columnNames...)
}

// ColumnIndex returns the index of the named column or -1.
func (f *Frame) ColumnIndex(name string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, n := range f.columnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// CategoricalColumns marks which columns hold categories.
func (f *Frame) CategoricalColumns(isCategorical []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range isCategorical {
		if i < len(f.isCategorical) {
			f.isCategorical[i] = c
		}
	}
}

// ColumnIsCategorical returns a copy of the categorical flags.
func (f *Frame) ColumnIsCategorical() []bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]bool(nil), f.isCategorical...)
}

// CategoricalValues returns, per column, category strings indexed by ordinal.
func (f *Frame) CategoricalValues() [][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	values := make([][]string, len(f.categoricalValues))
	for i, v := range f.categoricalValues {
		values[i] = append([]string(nil), v...)
	}
	return values
}

// IsMissing reports whether v encodes a missing value.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// ParseAndWriteRow converts string field values and appends them as a row.
// Missing values and unparsable numbers are stored as NaN; the number of fields
// that could not be parsed is returned.
func (f *Frame) ParseAndWriteRow(values []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(values) > f.numberColumns {
		return 0, errors.NewShapeMismatchError("dataframe.ParseAndWriteRow", f.numberColumns, len(values), 1)
	}
	row := make([]float64, f.numberColumns)
	unparsable := 0
	for i := range row {
		if i >= len(values) || values[i] == f.missingString {
			row[i] = math.NaN()
			continue
		}
		if f.isCategorical[i] {
			row[i] = float64(f.categoryOrdinal(i, values[i]))
			continue
		}
		v, err := strconv.ParseFloat(values[i], 64)
		if err != nil || math.IsInf(v, 0) {
			row[i] = math.NaN()
			unparsable++
			continue
		}
		row[i] = v
	}
	return unparsable, f.appendRow(row)
}

func (f *Frame) categoryOrdinal(column int, category string) int {
	if f.categoryOrdinals[column] == nil {
		f.categoryOrdinals[column] = make(map[string]int)
	}
	if ordinal, ok := f.categoryOrdinals[column][category]; ok {
		return ordinal
	}
	ordinal := len(f.categoricalValues[column])
	f.categoryOrdinals[column][category] = ordinal
	f.categoricalValues[column] = append(f.categoricalValues[column], category)
	return ordinal
}

// WriteRow appends a row of already encoded values.
func (f *Frame) WriteRow(values []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(values) != f.numberColumns {
		return errors.NewShapeMismatchError("dataframe.WriteRow", f.numberColumns, len(values), 1)
	}
	return f.appendRow(append([]float64(nil), values...))
}

func (f *Frame) appendRow(row []float64) error {
	last := f.lastSlice()
	if last == nil || last.rows == f.sliceCapacity {
		if err := f.evict(last); err != nil {
			return err
		}
		last = &slice{firstRow: f.numberRows, values: make([]float64, 0, f.sliceCapacity*f.numberColumns)}
		f.slices = append(f.slices, last)
	}
	last.values = append(last.values, row...)
	last.rows++
	f.numberRows++
	return nil
}

func (f *Frame) lastSlice() *slice {
	if len(f.slices) == 0 {
		return nil
	}
	return f.slices[len(f.slices)-1]
}

// FinishWritingRows moves the final partially filled slice to disk when the
// frame is disk backed.
func (f *Frame) FinishWritingRows() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evict(f.lastSlice())
}

func (f *Frame) evict(s *slice) error {
	if s == nil || f.storage != OnDisk || s.values == nil {
		return nil
	}
	if s.file == nil {
		s.file = &diskSlice{path: filepath.Join(f.dir, "slice_"+strconv.Itoa(len(f.slices)-1)+".bin")}
	}
	if err := s.file.store(s.values); err != nil {
		return err
	}
	s.values = nil
	return nil
}

// ResizeColumns widens every row to numberColumns, filling new columns with 0.
func (f *Frame) ResizeColumns(numberColumns int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if numberColumns < f.numberColumns {
		return errors.NewShapeMismatchError("dataframe.ResizeColumns", f.numberColumns, numberColumns, 1)
	}
	if numberColumns == f.numberColumns {
		return nil
	}
	old := f.numberColumns
	for _, s := range f.slices {
		values, err := s.load()
		if err != nil {
			return err
		}
		resized := make([]float64, s.rows*numberColumns, s.rows*numberColumns+(f.sliceCapacity-s.rows)*numberColumns)
		for r := 0; r < s.rows; r++ {
			copy(resized[r*numberColumns:r*numberColumns+old], values[r*old:(r+1)*old])
		}
		if err := s.save(resized); err != nil {
			return err
		}
	}
	f.numberColumns = numberColumns
	for len(f.columnNames) < numberColumns {
		f.columnNames = append(f.columnNames, "")
		f.isCategorical = append(f.isCategorical, false)
		f.categoricalValues = append(f.categoricalValues, nil)
		f.categoryOrdinals = append(f.categoryOrdinals, nil)
	}
	return nil
}

// ReadRows calls reader with the rows in [begin, end) one slice at a time. If
// mask is non-nil only rows with mask[row] set are passed. Slices are visited
// concurrently by up to threads workers; each call sees rows of a single slice in
// ascending order.
func (f *Frame) ReadRows(threads, begin, end int, mask []bool, reader func(rows []Row) error) error {
	return f.visit(threads, begin, end, mask, false, reader)
}

// WriteColumns is like ReadRows but values set through the rows are stored back.
func (f *Frame) WriteColumns(threads, begin, end int, mask []bool, writer func(rows []Row) error) error {
	return f.visit(threads, begin, end, mask, true, writer)
}

// visit works on a snapshot of the slice layout taken under the read lock. The
// lock is released before fn runs so callbacks may use the other accessors.
// Rows must not be added or resized while a visit is in progress.
func (f *Frame) visit(threads, begin, end int, mask []bool, write bool, fn func(rows []Row) error) error {
	f.mu.RLock()
	end = min(end, f.numberRows)
	slices := append([]*slice(nil), f.slices...)
	capacity := f.sliceCapacity
	cols := f.numberColumns
	f.mu.RUnlock()

	if begin >= end {
		return nil
	}
	first := begin / capacity
	last := (end - 1) / capacity

	return parallel.Parallelize(threads, last-first+1, func(start, stop int) error {
		for i := first + start; i < first+stop; i++ {
			s := slices[i]
			values, err := s.load()
			if err != nil {
				return err
			}
			rows := make([]Row, 0, s.rows)
			for r := 0; r < s.rows; r++ {
				index := s.firstRow + r
				if index < begin || index >= end || (mask != nil && !mask[index]) {
					continue
				}
				rows = append(rows, Row{index: index, values: values[r*cols : (r+1)*cols]})
			}
			if len(rows) > 0 {
				if err := fn(rows); err != nil {
					return err
				}
			}
			if write && s.file != nil {
				if err := s.file.store(values); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// MemoryUsage returns the bytes of row data currently resident.
func (f *Frame) MemoryUsage() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var bytes int64
	for _, s := range f.slices {
		bytes += int64(cap(s.values)) * bytesPerValue
	}
	return bytes
}

// Close removes any files backing the frame.
func (f *Frame) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage == OnDisk {
		return os.RemoveAll(f.dir)
	}
	return nil
}

type slice struct {
	firstRow int
	rows     int
	values   []float64 // nil while the slice lives on disk
	file     *diskSlice
}

func (s *slice) load() ([]float64, error) {
	if s.values != nil {
		return s.values, nil
	}
	return s.file.load()
}

func (s *slice) save(values []float64) error {
	if s.file == nil {
		s.values = values
		return nil
	}
	return s.file.store(values)
}

// Row is a view of one row. Set writes through to the slice.
type Row struct {
	index  int
	values []float64
}

// Index returns the row number within the frame.
func (r Row) Index() int { return r.index }

// NumberColumns returns the row width.
func (r Row) NumberColumns() int { return len(r.values) }

// At returns column j.
func (r Row) At(j int) float64 { return r.values[j] }

// Set assigns column j.
func (r Row) Set(j int, v float64) { r.values[j] = v }

// CopyTo copies the row into dst and returns dst.
func (r Row) CopyTo(dst []float64) []float64 {
	return append(dst[:0], r.values...)
}
