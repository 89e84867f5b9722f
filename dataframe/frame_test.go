package dataframe

import (
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

func newTestFrame(t *testing.T, opts ...Option) *Frame {
	t.Helper()
	f, err := New(3, opts...)
	require.NoError(t, err)
	f.SetColumnNames([]string{"x", "category", "y"})
	f.CategoricalColumns([]bool{false, true, false})
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestParseAndWriteRow(t *testing.T) {
	f := newTestFrame(t, WithMissingValue("?"))

	unparsable, err := f.ParseAndWriteRow([]string{"1.5", "cat1", "2"})
	require.NoError(t, err)
	assert.Zero(t, unparsable)
	unparsable, err = f.ParseAndWriteRow([]string{"?", "cat2", "abc"})
	require.NoError(t, err)
	assert.Equal(t, 1, unparsable)
	_, err = f.ParseAndWriteRow([]string{"3", "cat1", "4"})
	require.NoError(t, err)

	var got [][]float64
	require.NoError(t, f.ReadRows(1, 0, f.NumberRows(), nil, func(rows []Row) error {
		for _, row := range rows {
			got = append(got, row.CopyTo(nil))
		}
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, []float64{1.5, 0, 2}, got[0])
	assert.True(t, IsMissing(got[1][0]))
	assert.Equal(t, 1.0, got[1][1])
	assert.True(t, IsMissing(got[1][2]))
	assert.Equal(t, []float64{3, 0, 4}, got[2])
	assert.Equal(t, []string{"cat1", "cat2"}, f.CategoricalValues()[1])
	assert.Equal(t, 1, f.ColumnIndex("category"))
	assert.Equal(t, -1, f.ColumnIndex("missing"))
}

func TestWriteRowShapeMismatch(t *testing.T) {
	f := newTestFrame(t)
	assert.Error(t, f.WriteRow([]float64{1, 2}))
	_, err := f.ParseAndWriteRow([]string{"1", "a", "2", "3"})
	assert.Error(t, err)
}

func fillRows(t *testing.T, f *Frame, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.WriteRow([]float64{float64(i), float64(i % 3), float64(2 * i)}))
	}
	require.NoError(t, f.FinishWritingRows())
}

func TestStorageModesAgree(t *testing.T) {
	tests := []struct {
		name string
		opts func(t *testing.T) []Option
	}{
		{"main memory", func(*testing.T) []Option { return []Option{WithSliceCapacity(7)} }},
		{"disk", func(t *testing.T) []Option {
			return []Option{WithSliceCapacity(7), WithDiskStorage(filepath.Join(t.TempDir(), "frame"))}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFrame(t, tt.opts(t)...)
			fillRows(t, f, 50)
			require.NoError(t, f.ResizeColumns(5))
			assert.Equal(t, 5, f.NumberColumns())

			require.NoError(t, f.WriteColumns(4, 0, f.NumberRows(), nil, func(rows []Row) error {
				for _, row := range rows {
					row.Set(3, row.At(0)+row.At(2))
					row.Set(4, 1)
				}
				return nil
			}))

			var mu sync.Mutex
			seen := make(map[int]bool)
			require.NoError(t, f.ReadRows(3, 0, f.NumberRows(), nil, func(rows []Row) error {
				mu.Lock()
				defer mu.Unlock()
				for _, row := range rows {
					i := float64(row.Index())
					assert.Equal(t, i, row.At(0))
					assert.Equal(t, 3*i, row.At(3))
					assert.Equal(t, 1.0, row.At(4))
					seen[row.Index()] = true
				}
				return nil
			}))
			assert.Len(t, seen, 50)
		})
	}
}

func TestDiskStorageKeepsNothingResident(t *testing.T) {
	f := newTestFrame(t, WithSliceCapacity(10), WithDiskStorage(filepath.Join(t.TempDir(), "frame")))
	fillRows(t, f, 35)
	assert.Equal(t, OnDisk, f.Storage())
	assert.Zero(t, f.MemoryUsage())

	g := newTestFrame(t, WithSliceCapacity(10))
	fillRows(t, g, 35)
	assert.Positive(t, g.MemoryUsage())
}

func TestReadRowsWithMaskAndRange(t *testing.T) {
	f := newTestFrame(t, WithSliceCapacity(4))
	fillRows(t, f, 20)

	mask := make([]bool, 20)
	for i := range mask {
		mask[i] = i%2 == 0
	}
	var indices []int
	require.NoError(t, f.ReadRows(1, 5, 15, mask, func(rows []Row) error {
		for _, row := range rows {
			indices = append(indices, row.Index())
		}
		return nil
	}))
	assert.Equal(t, []int{6, 8, 10, 12, 14}, indices)
}

func TestEstimateMemoryUsage(t *testing.T) {
	assert.Equal(t, int64(1000*4*8), EstimateMemoryUsage(true, 1000, 4))
	assert.Zero(t, EstimateMemoryUsage(false, 1000, 4))
}

func TestNewRejectsBadShapes(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(2, WithDiskStorage(""))
	assert.Error(t, err)
}

func TestMissingValueDefaultIsEmptyString(t *testing.T) {
	f := newTestFrame(t)
	_, err := f.ParseAndWriteRow([]string{"", "a", strconv.Itoa(1)})
	require.NoError(t, err)
	require.NoError(t, f.ReadRows(1, 0, 1, nil, func(rows []Row) error {
		assert.True(t, math.IsNaN(rows[0].At(0)))
		return nil
	}))
}

func TestReadRowsCallbacksMayUseAccessorsWhileAWriterWaits(t *testing.T) {
	f := newTestFrame(t)
	require.NoError(t, f.WriteRow([]float64{1, 0, 2}))
	require.NoError(t, f.WriteRow([]float64{3, 0, 4}))

	var names []string
	err := f.ReadRows(1, 0, f.NumberRows(), nil, func(rows []Row) error {
		renamed := make(chan struct{})
		go func() {
			f.SetColumnNames([]string{"a"})
			close(renamed)
		}()
		select {
		case <-renamed:
		case <-time.After(5 * time.Second):
			return errors.New("writer blocked by the visit")
		}
		names = f.ColumnNames()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "category", "y"}, names)
}
