package dataframe

import (
	"encoding/binary"
	"math"
	"os"
	"syscall"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// diskSlice is a slice of rows kept in a memory-mapped file. The mapping exists
// only for the duration of a load or store.
type diskSlice struct {
	path string
}

func (d *diskSlice) store(values []float64) error {
	file, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "dataframe: open %s", d.path)
	}
	defer file.Close()

	size := len(values) * bytesPerValue
	if size == 0 {
		return nil
	}
	if err := file.Truncate(int64(size)); err != nil {
		return errors.Wrapf(err, "dataframe: resize %s", d.path)
	}
	mmap, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "dataframe: mmap %s", d.path)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(mmap[i*bytesPerValue:], math.Float64bits(v))
	}
	return errors.Wrap(syscall.Munmap(mmap), "dataframe: munmap")
}

func (d *diskSlice) load() ([]float64, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataframe: open %s", d.path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "dataframe: stat %s", d.path)
	}
	size := int(info.Size())
	if size == 0 {
		return []float64{}, nil
	}
	mmap, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "dataframe: mmap %s", d.path)
	}
	values := make([]float64, size/bytesPerValue)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(mmap[i*bytesPerValue:]))
	}
	if err := syscall.Munmap(mmap); err != nil {
		return nil, errors.Wrap(err, "dataframe: munmap")
	}
	return values, nil
}
