package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Parallelize splits [0, items) into at most threads contiguous ranges and runs fn
// on each range concurrently. threads <= 0 means one worker per CPU. The first
// error returned by any worker is returned once all workers have stopped.
func Parallelize(threads, items int, fn func(start, end int) error) error {
	if items == 0 {
		return nil
	}

	numWorkers := threads
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > items {
		numWorkers = items
	}
	if numWorkers == 1 {
		return fn(0, items)
	}

	chunkSize := (items + numWorkers - 1) / numWorkers

	var g errgroup.Group
	g.SetLimit(numWorkers)
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		s, e := start, end
		g.Go(func() error {
			return fn(s, e)
		})
	}
	return g.Wait()
}

// ParallelizeWithThreshold runs fn sequentially over the whole range when items
// does not exceed threshold.
func ParallelizeWithThreshold(threads, items, threshold int, fn func(start, end int) error) error {
	if items <= threshold {
		if items == 0 {
			return nil
		}
		return fn(0, items)
	}
	return Parallelize(threads, items, fn)
}
