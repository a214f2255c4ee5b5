// Package parallel provides chunked index-range fan-out for the
// data-parallel parts of a variational update sweep. Updates within a
// sweep are parallel across samples or features; iterations themselves
// stay strictly sequential.
package parallel

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// numWorkersFor returns the worker count for a job of the given size.
// Physical cores are preferred over logical ones: the update kernels are
// memory-bound and gain nothing from hyperthreads.
func numWorkersFor(items int) int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > items {
		n = items
	}
	return n
}

// Parallelize divides items across workers and executes fn on each
// half-open range [start, end). Ranges are disjoint, so fn may write to
// per-index state without synchronization.
func Parallelize(items int, fn func(start, end int)) {
	if items == 0 {
		return
	}

	numWorkers := numWorkersFor(items)

	// Ceiling division so every item lands in exactly one chunk.
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially when items is at or below
// threshold and in parallel otherwise. Small blocks are cheaper to update
// in place than to fan out.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}
