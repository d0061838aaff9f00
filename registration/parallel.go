package registration

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny inputs on a single goroutine
const minChunk = 256

// parallelFor splits [0, n) into contiguous chunks and runs fn on each.
// Every stage writes only to its own output index, so chunk order is irrelevant
// and results do not depend on the worker count.
func parallelFor(n, workers int, fn func(start, end int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 || n <= minChunk {
		return fn(0, n)
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		start := start
		end := min(start+chunk, n)
		g.Go(func() error {
			return fn(start, end)
		})
	}
	return g.Wait()
}
