// Package parallel fans index ranges out over a bounded set of goroutines.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// Config configures parallel processing behavior.
type Config struct {
	// Workers is the number of worker goroutines. 0 means runtime.GOMAXPROCS(0).
	Workers int

	// GrainSize is the minimum number of items per worker before work is
	// split. Smaller jobs run on the calling goroutine.
	GrainSize int
}

// DefaultConfig uses every CPU and splits aggressively.
func DefaultConfig() Config {
	return Config{Workers: 0, GrainSize: 1}
}

// EffectiveWorkers returns the worker count Config resolves to.
func (c Config) EffectiveWorkers() int {
	if c.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Workers
}

// For runs fn(i) for i in [0, n).
func For(cfg Config, n int, fn func(i int)) {
	_ = ForWithError(context.Background(), cfg, n, func(i int) error {
		fn(i)
		return nil
	})
}

// ForWithError runs fn(i) for i in [0, n) and returns the first error.
// Items are handed out in increasing order. Once an error occurs or ctx is
// done no further items start; the error from ctx is returned in the
// latter case.
func ForWithError(ctx context.Context, cfg Config, n int, fn func(i int) error) error {
	workers := cfg.EffectiveWorkers()
	grain := max(cfg.GrainSize, 1)

	if workers == 1 || n <= grain*workers/2 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		mu       sync.Mutex
		next     int
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	take := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= n {
			return 0, false
		}
		i := next
		next++
		return i, true
	}

	for w := 0; w < min(workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				i, ok := take()
				if !ok {
					return
				}
				if err := fn(i); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	wg.Wait()
	return firstErr
}
