package cohort

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Failure records one pair that did not finish.
type Failure struct {
	Pair Pair
	Err  error
}

// Func processes a single pair.
type Func func(ctx context.Context, pair Pair) error

// Run calls fn for every pair with at most jobs pairs in flight. A failing pair
// never cancels the others. Once ctx is done no further pairs are dispatched
// and the undispatched ones are reported with the context error. Failures are
// returned in completion order.
func Run(ctx context.Context, pairs []Pair, jobs int, fn Func) []Failure {
	if jobs < 1 {
		jobs = 1
	}
	var (
		mu       sync.Mutex
		failures []Failure
	)
	record := func(pair Pair, err error) {
		mu.Lock()
		failures = append(failures, Failure{Pair: pair, Err: err})
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(jobs)
	for _, pair := range pairs {
		pair := pair
		if ctx.Err() != nil {
			record(pair, ctx.Err())
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(pair, err)
				return nil
			}
			if err := runOne(ctx, pair, fn); err != nil {
				record(pair, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func runOne(ctx context.Context, pair Pair, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cohort: %s panicked: %v", pair, r)
		}
	}()
	return fn(ctx, pair)
}
