// Package workerpool runs batches of independent work items on a bounded set
// of goroutines.
//
// Map is the blocking, order-preserving form. Unordered yields results in
// completion order through an Iterator whose Next accepts a timeout, so the
// caller can interleave its own bookkeeping between polls. A failing item is
// always reported to the caller; neither form drops errors.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrTimeout is returned by Iterator.Next when no result became ready
	// within the timeout. It is not fatal; call Next again.
	ErrTimeout = errors.New("workerpool: no result ready")
	// ErrDone is returned by Iterator.Next once every dispatched item has
	// been reported.
	ErrDone = errors.New("workerpool: iterator exhausted")
)

// ItemError reports the failure of a single item.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Pool bounds the number of items executing at once.
type Pool struct {
	Workers int
}

// New returns a pool with the given worker count; non-positive values use
// one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{Workers: workers}
}

func (p *Pool) workers() int {
	if p == nil || p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// Map applies fn to every item and returns the results in input order. The
// first failure cancels items that have not started and is returned as an
// *ItemError.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := fn(gctx, item)
			if err != nil {
				return &ItemError{Index: i, Err: err}
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Result is one completed item.
type Result[R any] struct {
	Index int
	Value R
}

type outcome[R any] struct {
	result Result[R]
	err    error
}

type unorderedOptions struct {
	gate func() bool
}

// Option configures Unordered.
type Option func(*unorderedOptions)

// WithGate installs a predicate consulted immediately before each dispatch.
// Once it returns false no further items are started; items already running
// are unaffected.
func WithGate(gate func() bool) Option {
	return func(o *unorderedOptions) { o.gate = gate }
}

// Iterator yields Unordered results as they complete. Next must be called
// from a single goroutine.
type Iterator[R any] struct {
	results chan outcome[R]
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	undispatched []int
}

// Unordered starts dispatching items to the pool and returns immediately.
func Unordered[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error), opts ...Option) *Iterator[R] {
	var cfg unorderedOptions
	for _, opt := range opts {
		opt(&cfg)
	}
	runCtx, cancel := context.WithCancel(ctx)
	it := &Iterator[R]{
		results: make(chan outcome[R], len(items)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(it.done)
		var wg sync.WaitGroup
		slots := make(chan struct{}, p.workers())
		for i, item := range items {
			select {
			case slots <- struct{}{}:
			case <-runCtx.Done():
				it.markUndispatched(i, len(items))
				wg.Wait()
				close(it.results)
				return
			}
			if runCtx.Err() != nil || (cfg.gate != nil && !cfg.gate()) {
				<-slots
				it.markUndispatched(i, len(items))
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				value, err := fn(runCtx, item)
				if err != nil {
					it.results <- outcome[R]{err: &ItemError{Index: i, Err: err}}
					return
				}
				it.results <- outcome[R]{result: Result[R]{Index: i, Value: value}}
			}()
		}
		wg.Wait()
		close(it.results)
	}()
	return it
}

func (it *Iterator[R]) markUndispatched(from, to int) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for i := from; i < to; i++ {
		it.undispatched = append(it.undispatched, i)
	}
}

// Next waits up to timeout for the next completed item. A non-positive
// timeout waits indefinitely. A failed item is returned as an *ItemError and
// the iterator stays usable.
func (it *Iterator[R]) Next(timeout time.Duration) (Result[R], error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case out, ok := <-it.results:
		if !ok {
			return Result[R]{}, ErrDone
		}
		return out.result, out.err
	case <-timer:
		return Result[R]{}, ErrTimeout
	}
}

// Undispatched lists the indices of items that were never started because
// the gate closed or the context ended. It is complete once Next has
// returned ErrDone.
func (it *Iterator[R]) Undispatched() []int {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]int, len(it.undispatched))
	copy(out, it.undispatched)
	return out
}

// Close stops dispatching, cancels the context passed to running items and
// waits for them to return.
func (it *Iterator[R]) Close() {
	it.cancel()
	<-it.done
}
