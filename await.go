package sharedloop

import (
	"context"
	"errors"
)

// Result models the outcome of a function run on the loop, see AwaitAll.
type Result[T any] struct {
	Value T
	Err   error
}

// Await runs fn on the loop, blocking until it returns, or ctx is canceled.
// The loop is kept running (a token is held) until Await returns.
//
// If called from the loop goroutine, fn is run immediately, on the calling
// goroutine. A panic in fn is returned as a PanicError.
//
// If ctx is canceled first, fn may still run, later.
func Await[T any](ctx context.Context, m *Manager, fn func() (T, error)) (value T, err error) {
	if fn == nil {
		panic(`sharedloop: nil function`)
	}

	if m.OnLoop() {
		return callSafe(fn)
	}

	token, err := m.Acquire()
	if err != nil {
		return value, err
	}
	defer func() {
		if releaseErr := token.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	result := make(chan Result[T], 1)
	if err := submitResult(m.Loop(), fn, result); err != nil {
		return value, err
	}

	select {
	case r := <-result:
		return r.Value, r.Err
	case <-ctx.Done():
		return value, ctx.Err()
	}
}

// AwaitAll runs each of fns on the loop, returning their results, in order.
// All functions are submitted before any are waited on, and the loop is kept
// running until all have returned, or ctx is canceled.
//
// If called from the loop goroutine, fns are run immediately, in order, on the
// calling goroutine.
func AwaitAll[T any](ctx context.Context, m *Manager, fns ...func() (T, error)) []Result[T] {
	results := make([]Result[T], len(fns))

	if len(fns) == 0 {
		return results
	}

	if m.OnLoop() {
		for i, fn := range fns {
			results[i].Value, results[i].Err = callSafe(fn)
		}
		return results
	}

	token, err := m.Acquire()
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}
	defer func() {
		// the results have already been returned
		_ = token.Release()
	}()

	channels := make([]chan Result[T], len(fns))
	for i, fn := range fns {
		channels[i] = make(chan Result[T], 1)
		if err := submitResult(m.Loop(), fn, channels[i]); err != nil {
			channels[i] <- Result[T]{Err: err}
		}
	}

	for i, ch := range channels {
		select {
		case results[i] = <-ch:
		case <-ctx.Done():
			for j := i; j < len(results); j++ {
				select {
				case results[j] = <-channels[j]:
				default:
					results[j].Err = ctx.Err()
				}
			}
			return results
		}
	}

	return results
}

func submitResult[T any](loop Loop, fn func() (T, error), result chan<- Result[T]) error {
	if fn == nil {
		panic(`sharedloop: nil function`)
	}
	return loop.Submit(func() {
		var r Result[T]
		r.Value, r.Err = callSafe(fn)
		result <- r
	})
}

func callSafe[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, PanicError{Value: r}
		}
	}()
	return fn()
}
