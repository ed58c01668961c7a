package sharedloop

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-microbatch"
)

type (
	// BatchSubmitter groups functions into batches, each of which is run on
	// the loop as a single task. The loop is kept running until the
	// BatchSubmitter is closed.
	// Instances must be initialized using the NewBatchSubmitter factory.
	BatchSubmitter struct {
		// Prevent copying
		_ [0]func()

		manager   *Manager
		token     *Token
		batcher   *microbatch.Batcher[*batchJob]
		closeOnce sync.Once
		closeErr  error
	}

	// BatchResult models a function submitted via BatchSubmitter.Submit.
	BatchResult struct {
		result *microbatch.JobResult[*batchJob]
	}

	batchJob struct {
		fn  func()
		err error
	}
)

// NewBatchSubmitter acquires a token from m, and initializes a new
// BatchSubmitter. The config may be nil, see microbatch.NewBatcher for
// defaults. BatchSubmitter.Close or BatchSubmitter.Shutdown must be called
// to release the token.
func NewBatchSubmitter(m *Manager, config *microbatch.BatcherConfig) (*BatchSubmitter, error) {
	if m == nil {
		panic(`sharedloop: nil manager`)
	}
	token, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	x := &BatchSubmitter{
		manager: m,
		token:   token,
	}
	x.batcher = microbatch.NewBatcher(config, x.process)
	return x, nil
}

// Submit schedules fn to run on the loop, as part of a batch. A panic in fn is
// reported via BatchResult.Wait, as a PanicError.
//
// The BatchResult must not be waited on from the loop goroutine.
func (x *BatchSubmitter) Submit(ctx context.Context, fn func()) (*BatchResult, error) {
	if fn == nil {
		return nil, errNilTask
	}
	result, err := x.batcher.Submit(ctx, &batchJob{fn: fn})
	if err != nil {
		return nil, err
	}
	return &BatchResult{result: result}, nil
}

// Shutdown prevents further submits, and waits for pending batches to run,
// before releasing the token. If ctx is canceled first, pending batches are
// canceled, and the error returned.
func (x *BatchSubmitter) Shutdown(ctx context.Context) error {
	return x.close(func() error { return x.batcher.Shutdown(ctx) })
}

// Close cancels pending batches, and releases the token.
func (x *BatchSubmitter) Close() error {
	return x.close(x.batcher.Close)
}

func (x *BatchSubmitter) close(stop func() error) error {
	x.closeOnce.Do(func() {
		x.closeErr = errors.Join(stop(), x.token.Release())
	})
	return x.closeErr
}

func (x *BatchSubmitter) process(ctx context.Context, jobs []*batchJob) error {
	done := make(chan struct{})

	if err := x.manager.Loop().Submit(func() {
		defer close(done)
		for _, job := range jobs {
			job.run()
		}
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *batchJob) run() {
	defer func() {
		if r := recover(); r != nil {
			x.err = PanicError{Value: r}
		}
	}()
	x.fn()
}

// Wait blocks until the function has run, or ctx is canceled.
func (x *BatchResult) Wait(ctx context.Context) error {
	if err := x.result.Wait(ctx); err != nil {
		return err
	}
	return x.result.Job.err
}
