package sharedloop

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// checkNumGoroutines returns a function that fails the test if the number of
// goroutines doesn't return to (at most) the starting number, within timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`leaked goroutines: before=%d after=%d`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

// funcLoop implements Loop using functions, for simulating failures.
type funcLoop struct {
	run    func(ctx context.Context) error
	submit func(task func()) error
}

func (x *funcLoop) Run(ctx context.Context) error { return x.run(ctx) }

func (x *funcLoop) Submit(task func()) error { return x.submit(task) }

// hangingLoop wraps a BuiltinLoop, such that Run doesn't return until
// release is closed, after being stopped.
func hangingLoop(release <-chan struct{}) *funcLoop {
	inner := NewBuiltinLoop(nil)
	return &funcLoop{
		run: func(ctx context.Context) error {
			err := inner.Run(ctx)
			<-release
			return err
		},
		submit: inner.Submit,
	}
}

// countingLoop wraps a BuiltinLoop, counting calls to Run.
type countingLoop struct {
	*BuiltinLoop
	mu   sync.Mutex
	runs int
}

func newCountingLoop() *countingLoop {
	return &countingLoop{BuiltinLoop: NewBuiltinLoop(nil)}
}

func (x *countingLoop) Run(ctx context.Context) error {
	x.mu.Lock()
	x.runs++
	x.mu.Unlock()
	return x.BuiltinLoop.Run(ctx)
}

func (x *countingLoop) Runs() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.runs
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// runOnLoop runs fn on the loop goroutine, and waits for it.
func runOnLoop(t *testing.T, loop Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := loop.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal(`timed out waiting for the loop`)
	}
}
