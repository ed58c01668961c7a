package sharedloop

import (
	"context"
	"runtime"
)

// Loop models an event loop, the lifecycle of which is managed by a
// Controller.
//
// Implementations must support the following contract:
//   - Run processes tasks on the calling goroutine, blocking until ctx is
//     canceled (the stop signal), or a fatal error occurs
//   - Run may be called again, after it has returned (restartable), though
//     only one call may be in progress at a time
//   - Submit is safe to call from any goroutine, at any time, and tasks
//     submitted by a single goroutine run in the order they were submitted
//
// BuiltinLoop and EventLoop are the provided implementations.
type Loop interface {
	// Run runs the loop until ctx is canceled. Returning a non-nil error
	// other than ctx.Err() indicates the loop failed.
	Run(ctx context.Context) error

	// Submit schedules task to be run on the loop goroutine.
	Submit(task func()) error
}

// goroutineID returns the current goroutine's ID.
//
// It is only used to detect calls made from the loop goroutine, which would
// otherwise deadlock (e.g. Stop joining its own goroutine).
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
