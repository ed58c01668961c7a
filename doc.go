// Package sharedloop shares a single event loop between independent
// consumers, running it on a background goroutine only while at least one of
// them needs it.
//
// # Architecture
//
// A [Controller] starts and stops a [Loop] on a dedicated goroutine. Start
// blocks until the loop has run a readiness task. Stop cancels the loop's
// context, then joins the goroutine, bounded by the shutdown timeout
// ([WithShutdownTimeout]). A controller that fails to stop in time is
// permanently [StateBroken].
//
// A [Manager] issues tokens ([Manager.Acquire]). The first outstanding token
// starts the loop, and releasing the last one stops it. Each token may be
// released once, further releases being no-ops.
//
// Two Loop implementations are provided:
//   - [BuiltinLoop]: a FIFO queue, drained in batches. Tasks that haven't run
//     when the loop stops stay queued until it next runs.
//   - [EventLoop]: go-eventloop, restarted using a fresh inner loop per run.
//     Queued tasks are run before it stops.
//
// Backends are selected by name via [Config], see [RegisterBackend].
//
// # Thread Safety
//
// All exported methods are safe to call concurrently. Acquire and release
// operations (and the start and stop transitions they cause) are serialized
// by the manager. Stopping the loop from the loop goroutine is rejected with
// [ErrReentrantStop], as is acquiring from the loop goroutine while the loop is
// stopping ([ErrReentrantAcquire]), as either would otherwise deadlock.
//
// # Usage
//
//	manager, err := sharedloop.NewManager(sharedloop.NewBuiltinLoop(nil))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	token, err := manager.Acquire()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer token.Release()
//
//	value, err := sharedloop.Await(ctx, manager, func() (int, error) {
//	    return 42, nil
//	})
//
// # Error Types
//
//   - [ErrStartupFailure]: the loop failed to start, wrapping the cause
//   - [ErrShutdownTimeout]: the loop failed to stop in time
//   - [ErrForeignToken]: a token was released via the wrong manager
//   - [PanicError]: wraps recovered panics
package sharedloop
