package sharedloop

import (
	"context"
	"errors"
	"sync"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
)

// EventLoop adapts go-eventloop into a restartable Loop.
//
// An eventloop.Loop may only be run once, so each call to Run uses a fresh
// inner loop. Tasks submitted while the loop is stopped are queued on the
// inner loop that the next call to Run will use. When stopped, the inner loop
// runs all tasks that were already queued before Run returns.
// Instances must be initialized using the NewEventLoop factory.
type EventLoop struct {
	// Prevent copying
	_ [0]func()

	// the inner loop that is running, or will run next, guarded by mu
	current *eventloop.Loop

	mu sync.Mutex
}

// NewEventLoop initializes a new EventLoop.
func NewEventLoop() (*EventLoop, error) {
	inner, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &EventLoop{current: inner}, nil
}

// Run runs the current inner loop, until ctx is canceled.
func (l *EventLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	inner := l.current
	l.mu.Unlock()

	err := inner.Run(ctx)

	if errors.Is(err, eventloop.ErrLoopAlreadyRunning) {
		return ErrLoopAlreadyRunning
	}

	if replaceErr := l.replace(inner); replaceErr != nil {
		return errors.Join(err, replaceErr)
	}

	return err
}

// Submit schedules task on the inner loop. Tasks run in submission order.
func (l *EventLoop) Submit(task func()) error {
	if task == nil {
		return errNilTask
	}
	return l.withInner(func(inner *eventloop.Loop) error {
		return inner.Submit(func() { task() })
	})
}

// SubmitAfter schedules task to run on the loop after delay, using the inner
// loop's timers. Timers that have not fired are discarded when the loop stops.
func (l *EventLoop) SubmitAfter(delay time.Duration, task func()) error {
	if task == nil {
		return errNilTask
	}
	return l.withInner(func(inner *eventloop.Loop) error {
		_, err := inner.ScheduleTimer(delay, task)
		return err
	})
}

// Close releases the resources of the inner loop. It must not be called while
// the loop is running, and the EventLoop must not be used afterwards.
func (l *EventLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.current.Close()
	if errors.Is(err, eventloop.ErrLoopTerminated) {
		err = nil
	}
	return err
}

// withInner calls fn with the current inner loop, retrying once on a fresh
// inner loop if the current one has terminated (Run is about to replace it).
func (l *EventLoop) withInner(fn func(inner *eventloop.Loop) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := fn(l.current)
	if !errors.Is(err, eventloop.ErrLoopTerminated) {
		return err
	}

	if err := l.replaceLocked(l.current); err != nil {
		return err
	}

	return fn(l.current)
}

func (l *EventLoop) replace(inner *eventloop.Loop) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replaceLocked(inner)
}

// replaceLocked swaps out inner for a new inner loop, unless that has
// already happened.
func (l *EventLoop) replaceLocked(inner *eventloop.Loop) error {
	if l.current != inner {
		return nil
	}
	next, err := eventloop.New()
	if err != nil {
		return err
	}
	l.current = next
	return nil
}
