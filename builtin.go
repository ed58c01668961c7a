package sharedloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

var errNilTask = errors.New("sharedloop: nil task")

type (
	// BuiltinLoopConfig models optional configuration, for NewBuiltinLoop.
	BuiltinLoopConfig struct {
		// Logger is used to log task panics (rate limited). Optional.
		Logger *logiface.Logger[logiface.Event]

		// Metrics is used to count task panics. Optional.
		Metrics *Metrics

		// OnPanic is called on the loop goroutine, with the recovered value,
		// for each task that panics. Optional.
		OnPanic func(value any)

		// Name labels logs and metrics.
		// **Defaults to "default", if empty, or BuiltinLoopConfig is nil.**
		Name string

		// QueueSize is the maximum number of tasks that may be queued, after
		// which Submit will fail with ErrLoopOverloaded.
		// **Defaults to 4096, if <= 0, or BuiltinLoopConfig is nil.**
		QueueSize int

		// BatchSize is the maximum number of tasks run per tick, if positive.
		// Negative values disable the limit.
		// **Defaults to 256, if 0, or BuiltinLoopConfig is nil.**
		BatchSize int
	}

	// BuiltinLoop is a restartable, FIFO task loop, implementing Loop.
	//
	// Tasks submitted while the loop is not running are queued, and run once it
	// is started. Stopping the loop does not discard queued tasks. Panics
	// within tasks are recovered.
	// Instances must be initialized using the NewBuiltinLoop factory.
	BuiltinLoop struct {
		// Prevent copying
		_ [0]func()

		queue   chan func()
		logger  *logiface.Logger[logiface.Event]
		metrics *Metrics
		onPanic func(value any)
		limiter *catrate.Limiter
		name    string
		poll    longpoll.ChannelConfig

		// closed when pending is 0, guarded by mu
		idle chan struct{}
		// queued, delayed, or running tasks, guarded by mu
		pending int

		ticks   atomic.Uint64
		running atomic.Bool

		mu sync.Mutex
	}
)

// NewBuiltinLoop initializes a new BuiltinLoop. The config may be nil.
func NewBuiltinLoop(config *BuiltinLoopConfig) *BuiltinLoop {
	l := BuiltinLoop{
		name: defaultName,
		poll: longpoll.ChannelConfig{
			MaxSize:        256,
			MinSize:        1,
			PartialTimeout: -1,
		},
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}

	queueSize := 4096

	if config != nil {
		l.logger = config.Logger
		l.metrics = config.Metrics
		l.onPanic = config.OnPanic
		if config.Name != `` {
			l.name = config.Name
		}
		if config.QueueSize > 0 {
			queueSize = config.QueueSize
		}
		if config.BatchSize > 0 {
			l.poll.MaxSize = config.BatchSize
		} else if config.BatchSize < 0 {
			l.poll.MaxSize = -1
		}
	}

	l.queue = make(chan func(), queueSize)

	return &l
}

// Run runs queued tasks, blocking until ctx is canceled, after which it
// returns ctx.Err(). Tasks that haven't started remain queued.
func (l *BuiltinLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.running.Store(false)

	for {
		if err := longpoll.Channel(ctx, &l.poll, l.queue, l.execute); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		l.ticks.Add(1)
	}
}

// Submit queues task, to be run on the loop goroutine. It is safe to call
// from any goroutine, including the loop goroutine. ErrLoopOverloaded will be
// returned if the queue is full.
func (l *BuiltinLoop) Submit(task func()) error {
	if task == nil {
		return errNilTask
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case l.queue <- task:
	default:
		return ErrLoopOverloaded
	}

	l.addPendingLocked()

	return nil
}

// SubmitAfter queues task once delay has elapsed. The task counts as pending
// work from the time this method is called, see Drain. If the queue is full
// once the delay has elapsed, the task is dropped, and logged.
func (l *BuiltinLoop) SubmitAfter(delay time.Duration, task func()) error {
	if task == nil {
		return errNilTask
	}

	l.mu.Lock()
	l.addPendingLocked()
	l.mu.Unlock()

	time.AfterFunc(delay, func() {
		select {
		case l.queue <- task:
		default:
			l.dropTask()
		}
	})

	return nil
}

// Drain blocks until there are no queued, delayed, or running tasks, or ctx
// is canceled. It implements Drainer.
func (l *BuiltinLoop) Drain(ctx context.Context) error {
	l.mu.Lock()
	if l.pending == 0 {
		l.mu.Unlock()
		return nil
	}
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued, delayed, or running tasks.
func (l *BuiltinLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Ticks returns the number of batches of tasks run, over all runs.
func (l *BuiltinLoop) Ticks() uint64 {
	return l.ticks.Load()
}

// IsRunning reports whether Run is in progress.
func (l *BuiltinLoop) IsRunning() bool {
	return l.running.Load()
}

func (l *BuiltinLoop) addPendingLocked() {
	if l.pending == 0 {
		l.idle = make(chan struct{})
	}
	l.pending++
}

// execute is the longpoll handler, called on the loop goroutine.
func (l *BuiltinLoop) execute(task func()) error {
	defer l.taskDone()
	l.safeExecute(task)
	return nil
}

func (l *BuiltinLoop) taskDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.pending == 0 {
		close(l.idle)
	}
}

func (l *BuiltinLoop) dropTask() {
	l.taskDone()
	l.metrics.observeTaskDropped(l.name)
	if _, ok := l.limiter.Allow(`dropped`); ok {
		l.logger.Err().
			Str(`name`, l.name).
			Err(ErrLoopOverloaded).
			Log(`delayed loop task dropped`)
	}
}

func (l *BuiltinLoop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.handlePanic(r)
		}
	}()
	task()
}

func (l *BuiltinLoop) handlePanic(value any) {
	l.metrics.observeTaskPanic(l.name)

	if _, ok := l.limiter.Allow(`panic`); ok {
		l.logger.Err().
			Str(`name`, l.name).
			Any(`panic`, value).
			Log(`loop task panicked`)
	}

	if l.onPanic != nil {
		defer func() {
			_ = recover() // OnPanic must not take down the loop
		}()
		l.onPanic(value)
	}
}
