package sharedloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errLoopReturned = errors.New("loop returned without being stopped")
	errStartTimeout = errors.New("timed out waiting for the loop to become ready")
	errForeignRun   = errors.New("readiness task ran outside this controller's loop goroutine, the loop may be run by another controller")
)

// Controller starts and stops a Loop, which it runs on a dedicated goroutine.
// It makes no decisions about when to do so, see Manager.
//
// Start and Stop are safe to call concurrently, and are serialized.
// Instances must be initialized using the NewController factory.
type Controller struct {
	// Prevent copying
	_ [0]func()

	loop Loop
	opts *options

	// non-nil iff the loop goroutine may be running (Running, Stopping, Broken)
	session *session

	// goroutine ID of the loop goroutine, or 0
	loopGoroutine atomic.Uint64

	state stateValue

	// serializes start and stop transitions, guards session
	mu sync.Mutex
}

// session models a single run of the loop goroutine.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	// only accessible after done is closed
	err error
}

// Drainer may be implemented by a Loop, to support waiting for all pending
// work (including work scheduled by other work) to finish, see
// WithDrainTimeout. Loops that don't implement it are drained by submitting
// a barrier task.
type Drainer interface {
	// Drain blocks until the loop has no pending work, or ctx is canceled.
	// It is only called while the loop is running.
	Drain(ctx context.Context) error
}

// NewController initializes a new Controller, for the given Loop. A panic will
// occur if loop is nil.
func NewController(loop Loop, opts ...Option) (*Controller, error) {
	if loop == nil {
		panic(`sharedloop: nil loop`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		loop: loop,
		opts: cfg,
	}
	cfg.metrics.setState(cfg.name, StateStopped)
	return c, nil
}

// Loop returns the underlying Loop, which may be used to submit work while
// it is running.
func (c *Controller) Loop() Loop {
	return c.loop
}

// State returns the current state. It is advisory, and must not be used to
// make start or stop decisions.
func (c *Controller) State() State {
	return c.state.Load()
}

// IsRunning reports whether the loop has been started, and not yet stopped.
// It is advisory, and must not be used to make start or stop decisions.
func (c *Controller) IsRunning() bool {
	return c.state.Load() == StateRunning
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (c *Controller) OnLoop() bool {
	id := c.loopGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// Start starts the loop, if it isn't already running, blocking until the loop
// has run a task on this controller's goroutine, or it fails to start. Errors
// will wrap ErrStartupFailure, unless the controller is broken (ErrBroken), or
// the loop has exited since it was started (ErrLoopExited, until Stop).
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start()
}

// Stop stops the loop, if it is running, blocking until the loop goroutine
// has exited, or the shutdown timeout is reached (ErrShutdownTimeout, after
// which the controller is permanently broken).
//
// This method returns ErrReentrantStop if called from the loop goroutine.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop()
}

func (c *Controller) start() error {
	switch c.state.Load() {
	case StateBroken:
		return ErrBroken
	case StateRunning:
		select {
		case <-c.session.done:
			return wrapErr(ErrLoopExited, c.session.err)
		default:
			return nil
		}
	}

	startedAt := time.Now()
	c.setState(StateStarting)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, s)

	// the loop is live once it has run a task, on our goroutine
	ready := make(chan bool, 1)
	if err := c.loop.Submit(func() { ready <- c.OnLoop() }); err != nil {
		return c.abortStart(s, startedAt, err)
	}

	var timeout <-chan time.Time
	if c.opts.startTimeout > 0 {
		timer := time.NewTimer(c.opts.startTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case onLoop := <-ready:
		if !onLoop {
			return c.abortStart(s, startedAt, errForeignRun)
		}
	case <-s.done:
		cause := s.err
		if cause == nil {
			cause = errLoopReturned
		}
		return c.abortStart(s, startedAt, cause)
	case <-timeout:
		return c.abortStart(s, startedAt, errStartTimeout)
	}

	c.session = s
	c.setState(StateRunning)

	d := time.Since(startedAt)
	c.opts.metrics.observeStart(c.opts.name, d, nil)
	c.opts.logger.Info().
		Str(`name`, c.opts.name).
		Dur(`duration`, d).
		Log(`loop started`)

	return nil
}

func (c *Controller) abortStart(s *session, startedAt time.Time, cause error) error {
	s.cancel()

	err := wrapErr(ErrStartupFailure, cause)

	if c.join(s) {
		c.setState(StateStopped)
	} else {
		// the goroutine is still around, and can't be replaced
		c.session = s
		c.setState(StateBroken)
		err = errors.Join(err, ErrShutdownTimeout)
	}

	c.opts.metrics.observeStart(c.opts.name, time.Since(startedAt), err)
	c.opts.logger.Err().
		Str(`name`, c.opts.name).
		Stringer(`state`, c.state.Load()).
		Err(err).
		Log(`loop failed to start`)

	return err
}

// reentrant reports whether stop would fail with ErrReentrantStop.
func (c *Controller) reentrant() bool {
	return c.session != nil && c.state.Load() != StateBroken && c.OnLoop()
}

func (c *Controller) stop() error {
	if c.session == nil {
		return nil
	}
	if c.state.Load() == StateBroken {
		return ErrBroken
	}
	if c.OnLoop() {
		return ErrReentrantStop
	}

	s := c.session
	startedAt := time.Now()
	c.setState(StateStopping)

	c.drain(s)

	s.cancel()

	if !c.join(s) {
		c.setState(StateBroken)
		c.opts.metrics.observeStop(c.opts.name, time.Since(startedAt), ErrShutdownTimeout)
		c.opts.logger.Err().
			Str(`name`, c.opts.name).
			Stringer(`state`, StateBroken).
			Dur(`timeout`, c.opts.shutdownTimeout).
			Log(`loop failed to stop within the shutdown timeout`)
		return ErrShutdownTimeout
	}

	c.session = nil
	c.setState(StateStopped)

	var err error
	if s.err != nil {
		err = wrapErr(ErrLoopExited, s.err)
	}

	d := time.Since(startedAt)
	c.opts.metrics.observeStop(c.opts.name, d, err)
	c.opts.logger.Info().
		Str(`name`, c.opts.name).
		Dur(`duration`, d).
		Err(err).
		Log(`loop stopped`)

	return err
}

// drain waits for pending work, up to the drain timeout
func (c *Controller) drain(s *session) {
	if c.opts.drainTimeout <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.drainTimeout)
	defer cancel()

	// stop waiting if the loop exits
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	if drainer, ok := c.loop.(Drainer); ok {
		err = drainer.Drain(ctx)
	} else {
		barrier := make(chan struct{})
		if err = c.loop.Submit(func() { close(barrier) }); err == nil {
			select {
			case <-barrier:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
	}

	if err != nil {
		c.opts.logger.Warning().
			Str(`name`, c.opts.name).
			Dur(`timeout`, c.opts.drainTimeout).
			Err(err).
			Log(`loop stopping without draining pending work`)
	}
}

// join waits for the loop goroutine to exit, bounded by the shutdown timeout
func (c *Controller) join(s *session) bool {
	if c.opts.shutdownTimeout < 0 {
		<-s.done
		return true
	}
	timer := time.NewTimer(c.opts.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// run is the loop goroutine.
func (c *Controller) run(ctx context.Context, s *session) {
	defer close(s.done)

	c.loopGoroutine.Store(goroutineID())
	defer c.loopGoroutine.Store(0)

	err := c.runLoop(ctx)

	if ctx.Err() != nil {
		// stopped by us, as expected
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		if err == nil {
			err = errLoopReturned
		}
		c.opts.logger.Err().
			Str(`name`, c.opts.name).
			Err(err).
			Log(`loop exited unexpectedly`)
	}

	s.err = err
}

func (c *Controller) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return c.loop.Run(ctx)
}

func (c *Controller) setState(state State) {
	c.state.Store(state)
	c.opts.metrics.setState(c.opts.name, state)
}
