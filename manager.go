package sharedloop

import (
	"runtime"
	"sync"
)

// Manager issues tokens, and guarantees that the loop is running while at
// least one token is outstanding, stopping it once the last token is
// released.
//
// All acquire and release operations are serialized, together with the start
// and stop transitions they trigger.
// Instances must be initialized using the NewManager factory.
type Manager struct {
	// Prevent copying
	_ [0]func()

	controller *Controller
	opts       *options

	// outstanding tokens, guarded by mu
	count int

	mu sync.Mutex
}

// NewManager initializes a new Manager, for the given Loop. A panic will occur
// if loop is nil.
//
// The loop is not started until the first call to Acquire.
func NewManager(loop Loop, opts ...Option) (*Manager, error) {
	controller, err := NewController(loop, opts...)
	if err != nil {
		return nil, err
	}
	return newManager(controller), nil
}

func newManager(controller *Controller) *Manager {
	m := &Manager{
		controller: controller,
		opts:       controller.opts,
	}
	m.opts.metrics.setTokens(m.opts.name, 0)
	return m
}

// Acquire increments the outstanding token count, starting the loop if it is
// the first token. The loop is running once this method returns successfully.
//
// If the loop fails to start, the count is rolled back, no token is issued,
// and the error (wrapping ErrStartupFailure) is returned. If the loop has
// exited on its own, ErrLoopExited is returned, until the outstanding tokens
// are released. Calling this method from the loop goroutine, while another
// goroutine is stopping the loop, will cause ErrReentrantAcquire.
func (m *Manager) Acquire() (*Token, error) {
	if err := m.lock(); err != nil {
		m.opts.metrics.observeAcquire(m.opts.name, err)
		return nil, err
	}
	defer m.mu.Unlock()

	if err := m.controller.start(); err != nil {
		m.opts.metrics.observeAcquire(m.opts.name, err)
		return nil, err
	}

	m.count++

	token := newToken(m)

	m.opts.metrics.observeAcquire(m.opts.name, nil)
	m.opts.metrics.setTokens(m.opts.name, m.count)
	m.opts.logger.Debug().
		Str(`name`, m.opts.name).
		Str(`token`, token.id.String()).
		Int(`count`, m.count).
		Log(`loop token acquired`)

	return token, nil
}

// Release releases the token, stopping the loop if it was the last
// outstanding token. Releasing a token more than once has no effect.
//
// A nil token, or a token issued by a different manager, will cause
// ErrForeignToken.
// Releasing the last token from the loop goroutine will cause
// ErrReentrantStop, and the token will remain outstanding, to be released
// later, from another goroutine.
// Any other error (e.g. ErrShutdownTimeout) does not prevent the token from
// being released.
func (m *Manager) Release(token *Token) error {
	if token == nil || token.manager != m {
		m.opts.metrics.observeRelease(m.opts.name, `foreign`)
		return ErrForeignToken
	}

	if token.released.Load() {
		return m.releaseDuplicate(token)
	}

	if err := m.lock(); err != nil {
		// stopping implies every token has been released
		if token.released.Load() {
			return m.releaseDuplicate(token)
		}
		m.opts.metrics.observeRelease(m.opts.name, `error`)
		return ErrReentrantStop
	}
	defer m.mu.Unlock()

	if token.released.Load() {
		return m.releaseDuplicate(token)
	}

	if m.count == 1 && m.controller.reentrant() {
		m.opts.metrics.observeRelease(m.opts.name, `error`)
		return ErrReentrantStop
	}

	token.released.Store(true)
	m.count--

	if m.count == 0 {
		if err := m.controller.stop(); err != nil {
			m.opts.metrics.observeRelease(m.opts.name, `error`)
			m.opts.metrics.setTokens(m.opts.name, m.count)
			return err
		}
	}

	m.opts.metrics.observeRelease(m.opts.name, `released`)
	m.opts.metrics.setTokens(m.opts.name, m.count)
	m.opts.logger.Debug().
		Str(`name`, m.opts.name).
		Str(`token`, token.id.String()).
		Int(`count`, m.count).
		Log(`loop token released`)

	return nil
}

func (m *Manager) releaseDuplicate(token *Token) error {
	m.opts.metrics.observeRelease(m.opts.name, `duplicate`)
	m.opts.logger.Debug().
		Str(`name`, m.opts.name).
		Str(`token`, token.id.String()).
		Log(`loop token already released`)
	return nil
}

// lock locks mu, or fails with ErrReentrantAcquire if called from the loop
// goroutine while another goroutine is stopping the loop (and joining the
// caller).
func (m *Manager) lock() error {
	if !m.controller.OnLoop() {
		m.mu.Lock()
		return nil
	}
	for !m.mu.TryLock() {
		if m.controller.State() == StateStopping {
			return ErrReentrantAcquire
		}
		runtime.Gosched()
	}
	return nil
}

// Do acquires a token, and calls fn, releasing the token once fn returns or
// panics. Errors from fn and the release are joined, see errors.Join.
func (m *Manager) Do(fn func(token *Token) error) error {
	token, err := m.Acquire()
	if err != nil {
		return err
	}
	return token.Do(func() error { return fn(token) })
}

// Count returns the number of outstanding tokens.
func (m *Manager) Count() int {
	if m.lock() != nil {
		// stopping
		return 0
	}
	defer m.mu.Unlock()
	return m.count
}

// IsRunning reports whether the loop is running. It is advisory only.
func (m *Manager) IsRunning() bool {
	return m.controller.IsRunning()
}

// State returns the state of the underlying Controller. It is advisory only.
func (m *Manager) State() State {
	return m.controller.State()
}

// Loop returns the underlying Loop. Work should only be submitted while a
// token is held.
func (m *Manager) Loop() Loop {
	return m.controller.Loop()
}

// Controller returns the underlying Controller.
//
// WARNING: Starting or stopping the controller directly breaks the guarantees
// provided by the Manager.
func (m *Manager) Controller() *Controller {
	return m.controller
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (m *Manager) OnLoop() bool {
	return m.controller.OnLoop()
}
