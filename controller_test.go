package sharedloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewController_nilLoop(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error(`expected panic`)
		}
	}()
	_, _ = NewController(nil)
}

func TestNewController_invalidOption(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opt  Option
	}{
		{`empty name`, WithName(``)},
		{`negative drain timeout`, WithDrainTimeout(-1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewController(NewBuiltinLoop(nil), tc.opt)
			if err == nil || c != nil {
				t.Fatal(c, err)
			}
		})
	}
}

func TestController_startStop(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	loop := newCountingLoop()
	c, err := NewController(loop)
	require.NoError(t, err)

	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.IsRunning())

	// stop while stopped is a no-op
	require.NoError(t, c.Stop())

	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.IsRunning())

	// start while running is a no-op
	require.NoError(t, c.Start())
	assert.Equal(t, 1, loop.Runs())

	var onLoop bool
	runOnLoop(t, loop, func() { onLoop = c.OnLoop() })
	assert.True(t, onLoop)
	assert.False(t, c.OnLoop())

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, loop.IsRunning())

	require.NoError(t, c.Stop())

	// restartable
	require.NoError(t, c.Start())
	assert.Equal(t, 2, loop.Runs())
	require.NoError(t, c.Stop())
}

func TestController_Start_runError(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	cause := errors.New(`some error`)
	c, err := NewController(&funcLoop{
		run:    func(ctx context.Context) error { return cause },
		submit: func(task func()) error { return nil },
	})
	require.NoError(t, err)

	err = c.Start()
	assert.ErrorIs(t, err, ErrStartupFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateStopped, c.State())
}

func TestController_Start_submitError(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	cause := errors.New(`submit failed`)
	inner := NewBuiltinLoop(nil)
	c, err := NewController(&funcLoop{
		run:    inner.Run,
		submit: func(task func()) error { return cause },
	})
	require.NoError(t, err)

	err = c.Start()
	assert.ErrorIs(t, err, ErrStartupFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, inner.IsRunning())
}

func TestController_Start_runPanic(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	c, err := NewController(&funcLoop{
		run:    func(ctx context.Context) error { panic(`boom`) },
		submit: func(task func()) error { return nil },
	})
	require.NoError(t, err)

	err = c.Start()
	assert.ErrorIs(t, err, ErrStartupFailure)
	var panicErr PanicError
	if assert.ErrorAs(t, err, &panicErr) {
		assert.Equal(t, `boom`, panicErr.Value)
	}
	assert.Equal(t, StateStopped, c.State())
}

func TestController_Start_timeout(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	// never runs tasks
	c, err := NewController(&funcLoop{
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		submit: func(task func()) error { return nil },
	}, WithStartTimeout(time.Millisecond*50))
	require.NoError(t, err)

	startedAt := time.Now()
	err = c.Start()
	assert.ErrorIs(t, err, ErrStartupFailure)
	assert.GreaterOrEqual(t, time.Since(startedAt), time.Millisecond*50)
	assert.Equal(t, StateStopped, c.State())
}

func TestController_Start_recovers(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	inner := NewBuiltinLoop(nil)
	fail := true
	c, err := NewController(&funcLoop{
		run: func(ctx context.Context) error {
			if fail {
				return errors.New(`not yet`)
			}
			return inner.Run(ctx)
		},
		submit: inner.Submit,
	})
	require.NoError(t, err)

	require.ErrorIs(t, c.Start(), ErrStartupFailure)

	fail = false
	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	require.NoError(t, c.Stop())
}

func TestController_Stop_shutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c, err := NewController(hangingLoop(release), WithShutdownTimeout(time.Millisecond*50))
	require.NoError(t, err)

	require.NoError(t, c.Start())

	assert.ErrorIs(t, c.Stop(), ErrShutdownTimeout)
	assert.Equal(t, StateBroken, c.State())
	assert.False(t, c.IsRunning())

	assert.ErrorIs(t, c.Start(), ErrBroken)
	assert.ErrorIs(t, c.Stop(), ErrBroken)
}

func TestController_Stop_reentrant(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	loop := NewBuiltinLoop(nil)
	c, err := NewController(loop)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	var stopErr error
	runOnLoop(t, loop, func() { stopErr = c.stop() })
	assert.ErrorIs(t, stopErr, ErrReentrantStop)
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Stop())
}

func TestController_Stop_loopExited(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	inner := NewBuiltinLoop(nil)
	exit := make(chan struct{})
	c, err := NewController(&funcLoop{
		run: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-exit:
					cancel()
				case <-ctx.Done():
				}
			}()
			_ = inner.Run(ctx)
			return errors.New(`fatal`)
		},
		submit: inner.Submit,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	close(exit)
	time.Sleep(time.Millisecond * 50)

	// still considered running, until stopped
	assert.Equal(t, StateRunning, c.State())
	assert.ErrorIs(t, c.Start(), ErrLoopExited)

	err = c.Stop()
	assert.ErrorIs(t, err, ErrLoopExited)
	assert.Equal(t, StateStopped, c.State())
}

func TestController_Stop_drainBarrier(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	// no Drainer, so a barrier task is used
	inner := NewBuiltinLoop(nil)
	loop := &funcLoop{run: inner.Run, submit: inner.Submit}

	c, err := NewController(loop, WithDrainTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Start())

	var ran bool
	require.NoError(t, loop.Submit(func() {
		time.Sleep(time.Millisecond * 50)
		ran = true
	}))

	require.NoError(t, c.Stop())
	assert.True(t, ran)
}

func TestController_Start_sharedLoop(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	loop := NewBuiltinLoop(nil)
	c1, err := NewController(loop)
	require.NoError(t, err)
	c2, err := NewController(loop)
	require.NoError(t, err)

	require.NoError(t, c1.Start())

	// c1's goroutine may run c2's readiness task
	for range 50 {
		err := c2.Start()
		require.ErrorIs(t, err, ErrStartupFailure)
		assert.Equal(t, StateStopped, c2.State())
	}

	assert.Equal(t, StateRunning, c1.State())
	var onLoop bool
	runOnLoop(t, loop, func() { onLoop = c1.OnLoop() })
	assert.True(t, onLoop)

	require.NoError(t, c1.Stop())
	assert.False(t, loop.IsRunning())

	// c2 may run it, once c1 has stopped
	require.NoError(t, c2.Start())
	require.NoError(t, c2.Stop())
}
