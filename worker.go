package sharedloop

import (
	"context"
	"errors"
	"sync"
)

type (
	// Preparer may be implemented by worker hooks, see Worker.Prepare.
	Preparer interface {
		Prepare() error
	}

	// Starter may be implemented by worker hooks, see Worker.Start.
	Starter interface {
		Start() error
	}

	// Pauser may be implemented by worker hooks, see Worker.Pause.
	Pauser interface {
		Pause() error
	}

	// Stopper may be implemented by worker hooks, see Worker.Stop.
	Stopper interface {
		Stop() error
	}

	// Cleaner may be implemented by worker hooks, see Worker.Cleanup.
	Cleaner interface {
		Cleanup(cause error) error
	}

	// Worker adapts hooks to a prepare, start, pause, stop, and cleanup
	// lifecycle, such as that of a service supervisor.
	//
	// The hooks value may implement any of Preparer, Starter, Pauser,
	// Stopper, and Cleaner. Each hook is run on the loop, and must not block.
	// The loop is kept running from Prepare until Stop or Cleanup.
	// Instances must be initialized using the NewWorker factory.
	Worker struct {
		// Prevent copying
		_ [0]func()

		manager *Manager
		hooks   any

		// held from Prepare, guarded by mu
		token *Token

		mu sync.Mutex
	}
)

// NewWorker initializes a new Worker. A panic will occur if manager is nil.
func NewWorker(manager *Manager, hooks any) *Worker {
	if manager == nil {
		panic(`sharedloop: nil manager`)
	}
	return &Worker{
		manager: manager,
		hooks:   hooks,
	}
}

// Prepare acquires a token, keeping the loop running, then runs the Prepare
// hook. The token is kept even if the hook fails, see Cleanup.
func (x *Worker) Prepare(ctx context.Context) error {
	if err := x.acquire(); err != nil {
		return err
	}
	hook, ok := x.hooks.(Preparer)
	if !ok {
		return nil
	}
	return x.await(ctx, hook.Prepare)
}

// Start runs the Start hook.
func (x *Worker) Start(ctx context.Context) error {
	hook, ok := x.hooks.(Starter)
	if !ok {
		return nil
	}
	return x.await(ctx, hook.Start)
}

// Pause runs the Pause hook.
func (x *Worker) Pause(ctx context.Context) error {
	hook, ok := x.hooks.(Pauser)
	if !ok {
		return nil
	}
	return x.await(ctx, hook.Pause)
}

// Stop runs the Stop hook, then releases the token acquired by Prepare.
func (x *Worker) Stop(ctx context.Context) error {
	var err error
	if hook, ok := x.hooks.(Stopper); ok {
		err = x.await(ctx, hook.Stop)
	}
	return errors.Join(err, x.release())
}

// Cleanup runs the Cleanup hook, with the error that caused the worker to
// terminate, if any, then releases the token acquired by Prepare, if Stop
// didn't already.
func (x *Worker) Cleanup(ctx context.Context, cause error) (err error) {
	defer func() {
		err = errors.Join(err, x.release())
	}()
	hook, ok := x.hooks.(Cleaner)
	if !ok {
		return nil
	}
	return x.await(ctx, func() error { return hook.Cleanup(cause) })
}

func (x *Worker) await(ctx context.Context, fn func() error) error {
	_, err := Await(ctx, x.manager, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (x *Worker) acquire() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.token != nil && !x.token.Released() {
		return nil
	}
	token, err := x.manager.Acquire()
	if err != nil {
		return err
	}
	x.token = token
	return nil
}

func (x *Worker) release() error {
	x.mu.Lock()
	token := x.token
	x.mu.Unlock()
	if token == nil {
		return nil
	}
	// releasing more than once has no effect
	return token.Release()
}
