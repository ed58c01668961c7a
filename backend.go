package sharedloop

import (
	"fmt"
	"slices"
	"sync"
)

const (
	// BackendBuiltin names the BuiltinLoop backend, which is the default.
	BackendBuiltin = "builtin"
	// BackendEventLoop names the EventLoop backend.
	BackendEventLoop = "eventloop"
)

// BackendFactory creates the Loop for a Config, see RegisterBackend.
type BackendFactory func(cfg Config) (Loop, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		BackendBuiltin:   newBuiltinBackend,
		BackendEventLoop: newEventLoopBackend,
	}

	defaultLoop = sync.OnceValue(func() *BuiltinLoop {
		return NewBuiltinLoop(&BuiltinLoopConfig{Name: globalName})
	})

	defaultManager = sync.OnceValue(func() *Manager {
		m, err := NewManager(DefaultLoop(), WithName(globalName))
		if err != nil {
			panic(err)
		}
		return m
	})
)

const globalName = "global"

// RegisterBackend makes a backend available by name, see Config.Backend.
// Registering an existing name replaces it. A panic will occur if name is
// empty, or factory is nil.
func RegisterBackend(name string, factory BackendFactory) {
	if name == "" {
		panic(`sharedloop: empty backend name`)
	}
	if factory == nil {
		panic(`sharedloop: nil backend factory`)
	}
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Backends returns the names of all registered backends, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultLoop returns the process-wide BuiltinLoop, used by the builtin
// backend when Config.UseGlobalLoop is set. It is run by DefaultManager.
//
// WARNING: Only one Controller may run a given Loop at a time. Use
// DefaultManager, rather than creating another Manager for this loop.
func DefaultLoop() *BuiltinLoop {
	return defaultLoop()
}

// DefaultManager returns the process-wide Manager, for DefaultLoop. It is
// shared by every Config.NewManager call with UseGlobalLoop set, for the
// builtin backend.
func DefaultManager() *Manager {
	return defaultManager()
}

// NewLoop creates the Loop for cfg, using the backend it names.
func NewLoop(cfg Config) (Loop, error) {
	name := cfg.Backend
	if name == "" {
		name = BackendBuiltin
	}

	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	return factory(cfg)
}

func newBuiltinBackend(cfg Config) (Loop, error) {
	if cfg.UseGlobalLoop {
		return DefaultLoop(), nil
	}
	return NewBuiltinLoop(&BuiltinLoopConfig{
		QueueSize: cfg.QueueSize,
		BatchSize: cfg.BatchSize,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Name:      cfg.Name,
	}), nil
}

func newEventLoopBackend(cfg Config) (Loop, error) {
	if cfg.UseGlobalLoop {
		cfg.Logger.Warning().
			Str(`backend`, BackendEventLoop).
			Log(`use_global_loop is not supported by this backend, ignoring`)
	}
	return NewEventLoop()
}
