package sharedloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultStartTimeout    = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultName            = "default"
)

// options holds configuration for Controller and Manager instances.
type options struct {
	logger          *logiface.Logger[logiface.Event]
	metrics         *Metrics
	name            string
	startTimeout    time.Duration
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
}

// Option configures a Controller or Manager. Options are applied during
// construction.
type Option interface {
	applyOption(*options) error
}

// optionImpl implements Option via a closure.
type optionImpl struct {
	fn func(*options) error
}

func (o *optionImpl) applyOption(opts *options) error {
	return o.fn(opts)
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{fn: func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics configures prometheus metrics, see NewMetrics. The same Metrics
// may be shared by multiple managers, distinguished by WithName.
func WithMetrics(metrics *Metrics) Option {
	return &optionImpl{fn: func(opts *options) error {
		opts.metrics = metrics
		return nil
	}}
}

// WithName sets the name used to label logs and metrics.
// Defaults to "default".
func WithName(name string) Option {
	return &optionImpl{fn: func(opts *options) error {
		if name == "" {
			return errors.New("sharedloop: name must not be empty")
		}
		opts.name = name
		return nil
	}}
}

// WithStartTimeout bounds how long Start waits for the loop to become live.
// Defaults to 5s, if 0. Disabled (unbounded) if negative.
func WithStartTimeout(d time.Duration) Option {
	return &optionImpl{fn: func(opts *options) error {
		opts.startTimeout = d
		return nil
	}}
}

// WithShutdownTimeout bounds how long Stop waits for the loop goroutine to
// exit, after it has been signaled. Exceeding it is fatal, see
// ErrShutdownTimeout. Defaults to 5s, if 0. Disabled (unbounded) if negative.
func WithShutdownTimeout(d time.Duration) Option {
	return &optionImpl{fn: func(opts *options) error {
		opts.shutdownTimeout = d
		return nil
	}}
}

// WithDrainTimeout sets how long Stop waits for previously submitted tasks to
// run, before signaling the loop to stop. Defaults to 0, which stops the loop
// without waiting. What happens to tasks that were not run is up to the Loop
// implementation, e.g. BuiltinLoop keeps them queued for the next run.
func WithDrainTimeout(d time.Duration) Option {
	return &optionImpl{fn: func(opts *options) error {
		if d < 0 {
			return errors.New("sharedloop: drain timeout must not be negative")
		}
		opts.drainTimeout = d
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := options{
		name:            defaultName,
		startTimeout:    defaultStartTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.startTimeout == 0 {
		cfg.startTimeout = defaultStartTimeout
	}
	if cfg.shutdownTimeout == 0 {
		cfg.shutdownTimeout = defaultShutdownTimeout
	}
	return &cfg, nil
}
