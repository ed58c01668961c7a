package sharedloop

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

// Config models the configuration of a Manager and its Loop, as it may be
// loaded from a file or the environment.
//
// The zero value is valid, and uses the builtin backend.
type Config struct {
	// Logger is passed to the loop and manager. Optional.
	Logger *logiface.Logger[logiface.Event]

	// Metrics is passed to the loop and manager. Optional.
	Metrics *Metrics

	// Backend names the Loop implementation, see RegisterBackend.
	// Defaults to "builtin".
	Backend string

	// Name labels logs and metrics, see WithName.
	Name string

	// StopTimeout is how long stopping the loop waits for pending work, see
	// WithDrainTimeout.
	StopTimeout time.Duration

	// StartTimeout, see WithStartTimeout.
	StartTimeout time.Duration

	// ShutdownTimeout, see WithShutdownTimeout.
	ShutdownTimeout time.Duration

	// QueueSize is passed to the builtin backend, see BuiltinLoopConfig.
	QueueSize int

	// BatchSize is passed to the builtin backend, see BuiltinLoopConfig.
	BatchSize int

	// UseGlobalLoop selects the process-wide loop, if the backend has one,
	// see DefaultLoop.
	UseGlobalLoop bool
}

var configKeys = []string{
	"backend",
	"batch_size",
	"name",
	"queue_size",
	"shutdown_timeout",
	"start_timeout",
	"stop_timeout",
	"use_global_loop",
}

// ParseConfig parses string key/value configuration, e.g. from an ini file.
// Durations may be given in Go syntax ("1.5s"), or as a number of seconds
// ("1.5"). Unknown keys are rejected. Errors wrap ErrInvalidConfig.
func ParseConfig(values map[string]string) (Config, error) {
	var (
		cfg  Config
		errs []error
	)

	for key, value := range values {
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "backend":
			cfg.Backend = value
		case "name":
			cfg.Name = value
		case "use_global_loop":
			cfg.UseGlobalLoop, err = strconv.ParseBool(value)
		case "stop_timeout":
			cfg.StopTimeout, err = parseDuration(value)
			if err == nil && cfg.StopTimeout < 0 {
				err = errors.New("must not be negative")
			}
		case "start_timeout":
			cfg.StartTimeout, err = parseDuration(value)
		case "shutdown_timeout":
			cfg.ShutdownTimeout, err = parseDuration(value)
		case "queue_size":
			cfg.QueueSize, err = strconv.Atoi(value)
		case "batch_size":
			cfg.BatchSize, err = strconv.Atoi(value)
		default:
			err = fmt.Errorf("unknown key, expected one of %s", strings.Join(configKeys, ", "))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err))
		}
	}

	if len(errs) != 0 {
		// map iteration order is random
		slices.SortFunc(errs, func(a, b error) int {
			return strings.Compare(a.Error(), b.Error())
		})
		return Config{}, errors.Join(errs...)
	}

	return cfg, nil
}

// LoadConfig reads a YAML file, consisting of a flat mapping, using the same
// keys and value formats as ParseConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return ParseConfig(values)
}

// ConfigFromEnv loads configuration from SHAREDLOOP_* environment variables,
// e.g. SHAREDLOOP_BACKEND=eventloop, or SHAREDLOOP_STOP_TIMEOUT=1s. It is not
// an error if none are set.
func ConfigFromEnv() (Config, error) {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if env.StopTimeout < 0 {
		return Config{}, fmt.Errorf("%w: SHAREDLOOP_STOP_TIMEOUT: must not be negative", ErrInvalidConfig)
	}
	return Config{
		Backend:         env.Backend,
		Name:            env.Name,
		StopTimeout:     env.StopTimeout,
		StartTimeout:    env.StartTimeout,
		ShutdownTimeout: env.ShutdownTimeout,
		QueueSize:       env.QueueSize,
		BatchSize:       env.BatchSize,
		UseGlobalLoop:   env.UseGlobalLoop,
	}, nil
}

type envConfig struct {
	Backend         string        `env:"SHAREDLOOP_BACKEND"`
	Name            string        `env:"SHAREDLOOP_NAME"`
	StopTimeout     time.Duration `env:"SHAREDLOOP_STOP_TIMEOUT"`
	StartTimeout    time.Duration `env:"SHAREDLOOP_START_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"SHAREDLOOP_SHUTDOWN_TIMEOUT"`
	QueueSize       int           `env:"SHAREDLOOP_QUEUE_SIZE"`
	BatchSize       int           `env:"SHAREDLOOP_BATCH_SIZE"`
	UseGlobalLoop   bool          `env:"SHAREDLOOP_USE_GLOBAL_LOOP"`
}

// Options returns the options described by cfg.
func (cfg Config) Options() []Option {
	opts := []Option{
		WithLogger(cfg.Logger),
		WithMetrics(cfg.Metrics),
		WithDrainTimeout(cfg.StopTimeout),
		WithStartTimeout(cfg.StartTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, WithName(cfg.Name))
	}
	return opts
}

// NewManager creates the configured Loop (see NewLoop), and a Manager for
// it. Any opts are applied after those of the Config.
//
// If UseGlobalLoop is set, and the backend is builtin, DefaultManager is
// returned, and all other fields (and opts) are ignored.
func (cfg Config) NewManager(opts ...Option) (*Manager, error) {
	if cfg.UseGlobalLoop && (cfg.Backend == "" || cfg.Backend == BackendBuiltin) {
		if len(opts) != 0 || cfg.Name != "" {
			cfg.Logger.Debug().
				Str(`name`, cfg.Name).
				Log(`use_global_loop set, ignoring manager options`)
		}
		return DefaultManager(), nil
	}
	loop, err := NewLoop(cfg)
	if err != nil {
		return nil, err
	}
	return NewManager(loop, append(cfg.Options(), opts...)...)
}

func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || math.Abs(seconds) > math.MaxInt64/float64(time.Second) {
			return 0, errors.New("duration out of range")
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}
