package pingstream

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/probe"
	"github.com/jpalmerr/pingstream/internal/registry"
)

// Store persists monitored targets. See [WithStore].
type Store = registry.Store

// Checker performs a single reachability check. See [WithChecker].
type Checker = probe.Checker

// DuplicatePolicy decides whether the same URL may be registered twice.
type DuplicatePolicy = registry.DuplicatePolicy

// Duplicate policies.
const (
	AllowDuplicates  = registry.AllowDuplicates
	RejectDuplicates = registry.RejectDuplicates
)

// monitorConfig holds mutable state during Monitor construction.
type monitorConfig struct {
	title            string
	listen           string
	interval         time.Duration
	timeout          time.Duration
	policy           DuplicatePolicy
	store            Store
	checker          Checker
	historySize      int
	replay           int
	subscriberBuffer int
	seeds            []string
	logger           *zap.Logger
	resultCallbacks  []func(check.Result)
}

// Option is a function that configures a [Monitor] during construction.
//
// Options return an error if validation fails.
type Option func(*monitorConfig) error

// WithInterval sets the time between checks of one target. Defaults to 1s.
//
// Returns an error if the duration is zero or negative.
func WithInterval(d time.Duration) Option {
	return func(cfg *monitorConfig) error {
		if d <= 0 {
			return errors.New("check interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithTimeout bounds a single check.
//
// When unset the timeout is 90% of the interval, capped at 10s. A timeout
// that is not shorter than the interval is clamped to 90% of the interval
// and a warning is logged.
//
// Returns an error if the duration is negative.
func WithTimeout(d time.Duration) Option {
	return func(cfg *monitorConfig) error {
		if d < 0 {
			return errors.New("check timeout cannot be negative")
		}
		cfg.timeout = d
		return nil
	}
}

// WithStore sets where targets are persisted. Defaults to process memory.
//
// Returns an error if the store is nil.
func WithStore(s Store) Option {
	return func(cfg *monitorConfig) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		cfg.store = s
		return nil
	}
}

// WithDuplicatePolicy sets whether a URL may be registered more than once.
// Defaults to [AllowDuplicates].
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(cfg *monitorConfig) error {
		cfg.policy = p
		return nil
	}
}

// WithChecker replaces the HTTP checker.
//
// Returns an error if the checker is nil.
func WithChecker(c Checker) Option {
	return func(cfg *monitorConfig) error {
		if c == nil {
			return errors.New("checker cannot be nil")
		}
		cfg.checker = c
		return nil
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
//
// Returns an error if the logger is nil.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *monitorConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithResultCallback registers a function called with every check result.
//
// Callbacks run on the check goroutine of the target that produced the
// result, after the result is recorded and broadcast. They must not block.
// Panics are recovered and logged. Nil callbacks are ignored.
func WithResultCallback(cb func(check.Result)) Option {
	return func(cfg *monitorConfig) error {
		if cb != nil {
			cfg.resultCallbacks = append(cfg.resultCallbacks, cb)
		}
		return nil
	}
}

// WithTitle sets the dashboard title.
func WithTitle(title string) Option {
	return func(cfg *monitorConfig) error {
		cfg.title = title
		return nil
	}
}

// WithListen sets the HTTP listen address used by [Monitor.Start].
// Defaults to ":8080".
func WithListen(addr string) Option {
	return func(cfg *monitorConfig) error {
		if addr == "" {
			return errors.New("listen address cannot be empty")
		}
		cfg.listen = addr
		return nil
	}
}

// WithHistorySize sets how many results the in-memory log keeps.
//
// Returns an error if n is not positive.
func WithHistorySize(n int) Option {
	return func(cfg *monitorConfig) error {
		if n <= 0 {
			return errors.New("history size must be positive")
		}
		cfg.historySize = n
		return nil
	}
}

// WithReplay sets how many recent results a new stream subscriber receives
// before live results. Zero disables replay.
//
// Returns an error if n is negative.
func WithReplay(n int) Option {
	return func(cfg *monitorConfig) error {
		if n < 0 {
			return errors.New("replay cannot be negative")
		}
		cfg.replay = n
		return nil
	}
}

// WithSubscriberBuffer sets the per-subscriber buffer. A subscriber that
// falls this far behind is disconnected.
//
// Returns an error if n is not positive.
func WithSubscriberBuffer(n int) Option {
	return func(cfg *monitorConfig) error {
		if n <= 0 {
			return errors.New("subscriber buffer must be positive")
		}
		cfg.subscriberBuffer = n
		return nil
	}
}

// WithTargets seeds URLs at startup. A seed already present in the store is
// not registered again, so restarts do not duplicate seeds.
func WithTargets(urls ...string) Option {
	return func(cfg *monitorConfig) error {
		for _, u := range urls {
			if u == "" {
				return errors.New("target url cannot be empty")
			}
		}
		cfg.seeds = append(cfg.seeds, urls...)
		return nil
	}
}
