package pingstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/dashboard"
	"github.com/jpalmerr/pingstream/internal/hub"
	"github.com/jpalmerr/pingstream/internal/metrics"
	"github.com/jpalmerr/pingstream/internal/probe"
	"github.com/jpalmerr/pingstream/internal/registry"
	"github.com/jpalmerr/pingstream/internal/resultlog"
	"github.com/jpalmerr/pingstream/internal/scheduler"
	"github.com/jpalmerr/pingstream/internal/server"
)

const (
	defaultInterval   = scheduler.DefaultInterval
	defaultListen     = ":8080"
	defaultTitle      = "pingstream"
	defaultReplay     = 20
	maxDerivedTimeout = 10 * time.Second
)

// Registry errors, re-exported for callers of [Monitor.Register] and
// [Monitor.Remove].
var (
	ErrDuplicateTarget    = registry.ErrDuplicateTarget
	ErrStorageUnavailable = registry.ErrStorageUnavailable
	ErrTargetNotFound     = registry.ErrTargetNotFound
)

// ErrClosed is returned by operations on a closed [Monitor].
var ErrClosed = errors.New("monitor closed")

// Subscription is a live attachment to the result stream. Its channel is
// closed when the subscription ends.
type Subscription = hub.Subscription

// SubscriberID identifies a [Subscription].
type SubscriberID = hub.SubscriberID

// Monitor checks registered targets periodically and streams every result
// to its subscribers.
//
// A Monitor is created with [New], brought up with [Monitor.Open] (or
// [Monitor.Start], which also serves the dashboard) and released with
// [Monitor.Close].
type Monitor struct {
	title    string
	listen   string
	interval time.Duration
	timeout  time.Duration
	replay   int
	seeds    []string

	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	hub       *hub.Hub
	results   *resultlog.Log
	metrics   *metrics.Metrics
	checker   probe.Checker
	httpCheck *probe.HTTPChecker
	logger    *zap.Logger
	callbacks []func(check.Result)

	mu        sync.Mutex
	opened    bool
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a [Monitor] with the given options. Nothing is checked until
// [Monitor.Open] or [Monitor.Start] is called.
//
// Example:
//
//	m, err := pingstream.New(
//	    pingstream.WithTargets("https://example.com"),
//	    pingstream.WithInterval(5*time.Second),
//	)
func New(opts ...Option) (*Monitor, error) {
	cfg := &monitorConfig{
		title:            defaultTitle,
		listen:           defaultListen,
		interval:         defaultInterval,
		historySize:      resultlog.DefaultCapacity,
		replay:           defaultReplay,
		subscriberBuffer: hub.DefaultBuffer,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.replay > cfg.historySize {
		cfg.replay = cfg.historySize
	}

	logger := cfg.logger
	timeout := resolveTimeout(cfg.interval, cfg.timeout, logger)

	m := &Monitor{
		title:     cfg.title,
		listen:    cfg.listen,
		interval:  cfg.interval,
		timeout:   timeout,
		replay:    cfg.replay,
		seeds:     cfg.seeds,
		results:   resultlog.New(cfg.historySize),
		metrics:   metrics.New(),
		logger:    logger,
		callbacks: cfg.resultCallbacks,
	}

	checker := cfg.checker
	if checker == nil {
		m.httpCheck = probe.NewHTTPChecker(timeout)
		checker = m.httpCheck
	}
	m.checker = checker

	m.registry = registry.New(cfg.store,
		registry.WithPolicy(cfg.policy),
		registry.WithLogger(logger.Named("registry")),
	)
	m.hub = hub.New(
		hub.WithBuffer(cfg.subscriberBuffer),
		hub.WithLogger(logger.Named("hub")),
		hub.WithEvictHook(func(hub.SubscriberID, error) {
			m.metrics.SubscriberEvicted()
			m.metrics.SetSubscribers(m.hub.Len())
		}),
	)
	m.scheduler = scheduler.New(checker, m.handleResult,
		scheduler.WithInterval(cfg.interval),
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithSkipHook(func(check.TargetID) { m.metrics.TickSkipped() }),
	)
	return m, nil
}

// resolveTimeout derives the per-check timeout from the interval.
func resolveTimeout(interval, timeout time.Duration, logger *zap.Logger) time.Duration {
	derived := interval * 9 / 10
	if timeout <= 0 {
		return min(derived, maxDerivedTimeout)
	}
	if timeout >= interval {
		logger.Warn("check timeout not shorter than interval, clamping",
			zap.Duration("timeout", timeout),
			zap.Duration("interval", interval),
			zap.Duration("clamped", derived),
		)
		return derived
	}
	return timeout
}

// Open loads persisted targets, registers seed targets that are not yet
// present, and starts checking every target. It returns once all tasks are
// scheduled; checks continue until ctx is cancelled or [Monitor.Close].
//
// Open is idempotent. It fails if the store cannot be read.
func (m *Monitor) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.opened {
		return nil
	}

	targets, err := m.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range targets {
		m.scheduler.Add(t)
	}

	for _, url := range m.seeds {
		if _, ok := m.registry.FindByURL(url); ok {
			continue
		}
		t, err := m.registry.Register(ctx, url)
		if err != nil {
			if errors.Is(err, ErrDuplicateTarget) {
				continue
			}
			return fmt.Errorf("seed target %s: %w", url, err)
		}
		m.scheduler.Add(t)
	}

	m.scheduler.Start(ctx)
	m.opened = true
	m.metrics.SetTargets(m.registry.Len())

	m.logger.Info("monitor_opened",
		zap.Int("targets", m.registry.Len()),
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout),
		zap.String("duplicates", m.registry.Policy().String()),
	)
	return nil
}

// Start opens the monitor, serves the dashboard and API on the listen
// address, and blocks until ctx is cancelled. The monitor is closed before
// Start returns.
//
// Returns nil on graceful shutdown. Returns an error if the store cannot be
// read or the listener cannot be bound.
func (m *Monitor) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return m.Close()
	}
	if err := m.Open(ctx); err != nil {
		_ = m.Close()
		return err
	}

	srv := server.New(m, server.Config{
		Listen: m.listen,
		Title:  m.title,
		Replay: m.replay,
	}, dashboard.Assets, m.metrics.Handler(), m.logger.Named("server"))
	if err := srv.Start(ctx); err != nil {
		_ = m.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	m.logger.Info("dashboard_available", zap.String("addr", srv.Addr()))

	<-ctx.Done()
	if err := srv.Wait(); err != nil {
		m.logger.Error("http_server_shutdown_error", zap.Error(err))
	}
	err := m.Close()
	m.logger.Info("monitor_stopped")
	return err
}

// Close stops every check, detaches all subscribers and closes the store.
// A checker passed to [WithChecker] that implements io.Closer is closed too.
// Safe to call more than once; later calls return the first result.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.scheduler.Stop()
		m.hub.Close()
		m.metrics.SetSubscribers(0)
		if m.httpCheck != nil {
			m.httpCheck.Close()
		}

		var checkerErr error
		if c, ok := m.checker.(io.Closer); ok {
			checkerErr = c.Close()
		}
		m.closeErr = multierr.Combine(
			m.registry.Close(),
			checkerErr,
		)
	})
	return m.closeErr
}

// Register adds url as a new target and starts checking it.
//
// Register does not validate url; boundaries that accept user input should
// do so first.
func (m *Monitor) Register(ctx context.Context, url string) (check.Target, error) {
	if m.isClosed() {
		return check.Target{}, ErrClosed
	}
	t, err := m.registry.Register(ctx, url)
	if err != nil {
		return check.Target{}, err
	}
	m.scheduler.Add(t)
	m.metrics.SetTargets(m.registry.Len())
	return t, nil
}

// Remove stops checking the target with id and deletes it. No result for
// the target is delivered after Remove returns.
func (m *Monitor) Remove(ctx context.Context, id check.TargetID) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.registry.Remove(ctx, id); err != nil {
		return err
	}
	m.scheduler.Remove(id)
	m.results.Forget(id)
	m.metrics.SetTargets(m.registry.Len())
	return nil
}

// Targets returns every target ordered by creation time.
func (m *Monitor) Targets(ctx context.Context) []check.Target {
	return m.registry.List(ctx)
}

// Target returns the target with id.
func (m *Monitor) Target(ctx context.Context, id check.TargetID) (check.Target, error) {
	return m.registry.Get(ctx, id)
}

// Subscribe attaches a subscriber that receives every result matching
// filter from the next check onward.
func (m *Monitor) Subscribe(filter check.Filter) Subscription {
	sub := m.hub.Subscribe(filter)
	m.metrics.SetSubscribers(m.hub.Len())
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. Safe to call
// more than once.
func (m *Monitor) Unsubscribe(id SubscriberID) {
	m.hub.Unsubscribe(id)
	m.metrics.SetSubscribers(m.hub.Len())
}

// Recent returns up to n of the newest retained results matching filter,
// oldest first.
func (m *Monitor) Recent(filter check.Filter, n int) []check.Result {
	return m.results.Recent(filter, n)
}

// Latest returns the most recent result of every target that has one.
func (m *Monitor) Latest() []check.Result {
	return m.results.Latest()
}

// Skipped returns how many ticks were skipped for id because its previous
// check was still running.
func (m *Monitor) Skipped(id check.TargetID) int64 {
	return m.scheduler.Skipped(id)
}

// Interval returns the check interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Timeout returns the effective per-check timeout.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Listen returns the configured HTTP listen address.
func (m *Monitor) Listen() string {
	return m.listen
}

// MetricsHandler serves the monitor's Prometheus metrics.
func (m *Monitor) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// handleResult records, broadcasts and reports one check result.
func (m *Monitor) handleResult(r check.Result) {
	m.results.Append(r)
	m.metrics.ObserveResult(r)
	delivered := m.hub.Publish(r)

	for _, cb := range m.callbacks {
		invokeCallbackSafe(cb, r, m.logger)
	}

	fields := []zap.Field{
		zap.String("target_id", string(r.TargetID)),
		zap.String("url", r.URL),
		zap.String("outcome", r.Outcome.String()),
		zap.Int("status_code", r.StatusCode),
		zap.Int64("latency_ms", r.Latency.Milliseconds()),
		zap.Int("delivered", delivered),
	}
	if r.OK() {
		m.logger.Debug("check_completed", fields...)
	} else {
		m.logger.Info("check_failed", append(fields, zap.String("error", r.Error))...)
	}
}

// invokeCallbackSafe calls a result callback with panic recovery.
// Panics are logged with a correlation ID but do not propagate.
func invokeCallbackSafe(cb func(check.Result), r check.Result, logger *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("result_callback_panicked",
				zap.String("correlation_id", uuid.NewString()),
				zap.Any("panic", p),
				zap.String("target_id", string(r.TargetID)),
				zap.Stack("stack"),
			)
		}
	}()
	cb(r)
}
