package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/probe"
)

// DefaultInterval is the time between checks of one target.
const DefaultInterval = time.Second

// Sink receives the result of every executed tick. It is called from the
// check goroutine and must not block for long.
type Sink func(check.Result)

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithInterval sets the tick interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTicker replaces the tick source. Each task calls fn once.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newTicker = fn
		}
	}
}

// WithSkipHook registers fn to be called whenever a tick is skipped because
// the previous check is still running.
func WithSkipHook(fn func(check.TargetID)) Option {
	return func(s *Scheduler) {
		s.onSkip = fn
	}
}

type task struct {
	target check.Target
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	skipped  atomic.Int64
	checks   sync.WaitGroup
}

// Scheduler manages one periodic task per target ID.
//
// Targets may be added before or after [Scheduler.Start]; tasks added before
// Start begin running when it is called. All methods are safe for concurrent
// use.
type Scheduler struct {
	checker   probe.Checker
	sink      Sink
	interval  time.Duration
	logger    *zap.Logger
	newTicker func(time.Duration) Ticker
	onSkip    func(check.TargetID)

	mu      sync.Mutex
	tasks   map[check.TargetID]*task
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a [Scheduler] that checks targets with checker and hands
// results to sink. Panics inside checker are logged and become failure
// results.
func New(checker probe.Checker, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		checker:   checker,
		sink:      sink,
		interval:  DefaultInterval,
		logger:    zap.NewNop(),
		newTicker: newTimeTicker,
		tasks:     make(map[check.TargetID]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start launches every pending task and accepts new ones until
// [Scheduler.Stop].
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; if Stop was called first, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.tasks {
		s.launch(t)
	}
	s.logger.Info("scheduler_started",
		zap.Duration("interval", s.interval),
		zap.Int("targets", len(s.tasks)),
	)
}

// Stop cancels every task and waits for them, including in-flight checks.
//
// Stop is idempotent and safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Add schedules target. Adding an ID that is already scheduled, or adding
// after Stop, is a no-op. Add reports whether a new task was created.
func (s *Scheduler) Add(target check.Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.tasks[target.ID]; ok {
		return false
	}

	t := &task{target: target, done: make(chan struct{})}
	s.tasks[target.ID] = t
	if s.started {
		s.launch(t)
	}
	s.logger.Debug("task_added",
		zap.String("target_id", string(target.ID)),
		zap.String("url", target.URL),
	)
	return true
}

// Remove cancels the task for id and any check it has in flight. Once Remove
// returns, no further result for id reaches the sink. Remove reports whether
// a task existed.
func (s *Scheduler) Remove(id check.TargetID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	s.logger.Debug("task_removed", zap.String("target_id", string(id)))
	return true
}

// Len returns the number of scheduled targets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Targets returns the scheduled targets ordered by creation time.
func (s *Scheduler) Targets() []check.Target {
	s.mu.Lock()
	out := make([]check.Target, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.target)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Skipped returns how many ticks have been skipped for id.
func (s *Scheduler) Skipped(id check.TargetID) int64 {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return t.skipped.Load()
}

// InFlight reports whether a check for id is currently running.
func (s *Scheduler) InFlight(id check.TargetID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	return ok && t.inFlight.Load()
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, t)
	}()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.checks.Wait()

	ticker := s.newTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx, t)
		}
	}
}

// tick starts a check unless one is already running for the task.
//
// The in-flight flag is cleared only after the sink returns, so the next
// check for a target cannot overtake the previous result.
func (s *Scheduler) tick(ctx context.Context, t *task) {
	if !t.inFlight.CompareAndSwap(false, true) {
		n := t.skipped.Add(1)
		s.logger.Debug("tick_skipped",
			zap.String("target_id", string(t.target.ID)),
			zap.Int64("skipped_total", n),
		)
		if s.onSkip != nil {
			s.onSkip(t.target.ID)
		}
		return
	}

	t.checks.Add(1)
	go func() {
		defer t.checks.Done()
		defer t.inFlight.Store(false)

		result := s.safeCheck(ctx, t.target)
		if ctx.Err() != nil {
			// removed or stopped while checking
			return
		}
		s.sink(result)
	}()
}

// safeCheck calls the checker with panic recovery. A panicking checker
// yields a Failure result whose error carries a correlation ID that matches
// the logged stack trace.
func (s *Scheduler) safeCheck(ctx context.Context, target check.Target) (result check.Result) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error("checker_panicked",
				zap.String("target_id", string(target.ID)),
				zap.String("correlation_id", correlationID),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.ByteString("stack", debug.Stack()),
			)
			result = check.Result{
				TargetID:  target.ID,
				URL:       target.URL,
				Outcome:   check.Failure,
				Timestamp: time.Now().UTC(),
				Error:     "internal checker error (ref: " + correlationID + ")",
			}
		}
	}()
	return s.checker.Check(ctx, target)
}
