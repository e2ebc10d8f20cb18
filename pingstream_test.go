package pingstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/probe"
	"github.com/jpalmerr/pingstream/internal/registry"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	m, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func openMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	m := newMonitor(t, opts...)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m
}

func receive(t *testing.T, sub Subscription, timeout time.Duration) check.Result {
	t.Helper()
	select {
	case r, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return r
	case <-time.After(timeout):
		t.Fatal("no result within timeout")
	}
	return check.Result{}
}

// TestMonitor_FirstResultWithinInterval registers one URL and expects an
// "all" subscriber to see exactly one result for it within one interval.
func TestMonitor_FirstResultWithinInterval(t *testing.T) {
	ts := okServer(t)
	interval := 500 * time.Millisecond
	m := openMonitor(t, WithInterval(interval))

	sub := m.Subscribe(check.All())
	start := time.Now()
	target, err := m.Register(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got := receive(t, sub, interval)
	if got.URL != ts.URL || got.TargetID != target.ID {
		t.Errorf("result = %+v, want %s", got, ts.URL)
	}
	if !got.Outcome.Valid() || got.Outcome != check.Success {
		t.Errorf("Outcome = %q, want Success", got.Outcome)
	}

	// nothing else is due before the first interval has elapsed
	select {
	case extra := <-sub.C:
		if time.Since(start) < interval*8/10 {
			t.Errorf("second result %+v arrived %v after register", extra, time.Since(start))
		}
	case <-time.After(interval / 2):
	}
}

// TestMonitor_FilteredSubscriberIsolation runs two targets for ten intervals
// and checks a subscriber filtered to B never sees A.
func TestMonitor_FilteredSubscriberIsolation(t *testing.T) {
	a, b := okServer(t), okServer(t)
	m := openMonitor(t, WithInterval(30*time.Millisecond))

	ta, err := m.Register(context.Background(), a.URL)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := m.Register(context.Background(), b.URL)
	if err != nil {
		t.Fatal(err)
	}

	onlyB := m.Subscribe(check.Only(tb.ID))
	all := m.Subscribe(check.All())

	for i := 0; i < 10; i++ {
		r := receive(t, onlyB, 2*time.Second)
		if r.TargetID != tb.ID {
			t.Fatalf("filtered subscriber got %s, want only %s", r.TargetID, tb.ID)
		}
	}

	seen := map[check.TargetID]bool{}
	for len(seen) < 2 {
		seen[receive(t, all, 2*time.Second).TargetID] = true
	}
	if !seen[ta.ID] || !seen[tb.ID] {
		t.Errorf("all subscriber saw %v, want both targets", seen)
	}
}

// TestMonitor_SlowCheckSkipsTicks uses a checker that takes three intervals
// and expects skipped ticks rather than overlapping checks.
func TestMonitor_SlowCheckSkipsTicks(t *testing.T) {
	interval := 40 * time.Millisecond
	var inFlight, maxInFlight atomic.Int32
	slow := probe.CheckerFunc(func(ctx context.Context, target check.Target) check.Result {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-time.After(3 * interval):
		case <-ctx.Done():
		}
		return check.Result{TargetID: target.ID, URL: target.URL, Outcome: check.Success, Timestamp: time.Now()}
	})

	m := openMonitor(t, WithInterval(interval), WithChecker(slow))
	target, err := m.Register(context.Background(), "http://slow.example")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * interval)

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent checks = %d, want 1", got)
	}
	if got := m.Skipped(target.ID); got < 2 {
		t.Errorf("Skipped() = %d, want at least 2", got)
	}
}

func TestMonitor_DuplicatePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("allow", func(t *testing.T) {
		m := openMonitor(t, WithChecker(probe.CheckerFunc(stubSuccess)))
		first, err := m.Register(ctx, "http://example.com")
		if err != nil {
			t.Fatal(err)
		}
		second, err := m.Register(ctx, "http://example.com")
		if err != nil {
			t.Fatalf("second Register() error = %v", err)
		}
		if first.ID == second.ID {
			t.Error("duplicate registration reused the target ID")
		}
		if n := len(m.Targets(ctx)); n != 2 {
			t.Errorf("Targets() = %d, want 2", n)
		}
	})

	t.Run("reject", func(t *testing.T) {
		m := openMonitor(t,
			WithChecker(probe.CheckerFunc(stubSuccess)),
			WithDuplicatePolicy(RejectDuplicates),
		)
		if _, err := m.Register(ctx, "http://example.com"); err != nil {
			t.Fatal(err)
		}
		_, err := m.Register(ctx, "http://example.com")
		if !errors.Is(err, ErrDuplicateTarget) {
			t.Errorf("second Register() error = %v, want ErrDuplicateTarget", err)
		}
		if n := len(m.Targets(ctx)); n != 1 {
			t.Errorf("Targets() = %d, want 1", n)
		}
	})
}

func stubSuccess(_ context.Context, target check.Target) check.Result {
	return check.Result{TargetID: target.ID, URL: target.URL, Outcome: check.Success, Timestamp: time.Now()}
}

// TestMonitor_RemoveStopsResults verifies nothing for a removed target is
// delivered once Remove has returned.
func TestMonitor_RemoveStopsResults(t *testing.T) {
	interval := 20 * time.Millisecond
	m := openMonitor(t, WithInterval(interval), WithChecker(probe.CheckerFunc(stubSuccess)))
	ctx := context.Background()

	target, err := m.Register(ctx, "http://gone.example")
	if err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(check.Only(target.ID))
	receive(t, sub, time.Second)

	if err := m.Remove(ctx, target.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	// drain what was buffered before Remove returned
	for len(sub.C) > 0 {
		<-sub.C
	}

	select {
	case r := <-sub.C:
		t.Errorf("result after Remove: %+v", r)
	case <-time.After(5 * interval):
	}

	if _, err := m.Target(ctx, target.ID); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("Target() error = %v, want ErrTargetNotFound", err)
	}
	if err := m.Remove(ctx, target.ID); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("second Remove() error = %v, want ErrTargetNotFound", err)
	}
	if got := m.Recent(check.Only(target.ID), 0); len(got) != 0 {
		t.Errorf("Recent() after Remove = %d results, want 0", len(got))
	}
	for _, r := range m.Recent(check.All(), 100) {
		if r.TargetID == target.ID {
			t.Fatalf("Recent(all) still holds removed target: %+v", r)
		}
	}
	for _, r := range m.Latest() {
		if r.TargetID == target.ID {
			t.Fatalf("Latest() still holds removed target: %+v", r)
		}
	}
}

// TestMonitor_SeedsAreIdempotent reopens a monitor over the same store and
// checks the seed is not registered twice.
func TestMonitor_SeedsAreIdempotent(t *testing.T) {
	store := registry.NewMemoryStore(false)
	seed := "http://seed.example"

	for i := 0; i < 2; i++ {
		m, err := New(
			WithStore(store),
			WithTargets(seed),
			WithChecker(probe.CheckerFunc(stubSuccess)),
		)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Open(context.Background()); err != nil {
			t.Fatalf("run %d: Open() error = %v", i+1, err)
		}
		targets := m.Targets(context.Background())
		if len(targets) != 1 || targets[0].URL != seed {
			t.Errorf("run %d: targets = %+v, want the single seed", i+1, targets)
		}
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

// TestMonitor_OpenRestoresPersistedTargets verifies stored targets are
// checked after Open without being registered again.
func TestMonitor_OpenRestoresPersistedTargets(t *testing.T) {
	ts := okServer(t)
	store := registry.NewMemoryStore(false)
	persisted := check.NewTarget(ts.URL)
	if err := store.Save(context.Background(), persisted); err != nil {
		t.Fatal(err)
	}

	results := make(chan check.Result, 10)
	m := newMonitor(t,
		WithStore(store),
		WithInterval(time.Second),
		WithResultCallback(func(r check.Result) { results <- r }),
	)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	select {
	case r := <-results:
		if r.TargetID != persisted.ID {
			t.Errorf("result for %s, want %s", r.TargetID, persisted.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persisted target was not checked")
	}
}

type brokenStore struct{}

func (brokenStore) Save(context.Context, check.Target) error { return errors.New("down") }
func (brokenStore) LoadAll(context.Context) ([]check.Target, error) {
	return nil, errors.New("down")
}
func (brokenStore) Delete(context.Context, check.TargetID) error { return errors.New("down") }
func (brokenStore) Close() error                                 { return nil }

func TestMonitor_OpenFailsWhenStoreUnavailable(t *testing.T) {
	m := newMonitor(t, WithStore(brokenStore{}))

	err := m.Open(context.Background())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Open() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestMonitor_CallbacksReceiveResults(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	var once sync.Once

	m := openMonitor(t,
		WithChecker(probe.CheckerFunc(stubSuccess)),
		WithResultCallback(func(check.Result) {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
		}),
		WithResultCallback(func(r check.Result) {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			once.Do(func() { close(done) })
		}),
	)
	if _, err := m.Register(context.Background(), "http://example.com"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("callback order = %v, want registration order", order)
	}
}

// TestMonitor_CallbackPanicRecovery verifies a panicking callback is logged
// and later callbacks still run.
func TestMonitor_CallbackPanicRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	called := make(chan struct{}, 10)

	m := openMonitor(t,
		WithLogger(zap.New(core)),
		WithChecker(probe.CheckerFunc(stubSuccess)),
		WithResultCallback(func(check.Result) { panic("intentional test panic") }),
		WithResultCallback(func(check.Result) { called <- struct{}{} }),
	)
	if _, err := m.Register(context.Background(), "http://example.com"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("subsequent callbacks should still run after panic")
	}

	panics := logs.FilterMessage("result_callback_panicked").All()
	if len(panics) == 0 {
		t.Fatal("panic should have been logged")
	}
	if id, ok := panics[0].ContextMap()["correlation_id"].(string); !ok || id == "" {
		t.Errorf("correlation_id = %v, want non-empty", panics[0].ContextMap()["correlation_id"])
	}
}

func TestMonitor_LatestAndRecent(t *testing.T) {
	m := openMonitor(t, WithInterval(20*time.Millisecond), WithChecker(probe.CheckerFunc(stubSuccess)))
	target, err := m.Register(context.Background(), "http://example.com")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(m.Recent(check.Only(target.ID), 0)) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("fewer than 3 results recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	latest := m.Latest()
	if len(latest) != 1 || latest[0].TargetID != target.ID {
		t.Errorf("Latest() = %+v", latest)
	}
	recent := m.Recent(check.All(), 2)
	if len(recent) != 2 || recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Errorf("Recent() = %+v, want 2 oldest first", recent)
	}
}

func TestMonitor_MetricsHandler(t *testing.T) {
	m := openMonitor(t, WithChecker(probe.CheckerFunc(stubSuccess)))
	if _, err := m.Register(context.Background(), "http://example.com"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), "pingstream_targets 1") {
		t.Errorf("metrics missing target gauge:\n%s", body)
	}
}

func TestMonitor_CloseIsIdempotent(t *testing.T) {
	m := openMonitor(t, WithChecker(probe.CheckerFunc(stubSuccess)))
	sub := m.Subscribe(check.All())

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case _, ok := <-sub.C:
		if ok {
			// a result buffered before Close is fine; the channel must still close
			for range sub.C {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by Close")
	}

	if _, err := m.Register(context.Background(), "http://example.com"); !errors.Is(err, ErrClosed) {
		t.Errorf("Register() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after Close error = %v, want ErrClosed", err)
	}
}

func TestResolveTimeout(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
		want     time.Duration
	}{
		{"derived from interval", time.Second, 0, 900 * time.Millisecond},
		{"derived is capped", time.Minute, 0, 10 * time.Second},
		{"explicit shorter", 5 * time.Second, 2 * time.Second, 2 * time.Second},
		{"explicit equal is clamped", time.Second, time.Second, 900 * time.Millisecond},
		{"explicit longer is clamped", time.Second, 3 * time.Second, 900 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveTimeout(tt.interval, tt.timeout, zap.NewNop()); got != tt.want {
				t.Errorf("resolveTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestStart_BlocksUntilContextCancelled verifies Start serves until its
// context ends and then returns nil.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	m := newMonitor(t,
		WithListen("127.0.0.1:0"),
		WithChecker(probe.CheckerFunc(stubSuccess)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	m := newMonitor(t, WithListen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return with already-cancelled context")
	}
}

func TestStart_BindFailure(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	m := newMonitor(t, WithListen(strings.TrimPrefix(busy.URL, "http://")))
	err := m.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to start HTTP server") {
		t.Errorf("Start() error = %v, want bind failure", err)
	}
}

type closingChecker struct {
	closed atomic.Bool
	err    error
}

func (c *closingChecker) Check(_ context.Context, target check.Target) check.Result {
	return stubSuccess(context.Background(), target)
}

func (c *closingChecker) Close() error {
	c.closed.Store(true)
	return c.err
}

type closeFailStore struct {
	*registry.MemoryStore
}

func (closeFailStore) Close() error { return errors.New("store close failed") }

// TestMonitor_CloseCombinesErrors verifies that store and checker close
// errors are both reported.
func TestMonitor_CloseCombinesErrors(t *testing.T) {
	checker := &closingChecker{err: errors.New("checker close failed")}
	m := newMonitor(t,
		WithChecker(checker),
		WithStore(closeFailStore{registry.NewMemoryStore(false)}),
	)

	err := m.Close()

	if !checker.closed.Load() {
		t.Error("checker was not closed")
	}
	if err == nil {
		t.Fatal("Close() error = nil, want combined error")
	}
	for _, want := range []string{"store close failed", "checker close failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Close() error = %v, want it to contain %q", err, want)
		}
	}
}
