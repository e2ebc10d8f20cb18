package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/pingstream/check"
)

// failingStore fails every operation with err.
type failingStore struct{ err error }

func (f failingStore) Save(context.Context, check.Target) error        { return f.err }
func (f failingStore) LoadAll(context.Context) ([]check.Target, error) { return nil, f.err }
func (f failingStore) Delete(context.Context, check.TargetID) error    { return f.err }
func (f failingStore) Close() error                                    { return nil }

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	r.now = steppingClock()

	a, err := r.Register(ctx, "http://a.example")
	if err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}
	b, err := r.Register(ctx, "http://b.example")
	if err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs = %q, %q, want distinct non-empty", a.ID, b.ID)
	}

	list := r.List(ctx)
	if len(list) != 2 {
		t.Fatalf("List() returned %d targets, want 2", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("List() not ordered by creation: %+v", list)
	}

	got, err := r.Get(ctx, b.ID)
	if err != nil || got.URL != "http://b.example" {
		t.Errorf("Get(b) = %+v, %v", got, err)
	}
}

// TestRegistry_DuplicatePolicy covers both duplicate modes.
func TestRegistry_DuplicatePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  DuplicatePolicy
		wantErr error
		wantLen int
	}{
		{"allow registers twice", AllowDuplicates, nil, 2},
		{"reject fails second", RejectDuplicates, ErrDuplicateTarget, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := New(NewMemoryStore(tt.policy == RejectDuplicates), WithPolicy(tt.policy))

			if _, err := r.Register(ctx, "http://example.com"); err != nil {
				t.Fatalf("first Register() error = %v", err)
			}
			_, err := r.Register(ctx, "http://example.com")
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("second Register() error = %v, want %v", err, tt.wantErr)
			}
			if r.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", r.Len(), tt.wantLen)
			}
		})
	}
}

// TestRegistry_RejectDuplicatesConcurrent verifies only one of many racing
// registrations of the same URL succeeds.
func TestRegistry_RejectDuplicatesConcurrent(t *testing.T) {
	ctx := context.Background()
	r := New(nil, WithPolicy(RejectDuplicates))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register(ctx, "http://same.example"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted registrations = %d, want 1", accepted)
	}
}

func TestRegistry_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("connection refused")
	r := New(failingStore{err: cause})

	_, err := r.Register(ctx, "http://example.com")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Register() error = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Register() error = %v, want wrapped cause", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after failed save, want 0", r.Len())
	}

	if _, err := r.Load(ctx); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Load() error = %v, want ErrStorageUnavailable", err)
	}
}

// TestRegistry_StoreDuplicatePassesThrough verifies a uniqueness violation
// reported by the store is not disguised as a storage failure.
func TestRegistry_StoreDuplicatePassesThrough(t *testing.T) {
	r := New(failingStore{err: fmt.Errorf("unique index: %w", ErrDuplicateTarget)})

	_, err := r.Register(context.Background(), "http://example.com")
	if !errors.Is(err, ErrDuplicateTarget) {
		t.Errorf("Register() error = %v, want ErrDuplicateTarget", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Register() error = %v, should not be ErrStorageUnavailable", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(false)
	r := New(store)

	target, err := r.Register(ctx, "http://example.com")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Remove(ctx, target.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Remove(ctx, target.ID); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("second Remove() error = %v, want ErrTargetNotFound", err)
	}
	if _, err := r.Get(ctx, target.ID); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("Get() error = %v, want ErrTargetNotFound", err)
	}

	persisted, _ := store.LoadAll(ctx)
	if len(persisted) != 0 {
		t.Errorf("store still holds %d targets", len(persisted))
	}
}

// TestRegistry_LoadRestoresPersistedTargets simulates a restart over the
// same store.
func TestRegistry_LoadRestoresPersistedTargets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(false)

	first := New(store)
	a, _ := first.Register(ctx, "http://a.example")
	b, _ := first.Register(ctx, "http://b.example")

	second := New(store)
	loaded, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load() returned %d targets, want 2", len(loaded))
	}
	if _, err := second.Get(ctx, a.ID); err != nil {
		t.Errorf("Get(a) after Load error = %v", err)
	}
	if found, ok := second.FindByURL("http://b.example"); !ok || found.ID != b.ID {
		t.Errorf("FindByURL(b) = %+v, %v", found, ok)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target, err := r.Register(ctx, fmt.Sprintf("http://%d.example", i))
			if err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			_ = r.List(ctx)
			if i%2 == 0 {
				if err := r.Remove(ctx, target.ID); err != nil {
					t.Errorf("Remove() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DuplicatePolicy
		wantErr bool
	}{
		{"", AllowDuplicates, false},
		{"allow", AllowDuplicates, false},
		{"REJECT", RejectDuplicates, false},
		{"maybe", AllowDuplicates, true},
	}
	for _, tt := range tests {
		got, err := ParseDuplicatePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDuplicatePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
	if RejectDuplicates.String() != "reject" || AllowDuplicates.String() != "allow" {
		t.Error("String() mismatch")
	}
}

func TestMemoryStore_Unique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(true)
	now := time.Now()

	if err := s.Save(ctx, check.Target{ID: "a", URL: "http://x", CreatedAt: now}); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	// re-saving the same ID is an update, not a duplicate
	if err := s.Save(ctx, check.Target{ID: "a", URL: "http://x", CreatedAt: now}); err != nil {
		t.Errorf("re-Save(a) error = %v", err)
	}
	if err := s.Save(ctx, check.Target{ID: "b", URL: "http://x", CreatedAt: now}); !errors.Is(err, ErrDuplicateTarget) {
		t.Errorf("Save(b) error = %v, want ErrDuplicateTarget", err)
	}
}
