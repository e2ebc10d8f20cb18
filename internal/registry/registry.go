// Package registry holds the set of monitored targets.
//
// The registry keeps an in-memory index in front of a [Store]. Every write
// reaches the store before the index changes, so a failed save never leaves
// a target that would vanish on restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
)

var (
	// ErrDuplicateTarget is returned when duplicates are rejected and the URL
	// is already registered.
	ErrDuplicateTarget = errors.New("registry: target already registered")

	// ErrStorageUnavailable wraps failures of the underlying store.
	ErrStorageUnavailable = errors.New("registry: storage unavailable")

	// ErrTargetNotFound is returned for unknown target IDs.
	ErrTargetNotFound = errors.New("registry: target not found")
)

// DuplicatePolicy decides whether the same URL may be registered twice.
type DuplicatePolicy int

const (
	// AllowDuplicates gives every registration its own target and task.
	AllowDuplicates DuplicatePolicy = iota
	// RejectDuplicates fails a registration whose URL is already present.
	RejectDuplicates
)

// String returns "allow" or "reject".
func (p DuplicatePolicy) String() string {
	if p == RejectDuplicates {
		return "reject"
	}
	return "allow"
}

// ParseDuplicatePolicy parses "allow" or "reject". The empty string means
// [AllowDuplicates].
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return AllowDuplicates, nil
	case "reject":
		return RejectDuplicates, nil
	default:
		return AllowDuplicates, fmt.Errorf("invalid duplicate policy %q (want allow or reject)", s)
	}
}

// Store persists targets.
//
// Save must return an error wrapping [ErrDuplicateTarget] when the store was
// opened to enforce URL uniqueness and the URL already exists.
type Store interface {
	Save(ctx context.Context, target check.Target) error
	LoadAll(ctx context.Context) ([]check.Target, error)
	Delete(ctx context.Context, id check.TargetID) error
	Close() error
}

// Option configures a [Registry].
type Option func(*Registry)

// WithPolicy sets the duplicate policy.
func WithPolicy(p DuplicatePolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithLogger sets the registry's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry is the set of monitored targets.
//
// Reads take only the index read lock. Writes are serialised by writeMu,
// which is held across store I/O so that duplicate checks and saves cannot
// interleave; the index lock itself is held only to swap entries.
type Registry struct {
	store  Store
	policy DuplicatePolicy
	logger *zap.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu      sync.RWMutex
	targets map[check.TargetID]check.Target
}

// New creates a [Registry] backed by store. A nil store means an in-memory
// store.
func New(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore(false)
	}
	r := &Registry{
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		targets: make(map[check.TargetID]check.Target),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the duplicate policy.
func (r *Registry) Policy() DuplicatePolicy {
	return r.policy
}

// Load reads every persisted target into the index and returns them ordered
// by creation time.
func (r *Registry) Load(ctx context.Context) ([]check.Target, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	targets, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, storageErr("load targets", err)
	}

	r.mu.Lock()
	for _, t := range targets {
		r.targets[t.ID] = t
	}
	r.mu.Unlock()

	sortTargets(targets)
	r.logger.Info("targets_loaded", zap.Int("count", len(targets)))
	return targets, nil
}

// Register adds url as a new target. The target is persisted before
// Register returns successfully.
func (r *Registry) Register(ctx context.Context, url string) (check.Target, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.policy == RejectDuplicates {
		if existing, ok := r.FindByURL(url); ok {
			return check.Target{}, fmt.Errorf("%w: %s (id %s)", ErrDuplicateTarget, url, existing.ID)
		}
	}

	target := check.Target{
		ID:        check.NewTargetID(),
		URL:       url,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Save(ctx, target); err != nil {
		if errors.Is(err, ErrDuplicateTarget) {
			return check.Target{}, err
		}
		return check.Target{}, storageErr("save target", err)
	}

	r.mu.Lock()
	r.targets[target.ID] = target
	r.mu.Unlock()

	r.logger.Info("target_registered",
		zap.String("target_id", string(target.ID)),
		zap.String("url", target.URL),
	)
	return target, nil
}

// Remove deletes the target with id from the store and the index.
func (r *Registry) Remove(ctx context.Context, id check.TargetID) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrTargetNotFound) {
			return err
		}
		return storageErr("delete target", err)
	}

	r.mu.Lock()
	delete(r.targets, id)
	r.mu.Unlock()

	r.logger.Info("target_removed", zap.String("target_id", string(id)))
	return nil
}

// List returns every target ordered by creation time.
func (r *Registry) List(ctx context.Context) []check.Target {
	r.mu.RLock()
	out := make([]check.Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sortTargets(out)
	return out
}

// Get returns the target with id.
func (r *Registry) Get(ctx context.Context, id check.TargetID) (check.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[id]
	if !ok {
		return check.Target{}, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	return t, nil
}

// FindByURL returns the oldest target registered for url.
func (r *Registry) FindByURL(url string) (check.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found check.Target
		ok    bool
	)
	for _, t := range r.targets {
		if t.URL != url {
			continue
		}
		if !ok || t.CreatedAt.Before(found.CreatedAt) {
			found, ok = t, true
		}
	}
	return found, ok
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func sortTargets(ts []check.Target) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
