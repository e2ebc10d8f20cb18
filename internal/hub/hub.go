package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// ErrSubscriberOverflow is reported to the eviction hook when a subscriber's
// buffer was full at publish time.
var ErrSubscriberOverflow = errors.New("hub: subscriber buffer full")

// SubscriberID identifies a subscription.
type SubscriberID string

// Subscription is a live attachment to the hub.
//
// C is closed when the subscription ends, whether through
// [Hub.Unsubscribe], eviction, or [Hub.Close].
type Subscription struct {
	ID     SubscriberID
	Filter check.Filter
	C      <-chan check.Result
}

type subscriber struct {
	id     SubscriberID
	filter check.Filter
	ch     chan check.Result

	// mu serialises sends against eviction so nothing is delivered after a
	// dropped result.
	mu   sync.Mutex
	dead bool
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger used for subscription events.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEvictHook registers fn to be called after a subscriber is evicted.
// fn runs outside the hub's locks.
func WithEvictHook(fn func(id SubscriberID, err error)) Option {
	return func(h *Hub) {
		h.onEvict = fn
	}
}

// Hub is the set of live subscribers.
//
// Publish holds the read lock while it walks the subscriber set; Subscribe
// and Unsubscribe take the write lock. A detach that races with a publish
// therefore waits for that publish to finish, and no later publish can reach
// the detached subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[SubscriberID]*subscriber
	closed bool

	buffer  int
	logger  *zap.Logger
	onEvict func(SubscriberID, error)
}

// New creates an empty [Hub].
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[SubscriberID]*subscriber),
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a new subscriber. It is effective for the next publish.
//
// After [Hub.Close] the returned subscription's channel is already closed.
func (h *Hub) Subscribe(filter check.Filter) Subscription {
	sub := &subscriber{
		id:     SubscriberID(uuid.NewString()),
		filter: filter,
		ch:     make(chan check.Result, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return Subscription{ID: sub.id, Filter: filter, C: sub.ch}
	}
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber_attached",
		zap.String("subscriber_id", string(sub.id)),
		zap.String("filter", filter.String()),
		zap.Int("subscribers", n),
	)
	return Subscription{ID: sub.id, Filter: filter, C: sub.ch}
}

// Unsubscribe detaches a subscriber and closes its channel.
//
// Safe to call more than once and with unknown IDs.
func (h *Hub) Unsubscribe(id SubscriberID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		h.closeSubscriber(sub)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("subscriber_detached", zap.String("subscriber_id", string(id)))
	}
}

// Publish delivers result to every live subscriber whose filter matches and
// returns how many received it.
//
// Sends never block. A subscriber with a full buffer is marked dead, receives
// nothing further, and is unsubscribed once the walk completes.
func (h *Hub) Publish(result check.Result) int {
	var (
		delivered int
		evicted   []SubscriberID
	)

	h.mu.RLock()
	for id, sub := range h.subs {
		if !sub.filter.Matches(result) {
			continue
		}
		switch h.deliver(sub, result) {
		case sent:
			delivered++
		case overflowed:
			evicted = append(evicted, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range evicted {
		h.evict(id)
	}
	return delivered
}

type delivery int

const (
	sent delivery = iota
	skipped
	overflowed
)

func (h *Hub) deliver(sub *subscriber, result check.Result) delivery {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.dead {
		return skipped
	}
	select {
	case sub.ch <- result:
		return sent
	default:
		sub.dead = true
		return overflowed
	}
}

func (h *Hub) evict(id SubscriberID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		h.closeSubscriber(sub)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.logger.Warn("subscriber_evicted",
		zap.String("subscriber_id", string(id)),
		zap.String("filter", sub.filter.String()),
		zap.Error(ErrSubscriberOverflow),
	)
	if h.onEvict != nil {
		h.onEvict(id, ErrSubscriberOverflow)
	}
}

// closeSubscriber must be called with h.mu held for writing.
func (h *Hub) closeSubscriber(sub *subscriber) {
	sub.mu.Lock()
	sub.dead = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every subscriber. Later subscriptions start closed and
// later publishes deliver nothing. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		h.closeSubscriber(sub)
	}
}
