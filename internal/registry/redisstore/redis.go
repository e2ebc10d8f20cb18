// Package redisstore implements registry.Store on Redis hashes.
//
// Targets live in the hash "<prefix>targets" as JSON keyed by target ID.
// When URL uniqueness is enforced, "<prefix>urls" maps each URL to its
// owning target ID. The claim and the target write run in one script.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/registry"
)

var _ registry.Store = (*Store)(nil)

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "pingstream:"

// saveUniqueScript writes a target and claims its URL, or returns 0 when
// another target owns the URL. KEYS: urls, targets. ARGV: url, id, json.
// The target write comes first so a failing write leaves no claim behind.
var saveUniqueScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner and owner ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Store persists targets in Redis.
type Store struct {
	client  *redis.Client
	targets string
	urls    string
	unique  bool
	log     *zap.Logger
}

// Options returns client options for addr, which is either a host:port pair
// or a redis:// URL.
func Options(addr string) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr, prefix string, unique bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	opts, err := Options(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis address: %w", err)
	}
	client := redis.NewClient(opts)

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("redis_store_ready", zap.String("key_prefix", prefix), zap.Bool("unique_urls", unique))
	return &Store{
		client:  client,
		targets: prefix + "targets",
		urls:    prefix + "urls",
		unique:  unique,
		log:     log,
	}, nil
}

// Save stores target by ID. When uniqueness is enforced the URL claim and
// the write happen atomically.
func (s *Store) Save(ctx context.Context, t check.Target) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	if !s.unique {
		if err := s.client.HSet(ctx, s.targets, string(t.ID), data).Err(); err != nil {
			return fmt.Errorf("store target: %w", err)
		}
		return nil
	}

	saved, err := saveUniqueScript.Run(ctx, s.client, []string{s.urls, s.targets}, t.URL, string(t.ID), data).Int()
	if err != nil {
		return fmt.Errorf("store target: %w", err)
	}
	if saved == 0 {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateTarget, t.URL)
	}
	return nil
}

// LoadAll returns every stored target ordered by creation time.
func (s *Store) LoadAll(ctx context.Context) ([]check.Target, error) {
	raw, err := s.client.HGetAll(ctx, s.targets).Result()
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	out := make([]check.Target, 0, len(raw))
	for id, v := range raw {
		var t check.Target
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			s.log.Warn("skipping_corrupt_target", zap.String("target_id", id), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes the target with id and releases its URL claim.
func (s *Store) Delete(ctx context.Context, id check.TargetID) error {
	v, err := s.client.HGet(ctx, s.targets, string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", registry.ErrTargetNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	var t check.Target
	_ = json.Unmarshal([]byte(v), &t)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.targets, string(id))
		if s.unique && t.URL != "" {
			pipe.HDel(ctx, s.urls, t.URL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
