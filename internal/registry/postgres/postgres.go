// Package postgres implements registry.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/registry"
)

var _ registry.Store = (*Store)(nil)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pingstream_targets (
  id         TEXT PRIMARY KEY,
  url        TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pingstream_targets_created ON pingstream_targets (created_at, id);
`

const uniqueURLSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_pingstream_targets_url ON pingstream_targets (url);
`

// Store persists targets in the pingstream_targets table.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to dsn, verifies the connection and applies the schema. When
// unique is true a unique index on url is created so concurrent writers
// cannot store the same URL twice.
func New(ctx context.Context, dsn string, unique bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx, unique); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres_store_ready", zap.Bool("unique_urls", unique))
	return s, nil
}

func (s *Store) migrate(ctx context.Context, unique bool) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if unique {
		if _, err := s.pool.Exec(ctx, uniqueURLSQL); err != nil {
			return fmt.Errorf("create url index: %w", err)
		}
	}
	return nil
}

// Save inserts target, or updates it when the ID already exists.
func (s *Store) Save(ctx context.Context, t check.Target) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pingstream_targets (id, url, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url`,
		string(t.ID), t.URL, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", registry.ErrDuplicateTarget, t.URL)
		}
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// LoadAll returns every stored target ordered by creation time.
func (s *Store) LoadAll(ctx context.Context) ([]check.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, created_at
		   FROM pingstream_targets
		  ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []check.Target
	for rows.Next() {
		var (
			id        string
			url       string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &url, &createdAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, check.Target{
			ID:        check.TargetID(id),
			URL:       url,
			CreatedAt: createdAt.UTC(),
		})
	}
	return out, rows.Err()
}

// Delete removes the target with id.
func (s *Store) Delete(ctx context.Context, id check.TargetID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pingstream_targets WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", registry.ErrTargetNotFound, id)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
