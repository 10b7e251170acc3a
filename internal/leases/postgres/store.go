package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rindexer/rindexer-pg/internal/leases"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/schema"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in the internal bookkeeping schema. Expiry is judged by
// the database clock.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, table: schema.Quote(schema.InternalSchema, "leases")}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	sql := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);`, schema.Quote(schema.InternalSchema), s.table)
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", pgclient.Wrap("ensure schema", err))
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO `+s.table+` (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE `+s.table+`.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", pgclient.Wrap("try acquire", err))
	}

	err = s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM `+s.table+` WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: read holder: %w", pgclient.Wrap("read holder", err))
	}
	return l, false, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name, Owner: owner}
	err := s.pool.QueryRow(ctx, `
		UPDATE `+s.table+`
		SET expires_at = now() + ($3::bigint * interval '1 millisecond')
		WHERE name = $1 AND owner = $2
		RETURNING expires_at
	`, name, owner, millis(ttl)).Scan(&l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", pgclient.Wrap("renew", err))
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE name = $1 AND owner = $2`, name, owner); err != nil {
		return fmt.Errorf("leases/postgres: release: %w", pgclient.Wrap("release", err))
	}
	return nil
}

func millis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
