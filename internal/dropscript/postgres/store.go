package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rindexer/rindexer-pg/internal/dropscript"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/schema"
)

var ErrInvalidConfig = errors.New("dropscript/postgres: invalid config")

// scriptKey is the only row of each bookkeeping table.
const scriptKey = 1

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the indexer's two bookkeeping tables. The schema
// generator creates the same tables during setup.
func (s *Store) EnsureSchema(ctx context.Context, indexer string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", schema.Quote(schema.InternalSchema))
	for _, kind := range []dropscript.Kind{dropscript.KindRelationships, dropscript.KindIndexes} {
		table, err := dropscript.TableName(indexer, kind)
		if err != nil {
			return err
		}
		sql += fmt.Sprintf("\nCREATE TABLE IF NOT EXISTS %s (key INT PRIMARY KEY, value TEXT NOT NULL);", schema.Quote(schema.InternalSchema, table))
	}
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("dropscript/postgres: %w", pgclient.Wrap("ensure schema", err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, indexer string, kind dropscript.Kind) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	table, err := dropscript.TableName(indexer, kind)
	if err != nil {
		return nil, err
	}

	var value string
	err = s.pool.QueryRow(ctx,
		`SELECT value FROM `+schema.Quote(schema.InternalSchema, table)+` WHERE key = $1`,
		scriptKey,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dropscript/postgres: %w", pgclient.Wrap("load "+string(kind), err))
	}
	return dropscript.Decode(value)
}

func (s *Store) Save(ctx context.Context, indexer string, kind dropscript.Kind, stmts []string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	table, err := dropscript.TableName(indexer, kind)
	if err != nil {
		return err
	}
	value, err := dropscript.Encode(stmts)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+schema.Quote(schema.InternalSchema, table)+` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, scriptKey, value)
	if err != nil {
		return fmt.Errorf("dropscript/postgres: %w", pgclient.Wrap("save "+string(kind), err))
	}
	return nil
}
