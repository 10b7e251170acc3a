package indexes

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rindexer/rindexer-pg/internal/dropscript"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"golang.org/x/sync/errgroup"
)

// DefaultDropParallelism bounds concurrent drop statements.
const DefaultDropParallelism = 4

type Manager struct {
	db      pgclient.Executor
	store   dropscript.Store
	indexer string
	log     *slog.Logger

	// DropParallelism overrides DefaultDropParallelism when > 0.
	DropParallelism int
}

func NewManager(db pgclient.Executor, store dropscript.Store, indexer string, log *slog.Logger) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil executor", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil drop script store", ErrInvalidConfig)
	}
	if indexer == "" {
		return nil, fmt.Errorf("%w: empty indexer name", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{db: db, store: store, indexer: indexer, log: log}, nil
}

// DropLastKnown runs the persisted drop statements concurrently. Each one
// targets a distinct index guarded by IF EXISTS.
func (m *Manager) DropLastKnown(ctx context.Context) error {
	stmts, err := m.store.Load(ctx, m.indexer, dropscript.KindIndexes)
	if err != nil {
		return fmt.Errorf("indexes: load drop script: %w", err)
	}
	limit := m.DropParallelism
	if limit <= 0 {
		limit = DefaultDropParallelism
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, stmt := range stmts {
		g.Go(func() error {
			if _, err := m.db.Exec(gctx, stmt); err != nil {
				return fmt.Errorf("indexes: drop: %w", pgclient.Wrap("drop", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(stmts) > 0 {
		m.log.Info("dropped last known indexes", "indexer", m.indexer, "statements", len(stmts))
	}
	return nil
}

// Run drops the previous run's indexes, then applies idx.
func (m *Manager) Run(ctx context.Context, idx []Index) error {
	if err := m.DropLastKnown(ctx); err != nil {
		return err
	}
	return m.Apply(ctx, idx)
}

// Apply persists the drop script of idx, then creates idx one by one in
// order.
func (m *Manager) Apply(ctx context.Context, idx []Index) error {
	if err := m.store.Save(ctx, m.indexer, dropscript.KindIndexes, DropScript(idx)); err != nil {
		return fmt.Errorf("indexes: save drop script: %w", err)
	}
	for _, ix := range idx {
		if _, err := m.db.Exec(ctx, ix.CreateSQL()); err != nil {
			return fmt.Errorf("indexes: create %s: %w", ix.Name(), pgclient.Wrap("create", err))
		}
		m.log.Info("applied index", "table", ix.FullTable(), "index", ix.Name())
	}
	return nil
}
