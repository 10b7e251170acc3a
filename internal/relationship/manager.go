package relationship

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rindexer/rindexer-pg/internal/dropscript"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
)

// Manager applies relationships after a backfill and retracts the ones a
// previous run applied.
type Manager struct {
	db      pgclient.Executor
	store   dropscript.Store
	indexer string
	log     *slog.Logger
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

// DropLastKnown executes the persisted drop script in order. The script is
// left in place; the statements are safe to run again.
func (m *Manager) DropLastKnown(ctx context.Context) error {
	stmts, err := m.store.Load(ctx, m.indexer, dropscript.KindRelationships)
	if err != nil {
		return fmt.Errorf("relationship: load drop script: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("relationship: drop: %w", pgclient.Wrap("drop", err))
		}
	}
	if len(stmts) > 0 {
		m.log.Info("dropped last known relationships", "indexer", m.indexer, "statements", len(stmts))
	}
	return nil
}

// Run retracts the previous run's relationships, then applies rels.
func (m *Manager) Run(ctx context.Context, rels []Relationship) error {
	if err := m.DropLastKnown(ctx); err != nil {
		return err
	}
	return m.Apply(ctx, rels)
}

// Apply persists the undo script for rels, then applies them. The script is
// saved before anything is applied, so a crash part way leaves a complete
// drop path.
func (m *Manager) Apply(ctx context.Context, rels []Relationship) error {
	if err := m.store.Save(ctx, m.indexer, dropscript.KindRelationships, DropScript(rels)); err != nil {
		return fmt.Errorf("relationship: save drop script: %w", err)
	}
	for _, r := range rels {
		if err := m.apply(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// apply adds the unique constraint before the foreign key that depends on it.
func (m *Manager) apply(ctx context.Context, r Relationship) error {
	if _, err := m.db.Exec(ctx, r.UniqueSQL()); err != nil {
		return fmt.Errorf("relationship: unique %s: %w", r.UniqueName(), pgclient.Wrap("apply", err))
	}
	m.log.Info("applied unique constraint", "table", r.LinkedTo.FullTable(), "constraint", r.UniqueName())

	if _, err := m.db.Exec(ctx, r.ForeignKeySQL()); err != nil {
		return fmt.Errorf("relationship: foreign key %s: %w", r.ForeignKeyName(), pgclient.Wrap("apply", err))
	}
	m.log.Info("applied foreign key", "table", r.FullTable(), "constraint", r.ForeignKeyName())

	if _, err := m.db.Exec(ctx, r.IndexSQL()); err != nil {
		return fmt.Errorf("relationship: index %s: %w", r.IndexName(), pgclient.Wrap("apply", err))
	}
	m.log.Info("applied index", "table", r.FullTable(), "index", r.IndexName())
	return nil
}
