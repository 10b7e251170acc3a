// Package dropscript persists the DDL needed to undo the relationships and
// indexes a previous run applied, one JSON array of statements per indexer
// and kind.
package dropscript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rindexer/rindexer-pg/internal/schema"
)

var (
	ErrInvalidKind = errors.New("dropscript: invalid kind")
	ErrCorrupt     = errors.New("dropscript: corrupt drop script")
)

// Kind selects which drop script is addressed.
type Kind string

const (
	KindRelationships Kind = "relationships"
	KindIndexes       Kind = "indexes"
)

func (k Kind) Valid() bool {
	return k == KindRelationships || k == KindIndexes
}

// Store reads and replaces the last known drop script. Implementations never
// cache across calls; Load always reflects the persisted row.
type Store interface {
	// Load returns the saved statements, or none when nothing was saved yet.
	Load(ctx context.Context, indexer string, kind Kind) ([]string, error)
	// Save replaces the saved statements.
	Save(ctx context.Context, indexer string, kind Kind, stmts []string) error
}

// TableName is the bookkeeping table, inside schema.InternalSchema, that
// holds the indexer's drop script of the given kind.
func TableName(indexer string, kind Kind) (string, error) {
	switch kind {
	case KindRelationships:
		return schema.RelationshipDropTableName(indexer), nil
	case KindIndexes:
		return schema.IndexDropTableName(indexer), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// Encode renders stmts as the stored JSON array. No statements encode as [].
func Encode(stmts []string) (string, error) {
	if stmts == nil {
		stmts = []string{}
	}
	b, err := json.Marshal(stmts)
	if err != nil {
		return "", fmt.Errorf("dropscript: encode: %w", err)
	}
	return string(b), nil
}

func Decode(value string) ([]string, error) {
	var stmts []string
	if err := json.Unmarshal([]byte(value), &stmts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return stmts, nil
}
