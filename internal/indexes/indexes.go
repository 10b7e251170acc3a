// Package indexes resolves configured secondary indexes on event tables and
// manages their lifecycle with a persisted drop script.
package indexes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/schema"
)

var (
	ErrInvalidConfig   = errors.New("indexes: invalid config")
	ErrContractMissing = errors.New("indexes: contract missing")
)

// Config lists the indexes of one indexer. Injected parameters are column
// names that are not event parameters, such as block_number.
type Config struct {
	GlobalInjected []string
	Contracts      []ContractConfig
}

type ContractConfig struct {
	Name     string
	Injected []string
	Events   []EventConfig
}

type EventConfig struct {
	Name     string
	Injected []string
	// Composite holds one entry per index; each entry lists dotted input
	// paths, in index column order.
	Composite [][]string
}

// Index is a single or multi-column index on one event table.
type Index struct {
	Schema  string
	Table   string
	Columns []string
}

func (ix Index) Name() string {
	return schema.Ident("idx_" + ix.Table + "_" + strings.Join(ix.Columns, "_"))
}

func (ix Index) FullTable() string { return ix.Schema + "." + ix.Table }

func (ix Index) CreateSQL() string {
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = schema.Quote(c)
	}
	return fmt.Sprintf("CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON %s (%s);",
		schema.Quote(ix.Name()), schema.Quote(ix.Schema, ix.Table), strings.Join(cols, ", "))
}

// DropSQL qualifies the index with its schema.
func (ix Index) DropSQL() string {
	return fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s;", schema.Quote(ix.Schema, ix.Name()))
}

// Build resolves cfg in order: global injected columns on every event table
// of every contract, then per contract injected columns, then per event
// injected columns and composite indexes. Indexes with the same name are
// kept once, at their first position.
func Build(indexer string, contracts []schema.Contract, cfg Config) ([]Index, error) {
	b := builder{indexer: indexer, seen: make(map[string]bool)}

	for _, col := range cfg.GlobalInjected {
		if col == "" {
			return nil, fmt.Errorf("%w: empty global injected column", ErrInvalidConfig)
		}
		for _, c := range contracts {
			for _, ev := range abiitem.Events(c.Events) {
				b.add(c, ev.Name, []string{col})
			}
		}
	}

	byName := make(map[string]schema.Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Name] = c
	}
	for _, cc := range cfg.Contracts {
		c, ok := byName[cc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: contract %s not found in contracts, make sure it is defined", ErrContractMissing, cc.Name)
		}
		for _, col := range cc.Injected {
			if col == "" {
				return nil, fmt.Errorf("%w: %s: empty injected column", ErrInvalidConfig, c.Name)
			}
			for _, ev := range abiitem.Events(c.Events) {
				b.add(c, ev.Name, []string{col})
			}
		}
		for _, ec := range cc.Events {
			if _, err := abiitem.FindEvent(c.Events, ec.Name); err != nil {
				return nil, fmt.Errorf("indexes: %s: %w", c.Name, err)
			}
			for _, col := range ec.Injected {
				if col == "" {
					return nil, fmt.Errorf("%w: %s.%s: empty injected column", ErrInvalidConfig, c.Name, ec.Name)
				}
				b.add(c, ec.Name, []string{col})
			}
			for _, paths := range ec.Composite {
				cols, err := resolveColumns(c, ec.Name, paths)
				if err != nil {
					return nil, err
				}
				b.add(c, ec.Name, cols)
			}
		}
	}
	return b.out, nil
}

type builder struct {
	indexer string
	seen    map[string]bool
	out     []Index
}

func (b *builder) add(c schema.Contract, event string, cols []string) {
	ix := Index{
		Schema:  schema.ContractSchemaName(b.indexer, c.StoredName()),
		Table:   schema.EventTableName(event),
		Columns: cols,
	}
	key := ix.Schema + "." + ix.Name()
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.out = append(b.out, ix)
}

func resolveColumns(c schema.Contract, event string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s.%s: index without columns", ErrInvalidConfig, c.Name, event)
	}
	cols := make([]string, len(paths))
	for i, path := range paths {
		p, err := abiitem.ResolveParameter(c.Events, event, path)
		if err != nil {
			return nil, fmt.Errorf("indexes: %s: %w", c.Name, err)
		}
		if p.Input.IsTuple() {
			return nil, fmt.Errorf("%w: %s.%s.%s is a tuple, not a column", ErrInvalidConfig, c.Name, event, path)
		}
		cols[i] = schema.ColumnName(p.Path)
	}
	return cols, nil
}

// DropScript is the undo script for idx, in index order.
func DropScript(idx []Index) []string {
	out := make([]string, len(idx))
	for i, ix := range idx {
		out[i] = ix.DropSQL()
	}
	return out
}
