// Package relationship turns configured foreign-key declarations between
// event tables into unique, foreign-key and index DDL, and keeps the applied
// set retractable through a persisted drop script.
package relationship

import (
	"errors"
	"fmt"

	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/schema"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

var (
	ErrInvalidConfig   = errors.New("relationship: invalid config")
	ErrContractMissing = errors.New("relationship: contract missing")
	ErrTypeMismatch    = errors.New("relationship: type mismatch")
)

// ForeignKey declares that Contract.Event.Input references every Link.
// Input is a dotted path into the event's parameters, e.g. "order.buyer".
type ForeignKey struct {
	Contract string
	Event    string
	Input    string
	Links    []Link
}

// Link is the referenced side of a ForeignKey.
type Link struct {
	Contract string
	Event    string
	Input    string
}

// Endpoint is one resolved side of a relationship.
type Endpoint struct {
	Contract string
	Event    string
	Input    abiitem.Input
	Path     string
	Hashed   bool

	Schema string
	Table  string
	Column string
}

// storedType is the ABI type of the column, or "topic hash" for indexed
// parameters kept as their keccak hash.
func (e Endpoint) storedType() string {
	if e.Hashed {
		return "topic hash"
	}
	return e.Input.Type
}

// QualifiedTable is the quoted schema.table form.
func (e Endpoint) QualifiedTable() string { return schema.Quote(e.Schema, e.Table) }

// FullTable is the unquoted schema.table form for logs.
func (e Endpoint) FullTable() string { return e.Schema + "." + e.Table }

// Relationship is a foreign key from the source endpoint to LinkedTo.
type Relationship struct {
	Endpoint
	LinkedTo Endpoint
}

// Build resolves every declaration against the contracts' ABIs. It is pure:
// a missing contract, event or field, or a type mismatch between the two
// sides, fails the whole set before any DDL exists.
func Build(indexer string, contracts []schema.Contract, fks []ForeignKey) ([]Relationship, error) {
	byName := make(map[string]schema.Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Name] = c
	}

	var out []Relationship
	for _, fk := range fks {
		src, ok := byName[fk.Contract]
		if !ok {
			return nil, fmt.Errorf("%w: contract %s not found in contracts, make sure it is defined", ErrContractMissing, fk.Contract)
		}
		for _, link := range fk.Links {
			from, err := resolve(indexer, src, fk.Event, fk.Input)
			if err != nil {
				return nil, err
			}
			dst, ok := byName[link.Contract]
			if !ok {
				return nil, fmt.Errorf("%w: contract %s not found in contracts and linked in relationships, make sure it is defined", ErrContractMissing, link.Contract)
			}
			to, err := resolve(indexer, dst, link.Event, link.Input)
			if err != nil {
				return nil, err
			}
			if from.storedType() != to.storedType() {
				return nil, fmt.Errorf("%w: type mismatch between %s.%s (%s) and %s.%s (%s)",
					ErrTypeMismatch, fk.Contract, fk.Input, from.storedType(), link.Contract, link.Input, to.storedType())
			}
			out = append(out, Relationship{Endpoint: from, LinkedTo: to})
		}
	}
	return out, nil
}

func resolve(indexer string, c schema.Contract, event, path string) (Endpoint, error) {
	p, err := abiitem.ResolveParameter(c.Events, event, path)
	if err != nil {
		return Endpoint{}, fmt.Errorf("relationship: %s: %w", c.Name, err)
	}
	if !p.Hashed {
		if p.Input.IsTuple() {
			return Endpoint{}, fmt.Errorf("%w: %s.%s.%s is a tuple, not a column", ErrInvalidConfig, c.Name, event, path)
		}
		if _, err := sqltype.MapType(p.Input.Type); err != nil {
			return Endpoint{}, fmt.Errorf("relationship: %s.%s.%s: %w", c.Name, event, path, err)
		}
	}
	return Endpoint{
		Contract: c.Name,
		Event:    event,
		Input:    p.Input,
		Path:     path,
		Hashed:   p.Hashed,
		Schema:   schema.ContractSchemaName(indexer, c.StoredName()),
		Table:    schema.EventTableName(event),
		Column:   schema.ColumnName(p.Path),
	}, nil
}

// Constraint and index names depend only on table and column, so repeated
// runs produce the same names.

// ForeignKeyName names both ends; one table may link several columns to
// the same target.
func (r Relationship) ForeignKeyName() string {
	return schema.Ident("fk_" + r.Table + "_" + r.Column + "_" + r.LinkedTo.Table + "_" + r.LinkedTo.Column)
}

func (r Relationship) UniqueName() string {
	return schema.Ident("unique_" + r.LinkedTo.Table + "_" + r.LinkedTo.Column)
}

func (r Relationship) IndexName() string {
	return schema.Ident("idx_" + r.Table + "_" + r.Column)
}

// UniqueSQL adds the unique constraint on the referenced column unless it is
// already in the catalog.
func (r Relationship) UniqueSQL() string {
	t := r.LinkedTo.QualifiedTable()
	return fmt.Sprintf(`DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_constraint
		WHERE conname = %s AND conrelid = %s::regclass
	) THEN
		ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s);
	END IF;
END $$;`,
		schema.QuoteLiteral(r.UniqueName()), schema.QuoteLiteral(t),
		t, schema.Quote(r.UniqueName()), schema.Quote(r.LinkedTo.Column))
}

func (r Relationship) ForeignKeySQL() string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s);",
		r.QualifiedTable(), schema.Quote(r.ForeignKeyName()), schema.Quote(r.Column),
		r.LinkedTo.QualifiedTable(), schema.Quote(r.LinkedTo.Column))
}

// IndexSQL builds the source-column index without blocking writers.
func (r Relationship) IndexSQL() string {
	return fmt.Sprintf("CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON %s (%s);",
		schema.Quote(r.IndexName()), r.QualifiedTable(), schema.Quote(r.Column))
}

func (r Relationship) DropForeignKeySQL() string {
	return fmt.Sprintf("ALTER TABLE IF EXISTS %s DROP CONSTRAINT IF EXISTS %s;",
		r.QualifiedTable(), schema.Quote(r.ForeignKeyName()))
}

func (r Relationship) DropUniqueSQL() string {
	return fmt.Sprintf("ALTER TABLE IF EXISTS %s DROP CONSTRAINT IF EXISTS %s;",
		r.LinkedTo.QualifiedTable(), schema.Quote(r.UniqueName()))
}

// DropIndexSQL names the index with its schema; index names are resolved
// against the search path otherwise.
func (r Relationship) DropIndexSQL() string {
	return fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s;", schema.Quote(r.Schema, r.IndexName()))
}

// DropScript is the undo script for rels. Every foreign key is dropped
// before any unique constraint, since a unique constraint can back several
// foreign keys. Duplicate statements are emitted once.
func DropScript(rels []Relationship) []string {
	var fks, uniques, idxs []string
	seen := make(map[string]bool)
	add := func(dst *[]string, stmt string) {
		if seen[stmt] {
			return
		}
		seen[stmt] = true
		*dst = append(*dst, stmt)
	}
	for _, r := range rels {
		add(&fks, r.DropForeignKeySQL())
		add(&uniques, r.DropUniqueSQL())
		add(&idxs, r.DropIndexSQL())
	}
	out := make([]string, 0, len(fks)+len(uniques)+len(idxs))
	out = append(out, fks...)
	out = append(out, uniques...)
	return append(out, idxs...)
}
