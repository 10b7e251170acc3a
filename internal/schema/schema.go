// Package schema derives PostgreSQL DDL from contract event signatures.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

var (
	ErrInvalidContract = errors.New("schema: invalid contract")
	ErrColumnConflict  = errors.New("schema: column conflict")
)

// Contract is one indexed contract (or log filter) and the events it emits.
type Contract struct {
	Name     string
	Filter   bool
	Networks []string
	Events   []abiitem.Item
}

// StoredName is the name the contract's schema is derived from.
func (c Contract) StoredName() string {
	if c.Filter {
		return FilterContractName(c.Name)
	}
	return c.Name
}

type ColumnSpec struct {
	Name    string
	Type    sqltype.ColumnType
	ABIType string
	NotNull bool
}

// FixedColumns trail every event table, after the event parameters.
var FixedColumns = []ColumnSpec{
	{Name: "contract_address", Type: sqltype.ColumnType{DDL: "CHAR(66)", OID: pgtype.BPCharOID}, NotNull: true},
	{Name: "tx_hash", Type: sqltype.ColumnType{DDL: "CHAR(66)", OID: pgtype.BPCharOID}, NotNull: true},
	{Name: "block_number", Type: sqltype.ColumnType{DDL: "NUMERIC", OID: pgtype.NumericOID}, NotNull: true},
	{Name: "block_hash", Type: sqltype.ColumnType{DDL: "CHAR(66)", OID: pgtype.BPCharOID}, NotNull: true},
	{Name: "network", Type: sqltype.ColumnType{DDL: "VARCHAR(50)", OID: pgtype.VarcharOID}, NotNull: true},
	{Name: "tx_index", Type: sqltype.ColumnType{DDL: "NUMERIC", OID: pgtype.NumericOID}, NotNull: true},
	{Name: "log_index", Type: sqltype.ColumnType{DDL: "VARCHAR(78)", OID: pgtype.VarcharOID}, NotNull: true},
}

const surrogateKey = "rindexer_id"

// EventTable describes the table one event is stored in. It is computed once
// at setup and not changed afterwards.
type EventTable struct {
	Schema  string
	Table   string
	Event   string
	Inputs  []abiitem.Input
	Columns []ColumnSpec
}

// QualifiedName is the quoted schema.table form for SQL.
func (t EventTable) QualifiedName() string { return Quote(t.Schema, t.Table) }

// FullName is the unquoted schema.table form for logs.
func (t EventTable) FullName() string { return t.Schema + "." + t.Table }

// AllColumns returns the parameter columns followed by FixedColumns, which
// is the order rows are written in.
func (t EventTable) AllColumns() []ColumnSpec {
	out := make([]ColumnSpec, 0, len(t.Columns)+len(FixedColumns))
	out = append(out, t.Columns...)
	return append(out, FixedColumns...)
}

func (t EventTable) ColumnNames() []string {
	cols := t.AllColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func (t EventTable) ColumnOIDs() []uint32 {
	cols := t.AllColumns()
	out := make([]uint32, len(cols))
	for i, c := range cols {
		out[i] = c.Type.OID
	}
	return out
}

// CreateSQL is the CREATE TABLE statement for the event.
func (t EventTable) CreateSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (%s SERIAL PRIMARY KEY NOT NULL", t.QualifiedName(), Quote(surrogateKey))
	for _, c := range t.AllColumns() {
		fmt.Fprintf(&b, ", %s %s", Quote(c.Name), c.Type.DDL)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(");")
	return b.String()
}

// EventTables computes the table of every event of c. Unsupported parameter
// types and clashing column names fail the whole contract.
func EventTables(indexer string, c Contract) ([]EventTable, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty contract name", ErrInvalidContract)
	}
	schemaName := ContractSchemaName(indexer, c.StoredName())

	seen := make(map[string]string)
	var out []EventTable
	for _, ev := range abiitem.Events(c.Events) {
		table := EventTableName(ev.Name)
		if prev, ok := seen[table]; ok {
			return nil, fmt.Errorf("%w: %s: events %s and %s both map to table %s", ErrInvalidContract, c.Name, prev, ev.Name, table)
		}
		seen[table] = ev.Name

		cols, err := eventColumns(c.Name, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, EventTable{
			Schema:  schemaName,
			Table:   table,
			Event:   ev.Name,
			Inputs:  ev.Inputs,
			Columns: cols,
		})
	}
	return out, nil
}

func eventColumns(contract string, ev abiitem.Item) ([]ColumnSpec, error) {
	names := map[string]string{surrogateKey: surrogateKey}
	for _, f := range FixedColumns {
		names[f.Name] = f.Name
	}

	leaves := abiitem.Flatten(ev.Inputs)
	cols := make([]ColumnSpec, 0, len(leaves))
	for _, leaf := range leaves {
		path := strings.Join(leaf.Path, ".")
		ct := sqltype.KindH256.ColumnType()
		if !leaf.Hashed {
			var err error
			if ct, err = sqltype.MapType(leaf.Input.Type); err != nil {
				return nil, fmt.Errorf("schema: %s.%s.%s: %w", contract, ev.Name, path, err)
			}
		}
		name := ColumnName(leaf.Path)
		if other, ok := names[name]; ok {
			return nil, fmt.Errorf("%w: %s.%s: %s and %s both map to column %s", ErrColumnConflict, contract, ev.Name, other, path, name)
		}
		names[name] = path
		cols = append(cols, ColumnSpec{Name: name, Type: ct, ABIType: leaf.Input.Type})
	}
	return cols, nil
}

// CreateTablesSQL builds the setup script for an indexer: the internal
// schema, one schema per contract with one table per event, a progress table
// per event seeded to block 0 for every network, and the two drop-script
// tables.
func CreateTablesSQL(indexer string, contracts []Contract) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s;\n", Quote(InternalSchema))

	for _, c := range contracts {
		tables, err := EventTables(indexer, c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s;\n", Quote(ContractSchemaName(indexer, c.StoredName())))
		for _, t := range tables {
			b.WriteString(t.CreateSQL())
			b.WriteByte('\n')
		}
		for _, t := range tables {
			progress := Quote(InternalSchema, ProgressTableName(indexer, c.StoredName(), t.Event))
			fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s ("network" TEXT PRIMARY KEY, "last_synced_block" NUMERIC);`+"\n", progress)
			for _, network := range c.Networks {
				fmt.Fprintf(&b, `INSERT INTO %s ("network", "last_synced_block") VALUES (%s, 0) ON CONFLICT ("network") DO NOTHING;`+"\n", progress, QuoteLiteral(network))
			}
		}
	}

	for _, table := range []string{RelationshipDropTableName(indexer), IndexDropTableName(indexer)} {
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (key INT PRIMARY KEY, value TEXT NOT NULL);\n", Quote(InternalSchema, table))
	}
	return b.String(), nil
}

// DropTablesSQL cascade-drops the internal schema and every contract schema
// of the indexer.
func DropTablesSQL(indexer string, contracts []Contract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DROP SCHEMA IF EXISTS %s CASCADE;\n", Quote(InternalSchema))
	for _, c := range contracts {
		fmt.Fprintf(&b, "DROP SCHEMA IF EXISTS %s CASCADE;\n", Quote(ContractSchemaName(indexer, c.StoredName())))
	}
	return b.String()
}
