package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

func transferEvent() abiitem.Item {
	return abiitem.Item{
		Type: "event",
		Name: "Transfer",
		Inputs: []abiitem.Input{
			{Name: "from", Type: "address", Indexed: true},
			{Name: "to", Type: "address", Indexed: true},
			{Name: "value", Type: "uint256"},
		},
	}
}

func TestCamelToSnake(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Transfer":         "transfer",
		"OrderFilled":      "order_filled",
		"tokenID":          "token_id",
		"HTTPServer":       "http_server",
		"ERC20Transfer":    "erc20_transfer",
		"already_snake":    "already_snake",
		"my_Var":           "my_var",
		"RocketPoolETH":    "rocket_pool_eth",
		"weird-name.here!": "weirdnamehere",
		"":                 "",
	}
	for in, want := range cases {
		if got := CamelToSnake(in); got != want {
			t.Fatalf("CamelToSnake(%q): got %q want %q", in, got, want)
		}
	}
}

func TestIdent_ShortensDeterministically(t *testing.T) {
	t.Parallel()

	short := "idx_transfer_from"
	if Ident(short) != short {
		t.Fatalf("short identifiers must be unchanged")
	}

	a := strings.Repeat("a", 70) + "_one"
	b := strings.Repeat("a", 70) + "_two"
	ia, ib := Ident(a), Ident(b)
	if len(ia) != maxIdentLen || len(ib) != maxIdentLen {
		t.Fatalf("lengths: %d %d", len(ia), len(ib))
	}
	if ia == ib {
		t.Fatalf("distinct long identifiers collided: %s", ia)
	}
	if Ident(a) != ia {
		t.Fatalf("Ident is not deterministic")
	}
	if Ident(ia) != ia {
		t.Fatalf("Ident must be idempotent")
	}
}

func TestEventTables_Transfer(t *testing.T) {
	t.Parallel()

	tables, err := EventTables("MyIndexer", Contract{
		Name:     "USDCToken",
		Networks: []string{"ethereum"},
		Events:   []abiitem.Item{{Type: "function", Name: "transfer"}, transferEvent()},
	})
	if err != nil {
		t.Fatalf("EventTables: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(tables))
	}
	tbl := tables[0]
	if tbl.Schema != "my_indexer_usdc_token" || tbl.Table != "transfer" {
		t.Fatalf("names: %s.%s", tbl.Schema, tbl.Table)
	}

	wantCols := []struct{ name, ddl string }{
		{"from", "CHAR(42)"},
		{"to", "CHAR(42)"},
		{"value", "VARCHAR(78)"},
		{"contract_address", "CHAR(66)"},
		{"tx_hash", "CHAR(66)"},
		{"block_number", "NUMERIC"},
		{"block_hash", "CHAR(66)"},
		{"network", "VARCHAR(50)"},
		{"tx_index", "NUMERIC"},
		{"log_index", "VARCHAR(78)"},
	}
	cols := tbl.AllColumns()
	if len(cols) != len(wantCols) {
		t.Fatalf("got %d columns, want %d", len(cols), len(wantCols))
	}
	for i, w := range wantCols {
		if cols[i].Name != w.name || cols[i].Type.DDL != w.ddl {
			t.Fatalf("column %d: got %s %s want %s %s", i, cols[i].Name, cols[i].Type.DDL, w.name, w.ddl)
		}
	}

	want := `CREATE TABLE IF NOT EXISTS "my_indexer_usdc_token"."transfer" ("rindexer_id" SERIAL PRIMARY KEY NOT NULL, ` +
		`"from" CHAR(42), "to" CHAR(42), "value" VARCHAR(78), ` +
		`"contract_address" CHAR(66) NOT NULL, "tx_hash" CHAR(66) NOT NULL, "block_number" NUMERIC NOT NULL, ` +
		`"block_hash" CHAR(66) NOT NULL, "network" VARCHAR(50) NOT NULL, "tx_index" NUMERIC NOT NULL, "log_index" VARCHAR(78) NOT NULL);`
	if got := tbl.CreateSQL(); got != want {
		t.Fatalf("CreateSQL:\n got %s\nwant %s", got, want)
	}
}

func TestEventTables_FlattensTuples(t *testing.T) {
	t.Parallel()

	tables, err := EventTables("idx", Contract{
		Name: "Exchange",
		Events: []abiitem.Item{{
			Type: "event",
			Name: "OrderFilled",
			Inputs: []abiitem.Input{
				{Name: "order", Type: "tuple", Components: []abiitem.Input{
					{Name: "buyerAddress", Type: "address"},
					{Name: "amounts", Type: "uint64[]"},
				}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("EventTables: %v", err)
	}
	cols := tables[0].Columns
	if len(cols) != 2 || cols[0].Name != "order_buyer_address" || cols[1].Name != "order_amounts" || cols[1].Type.DDL != "NUMERIC[]" {
		t.Fatalf("flattened columns: %+v", cols)
	}
	if tables[0].Table != "order_filled" {
		t.Fatalf("table: %s", tables[0].Table)
	}
}

func TestEventTables_Errors(t *testing.T) {
	t.Parallel()

	_, err := EventTables("idx", Contract{Name: "C", Events: []abiitem.Item{{
		Type: "event", Name: "Bad", Inputs: []abiitem.Input{{Name: "x", Type: "tuple[]"}},
	}}})
	if !errors.Is(err, sqltype.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "C.Bad.x") {
		t.Fatalf("error must name the parameter: %v", err)
	}

	_, err = EventTables("idx", Contract{Name: "C", Events: []abiitem.Item{{
		Type: "event", Name: "Clash", Inputs: []abiitem.Input{{Name: "network", Type: "string"}},
	}}})
	if !errors.Is(err, ErrColumnConflict) {
		t.Fatalf("expected ErrColumnConflict, got %v", err)
	}

	_, err = EventTables("idx", Contract{Name: "C", Events: []abiitem.Item{transferEvent(), transferEvent()}})
	if !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("expected ErrInvalidContract for duplicate event, got %v", err)
	}
}

func TestCreateTablesSQL(t *testing.T) {
	t.Parallel()

	sql, err := CreateTablesSQL("MyIndexer", []Contract{
		{Name: "Token", Networks: []string{"ethereum", "base's"}, Events: []abiitem.Item{transferEvent()}},
		{Name: "Logs", Filter: true, Networks: []string{"ethereum"}, Events: []abiitem.Item{transferEvent()}},
	})
	if err != nil {
		t.Fatalf("CreateTablesSQL: %v", err)
	}

	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "rindexer_internal";`,
		`CREATE SCHEMA IF NOT EXISTS "my_indexer_token";`,
		`CREATE TABLE IF NOT EXISTS "my_indexer_token"."transfer"`,
		`CREATE SCHEMA IF NOT EXISTS "my_indexer_logs_filter";`,
		`CREATE TABLE IF NOT EXISTS "rindexer_internal"."my_indexer_token_transfer" ("network" TEXT PRIMARY KEY, "last_synced_block" NUMERIC);`,
		`INSERT INTO "rindexer_internal"."my_indexer_token_transfer" ("network", "last_synced_block") VALUES ('ethereum', 0) ON CONFLICT ("network") DO NOTHING;`,
		`VALUES ('base''s', 0)`,
		`CREATE TABLE IF NOT EXISTS "rindexer_internal"."my_indexer_last_known_relationship_dropping_sql" (key INT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS "rindexer_internal"."my_indexer_last_known_indexes_dropping_sql" (key INT PRIMARY KEY, value TEXT NOT NULL);`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("missing %q in:\n%s", want, sql)
		}
	}
	if strings.Index(sql, `"rindexer_internal";`) > strings.Index(sql, `"my_indexer_token";`) {
		t.Fatalf("internal schema must be created first")
	}
}

func TestDropTablesSQL(t *testing.T) {
	t.Parallel()

	got := DropTablesSQL("MyIndexer", []Contract{{Name: "Token"}, {Name: "Logs", Filter: true}})
	want := "DROP SCHEMA IF EXISTS \"rindexer_internal\" CASCADE;\n" +
		"DROP SCHEMA IF EXISTS \"my_indexer_token\" CASCADE;\n" +
		"DROP SCHEMA IF EXISTS \"my_indexer_logs_filter\" CASCADE;\n"
	if got != want {
		t.Fatalf("DropTablesSQL:\n got %q\nwant %q", got, want)
	}
}
