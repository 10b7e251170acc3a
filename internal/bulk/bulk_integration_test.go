//go:build integration

package bulk

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/pgtest"
	"github.com/rindexer/rindexer-pg/internal/projector"
	"github.com/rindexer/rindexer-pg/internal/schema"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

var movedEvent = abiitem.Item{
	Type: "event",
	Name: "Moved",
	Inputs: []abiitem.Input{
		{Name: "from", Type: "address", Indexed: true},
		{Name: "value", Type: "uint256"},
		{Name: "ids", Type: "uint64[]"},
		{Name: "flags", Type: "bool[]"},
		{Name: "memo", Type: "bytes"},
	},
}

func movedRow(t *testing.T, inputs []abiitem.Input, i uint64, ids []uint64) []sqltype.Value {
	t.Helper()

	idTokens := make([]abiitem.Token, len(ids))
	for j, id := range ids {
		idTokens[j] = abiitem.UintToken(uint256.NewInt(id))
	}
	params := []abiitem.LogParam{
		{Name: "from", Value: abiitem.AddressToken(common.BigToAddress(new(big.Int).SetUint64(i + 1)))},
		{Name: "value", Value: abiitem.UintToken(new(uint256.Int).Lsh(uint256.NewInt(i+1), 200))},
		{Name: "ids", Value: abiitem.ArrayToken(idTokens...)},
		{Name: "flags", Value: abiitem.ArrayToken(abiitem.BoolToken(true), abiitem.BoolToken(i%2 == 0))},
		{Name: "memo", Value: abiitem.BytesToken([]byte{0xde, 0xad, byte(i)})},
	}
	row, err := projector.ProjectLog(inputs, projector.DecodedLog{
		Params: params,
		Receipt: projector.Receipt{
			ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
			TxHash:          common.BigToHash(new(big.Int).SetUint64(100 + i)),
			BlockNumber:     18_000_000 + i,
			BlockHash:       common.BigToHash(new(big.Int).SetUint64(200 + i)),
			Network:         "ethereum",
			TxIndex:         i,
			LogIndex:        i,
		},
	})
	if err != nil {
		t.Fatalf("ProjectLog: %v", err)
	}
	return row
}

func TestWriter_Postgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	dsn, _ := pgtest.Start(t, ctx)
	db, err := pgclient.Connect(ctx, pgclient.Config{DSN: dsn, ConnectTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(db.Close)

	contract := schema.Contract{Name: "Vault", Networks: []string{"ethereum"}, Events: []abiitem.Item{movedEvent}}
	script, err := schema.CreateTablesSQL("bulk", []schema.Contract{contract})
	if err != nil {
		t.Fatalf("CreateTablesSQL: %v", err)
	}
	if err := db.BatchExecute(ctx, script); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	tables, err := schema.EventTables("bulk", contract)
	if err != nil {
		t.Fatalf("EventTables: %v", err)
	}
	table := tables[0]

	w, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	copyRows := [][]sqltype.Value{
		movedRow(t, table.Inputs, 0, []uint64{1, 2, 3}),
		movedRow(t, table.Inputs, 1, nil),
		movedRow(t, table.Inputs, 2, []uint64{1<<64 - 1}),
	}
	n, err := w.Copy(ctx, table.QualifiedName(), table.ColumnNames(), table.ColumnOIDs(), copyRows)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 3 {
		t.Fatalf("Copy reported %d rows", n)
	}

	insertRows := [][]sqltype.Value{
		movedRow(t, table.Inputs, 3, []uint64{7}),
		movedRow(t, table.Inputs, 4, nil),
	}
	if err := w.Insert(ctx, table.QualifiedName(), table.ColumnNames(), insertRows); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var count int
	if _, err := db.QueryOneOrNone(ctx, "SELECT count(*) FROM "+table.QualifiedName(), nil, &count); err != nil || count != 5 {
		t.Fatalf("count=%d err=%v", count, err)
	}

	var (
		from, value, network, txHash string
		ids                          []string
		nullIDs                      bool
		memo                         string
	)
	found, err := db.QueryOneOrNone(ctx,
		`SELECT "from", "value", "ids"::text[], "network", "tx_hash", encode("memo", 'hex')
		   FROM `+table.QualifiedName()+` WHERE "tx_index" = 0`, nil,
		&from, &value, &ids, &network, &txHash, &memo)
	if err != nil || !found {
		t.Fatalf("select copied row: found=%v err=%v", found, err)
	}
	if from != "0x0000000000000000000000000000000000000001" {
		t.Fatalf("from=%q", from)
	}
	wantValue := new(big.Int).Lsh(big.NewInt(1), 200).String()
	if value != wantValue {
		t.Fatalf("value=%q want %q", value, wantValue)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[2] != "3" {
		t.Fatalf("ids=%v", ids)
	}
	if network != "ethereum" || len(txHash) != 66 {
		t.Fatalf("network=%q tx_hash=%q", network, txHash)
	}
	if memo != "dead00" {
		t.Fatalf("memo=%q", memo)
	}

	if _, err := db.QueryOneOrNone(ctx,
		`SELECT "ids" IS NULL FROM `+table.QualifiedName()+` WHERE "tx_index" = 1`, nil, &nullIDs); err != nil || !nullIDs {
		t.Fatalf("empty array must be stored as NULL: null=%v err=%v", nullIDs, err)
	}

	var maxID string
	if _, err := db.QueryOneOrNone(ctx,
		`SELECT "ids"[1]::text FROM `+table.QualifiedName()+` WHERE "tx_index" = 2`, nil, &maxID); err != nil || maxID != "18446744073709551615" {
		t.Fatalf("u64 max round trip: %q err=%v", maxID, err)
	}

	if err := db.BatchExecute(ctx, `CREATE TABLE public.notes (id NUMERIC PRIMARY KEY, label VARCHAR(32) NOT NULL);`); err != nil {
		t.Fatalf("create notes: %v", err)
	}
	notes := [][]sqltype.Value{
		{sqltype.U64(1), sqltype.String("first")},
		{sqltype.U64(2), sqltype.String("second")},
	}
	if err := w.ExecEach(ctx, `INSERT INTO public.notes (id, label) VALUES ($1, $2)`, notes); err != nil {
		t.Fatalf("ExecEach: %v", err)
	}
	dup := [][]sqltype.Value{
		{sqltype.U64(3), sqltype.String("third")},
		{sqltype.U64(1), sqltype.String("again")},
	}
	if err := w.ExecEach(ctx, `INSERT INTO public.notes (id, label) VALUES ($1, $2)`, dup); err == nil {
		t.Fatalf("ExecEach with a duplicate key must fail")
	}
	if _, err := db.QueryOneOrNone(ctx, "SELECT count(*) FROM public.notes", nil, &count); err != nil || count != 2 {
		t.Fatalf("ExecEach must roll back the whole batch: count=%d err=%v", count, err)
	}

	bad := [][]sqltype.Value{movedRow(t, table.Inputs, 9, nil)}
	bad[0][0] = sqltype.U64(1)
	if _, err := w.Copy(ctx, table.QualifiedName(), table.ColumnNames(), table.ColumnOIDs(), bad); err == nil {
		t.Fatalf("Copy with a mistyped column must fail")
	}
	if _, err := db.QueryOneOrNone(ctx, "SELECT count(*) FROM "+table.QualifiedName(), nil, &count); err != nil || count != 5 {
		t.Fatalf("aborted copy left rows behind: count=%d err=%v", count, err)
	}
}
