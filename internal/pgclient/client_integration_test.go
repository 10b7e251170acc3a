//go:build integration

package pgclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rindexer/rindexer-pg/internal/pgtest"
)

func TestClient_Postgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	dsn, _ := pgtest.Start(t, ctx)

	c, err := Connect(ctx, Config{DSN: dsn, ConnectTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.BatchExecute(ctx, `CREATE TABLE kv (k INT PRIMARY KEY, v TEXT NOT NULL); INSERT INTO kv VALUES (1, 'a');`); err != nil {
		t.Fatalf("BatchExecute: %v", err)
	}

	var v string
	found, err := c.QueryOneOrNone(ctx, `SELECT v FROM kv WHERE k = $1`, []any{1}, &v)
	if err != nil || !found || v != "a" {
		t.Fatalf("QueryOneOrNone: found=%v v=%q err=%v", found, v, err)
	}
	found, err = c.QueryOneOrNone(ctx, `SELECT v FROM kv WHERE k = $1`, []any{2}, &v)
	if err != nil || found {
		t.Fatalf("QueryOneOrNone missing row: found=%v err=%v", found, err)
	}

	boom := errors.New("boom")
	err = c.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO kv VALUES (2, 'b')`); err != nil {
			return Wrap("insert", err)
		}
		return boom
	})
	if !errors.Is(err, boom) || IsConnectivity(err) {
		t.Fatalf("WithTx must return fn's error unchanged, got %v", err)
	}
	found, _ = c.QueryOneOrNone(ctx, `SELECT v FROM kv WHERE k = 2`, nil, &v)
	if found {
		t.Fatalf("rolled back row is visible")
	}

	if _, err := c.Exec(ctx, `INSERT INTO kv VALUES (1, 'dup')`); !IsConnectivity(err) {
		t.Fatalf("query failure must be a connectivity error, got %v", err)
	}
}
