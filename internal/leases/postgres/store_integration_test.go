//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rindexer/rindexer-pg/internal/leases"
	"github.com/rindexer/rindexer-pg/internal/pgtest"
)

func TestStore_AcquireRenewRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	_, pool := pgtest.Start(t, ctx)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema must be idempotent: %v", err)
	}

	name := leases.LifecycleName("uniswap")
	l, ok, err := s.TryAcquire(ctx, name, "a", 2*time.Second)
	if err != nil || !ok || l.Owner != "a" {
		t.Fatalf("TryAcquire: %+v ok=%v err=%v", l, ok, err)
	}
	l2, ok, err := s.TryAcquire(ctx, name, "b", 2*time.Second)
	if err != nil || ok || l2.Owner != "a" {
		t.Fatalf("expected held by a: %+v ok=%v err=%v", l2, ok, err)
	}

	if _, ok, err := s.Renew(ctx, name, "b", 2*time.Second); err != nil || ok {
		t.Fatalf("renew by b: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Renew(ctx, name, "a", 3*time.Second); err != nil || !ok {
		t.Fatalf("renew by a: ok=%v err=%v", ok, err)
	}

	if err := s.Release(ctx, name, "b"); err != nil {
		t.Fatalf("release by b: %v", err)
	}
	if _, ok, _ := s.TryAcquire(ctx, name, "b", time.Second); ok {
		t.Fatalf("release by b freed a's lease")
	}
	if err := s.Release(ctx, name, "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, ok, err := s.TryAcquire(ctx, name, "b", time.Second); err != nil || !ok {
		t.Fatalf("acquire by b: ok=%v err=%v", ok, err)
	}
	time.Sleep(1100 * time.Millisecond)
	l3, ok, err := s.TryAcquire(ctx, name, "c", time.Second)
	if err != nil || !ok || l3.Owner != "c" {
		t.Fatalf("steal after expiry: %+v ok=%v err=%v", l3, ok, err)
	}

	err = leases.Hold(ctx, s, name, "d", time.Minute, func(context.Context) error { return nil })
	if !errors.Is(err, leases.ErrHeld) {
		t.Fatalf("Hold on a held lease: %v", err)
	}
}
