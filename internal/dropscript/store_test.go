package dropscript

import (
	"context"
	"errors"
	"testing"
)

func TestTableName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		indexer string
		kind    Kind
		want    string
	}{
		{"MyIndexer", KindRelationships, "my_indexer_last_known_relationship_dropping_sql"},
		{"MyIndexer", KindIndexes, "my_indexer_last_known_indexes_dropping_sql"},
	}
	for _, tc := range cases {
		got, err := TableName(tc.indexer, tc.kind)
		if err != nil {
			t.Fatalf("TableName(%q, %q): %v", tc.indexer, tc.kind, err)
		}
		if got != tc.want {
			t.Fatalf("TableName(%q, %q) = %q, want %q", tc.indexer, tc.kind, got, tc.want)
		}
	}
	if _, err := TableName("x", Kind("views")); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	empty, err := Encode(nil)
	if err != nil || empty != "[]" {
		t.Fatalf("Encode(nil) = %q, %v", empty, err)
	}

	stmts := []string{`ALTER TABLE "a"."b" DROP CONSTRAINT IF EXISTS "fk_b_c";`, "DROP INDEX CONCURRENTLY IF EXISTS \"a\".\"idx\";"}
	v, err := Encode(stmts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 || got[0] != stmts[0] || got[1] != stmts[1] {
		t.Fatalf("Decode = %q", got)
	}

	if _, err := Decode(`{"not":"an array"}`); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Load(ctx, "idx", KindIndexes)
	if err != nil || len(got) != 0 {
		t.Fatalf("Load before Save = %q, %v", got, err)
	}

	in := []string{"a", "b"}
	if err := s.Save(ctx, "idx", KindIndexes, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	in[0] = "mutated"

	got, _ = s.Load(ctx, "idx", KindIndexes)
	if len(got) != 2 || got[0] != "a" {
		t.Fatalf("Load = %q", got)
	}
	if rel, _ := s.Load(ctx, "idx", KindRelationships); len(rel) != 0 {
		t.Fatalf("kinds must be independent, got %q", rel)
	}
	if other, _ := s.Load(ctx, "other", KindIndexes); len(other) != 0 {
		t.Fatalf("indexers must be independent, got %q", other)
	}

	if err := s.Save(ctx, "idx", KindIndexes, nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
	if got, _ := s.Load(ctx, "idx", KindIndexes); len(got) != 0 {
		t.Fatalf("Save must replace, got %q", got)
	}

	if err := s.Save(ctx, "idx", Kind(""), nil); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}
