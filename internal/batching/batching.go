// Package batching groups rows per destination table until a batch is full
// or old enough to flush.
package batching

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

const DefaultMaxAge = 2 * time.Second

var ErrInvalidConfig = errors.New("batching: invalid config")

type Config struct {
	MaxItems int
	MaxAge   time.Duration

	// Now allows deterministic tests. If nil, time.Now is used.
	Now func() time.Time
}

// Batch is a flushed group of items bound for one key.
type Batch[T any] struct {
	Key       string
	Items     []T
	StartedAt time.Time
}

type pending[T any] struct {
	items     []T
	startedAt time.Time
}

// Batcher keeps one open batch per key. It is safe for concurrent use.
type Batcher[T any] struct {
	mu       sync.Mutex
	maxItems int
	maxAge   time.Duration
	now      func() time.Time

	open map[string]*pending[T]
	size int
}

func New[T any](cfg Config) (*Batcher[T], error) {
	if cfg.MaxItems <= 0 {
		return nil, fmt.Errorf("%w: MaxItems must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("%w: MaxAge must be > 0", ErrInvalidConfig)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Batcher[T]{
		maxItems: cfg.MaxItems,
		maxAge:   cfg.MaxAge,
		now:      now,
		open:     make(map[string]*pending[T]),
	}, nil
}

// Len is the number of buffered items across all keys.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Add appends v to the batch of key and returns that batch once it reaches
// MaxItems.
func (b *Batcher[T]) Add(key string, v T) (Batch[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.open[key]
	if !ok {
		p = &pending[T]{startedAt: b.now()}
		b.open[key] = p
	}
	p.items = append(p.items, v)
	b.size++
	if len(p.items) < b.maxItems {
		return Batch[T]{}, false
	}
	return b.takeLocked(key), true
}

// FlushDue returns every batch whose age is at least MaxAge, ordered by key.
func (b *Batcher[T]) FlushDue() []Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []Batch[T]
	for _, key := range b.keysLocked() {
		if now.Sub(b.open[key].startedAt) >= b.maxAge {
			out = append(out, b.takeLocked(key))
		}
	}
	return out
}

// Flush returns every open batch regardless of age, ordered by key.
func (b *Batcher[T]) Flush() []Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Batch[T]
	for _, key := range b.keysLocked() {
		out = append(out, b.takeLocked(key))
	}
	return out
}

func (b *Batcher[T]) keysLocked() []string {
	keys := make([]string, 0, len(b.open))
	for k := range b.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Batcher[T]) takeLocked(key string) Batch[T] {
	p := b.open[key]
	delete(b.open, key)
	b.size -= len(p.items)
	return Batch[T]{Key: key, Items: p.items, StartedAt: p.startedAt}
}

// BatchID is a deterministic identifier for a set of log ids, independent of
// their order:
//
//	keccak256("RINDEXER_BATCH_V1" || keccak256(sorted ids concatenated))
func BatchID(ids [][]byte) [32]byte {
	if len(ids) == 0 {
		return [32]byte{}
	}
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, bytes.Compare)

	inner := sha3.NewLegacyKeccak256()
	for _, id := range sorted {
		_, _ = inner.Write(id)
	}
	outer := sha3.NewLegacyKeccak256()
	_, _ = outer.Write([]byte("RINDEXER_BATCH_V1"))
	_, _ = outer.Write(inner.Sum(nil))

	var out [32]byte
	copy(out[:], outer.Sum(nil))
	return out
}
