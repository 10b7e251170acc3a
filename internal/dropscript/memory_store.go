package dropscript

import (
	"context"
	"sync"
)

type memoryKey struct {
	indexer string
	kind    Kind
}

type MemoryStore struct {
	mu      sync.Mutex
	scripts map[memoryKey][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scripts: make(map[memoryKey][]string)}
}

func (s *MemoryStore) Load(_ context.Context, indexer string, kind Kind) ([]string, error) {
	if _, err := TableName(indexer, kind); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.scripts[memoryKey{indexer, kind}]...), nil
}

func (s *MemoryStore) Save(_ context.Context, indexer string, kind Kind, stmts []string) error {
	if _, err := TableName(indexer, kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts[memoryKey{indexer, kind}] = append([]string(nil), stmts...)
	return nil
}
