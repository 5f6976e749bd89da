package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// MemoryStore keeps records in process memory. It is the fallback backend
// when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Kind]map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, kind Kind, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(kind, id, rec)
	return nil
}

func (s *MemoryStore) put(kind Kind, id string, rec Record) {
	tbl, ok := s.records[kind]
	if !ok {
		tbl = make(map[string]Record)
		s.records[kind] = tbl
	}
	tbl[id] = rec.Clone()
}

func (s *MemoryStore) Load(_ context.Context, kind Kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[kind], id)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, kind Kind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records[kind]))
	for id := range s.records[kind] {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{store: s}, nil
}

func (s *MemoryStore) Close() error { return nil }

type pending struct {
	kind Kind
	id   string
	rec  Record
}

// memoryTx buffers saves until Commit.
type memoryTx struct {
	store *MemoryStore
	ops   []pending
	done  bool
}

func (tx *memoryTx) Save(_ context.Context, kind Kind, id string, rec Record) error {
	if tx.done {
		return ErrTxDone
	}
	tx.ops = append(tx.ops, pending{kind: kind, id: id, rec: rec.Clone()})
	return nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, op := range tx.ops {
		tx.store.put(op.kind, op.id, op.rec)
	}
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.ops = nil
	return nil
}
