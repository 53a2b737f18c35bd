package prerenderstore

import (
	"context"
	"sync"
)

type memKey struct{ pk, rk string }

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	opts Options

	mu sync.RWMutex
	m  map[memKey]Entry
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), m: make(map[memKey]Entry)}
}

func (s *Memory) Get(ctx context.Context, partitionKey, rowKey string) (Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.m[memKey{partitionKey, rowKey}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return ent, nil
}

func (s *Memory) Insert(ctx context.Context, partitionKey, rowKey, value string) error {
	_ = ctx
	ent := Entry{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Value:        value,
		ExpiryDate:   s.opts.expiry(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[memKey{partitionKey, rowKey}] = ent
	return nil
}

func (s *Memory) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, memKey{partitionKey, rowKey})
	return nil
}

// Len returns the number of stored rows.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
