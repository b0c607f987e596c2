package callback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is an in-process store. State is lost on restart and is not
// shared between instances.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
	logger  *zap.Logger
}

// NewMemoryStore creates a new in-memory callback store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
		logger:  logger.Named("memory_store"),
	}
}

func (m *MemoryStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	stamp(record, m.now(), ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[record.State] = record.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, record *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.records[record.State]
	if !ok || now.After(existing.ExpiresAt) {
		return ErrNotFound
	}

	record.CreatedAt = existing.CreatedAt
	stamp(record, now, ttl)
	m.records[record.State] = record.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, state string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[state]
	if !ok {
		return nil, ErrNotFound
	}

	if m.now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}

	return record.Clone(), nil
}

func (m *MemoryStore) Remove(ctx context.Context, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, state)
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := m.now()
	for state, record := range m.records {
		if now.After(record.ExpiresAt) {
			delete(m.records, state)
			count++
		}
	}

	if count > 0 {
		m.logger.Debug("Cleaned up expired callback states", zap.Int64("count", count))
	}
	return count, nil
}

// Len returns the number of records held, including expired ones not yet cleaned up.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
