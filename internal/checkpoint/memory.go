package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	role   Role
	fileID string
}

// MemoryStore keeps records in process memory. It is not durable and is
// meant for tests and runs where resume is disabled.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
	now     func() time.Time
	closed  bool
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		records: make(map[recordKey]Record),
		now:     o.now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.UpdatedAt = m.now()
	m.records[recordKey{rec.Role, rec.FileID}] = rec
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, role Role, fileID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.records[recordKey{role, fileID}]
	return rec, ok, nil
}

func (m *MemoryStore) Clear(ctx context.Context, role Role, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, recordKey{role, fileID})
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for key, rec := range m.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// sortRecords orders newest first, then by role and id for stable output.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.FileID < b.FileID
	})
}
