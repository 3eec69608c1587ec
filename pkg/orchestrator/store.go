package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the durable mirror of a session's metadata. Row storage itself
// is an external collaborator; the engine only needs this keyed contract
// and treats every write as best-effort.
type Record struct {
	ID                string
	State             State
	Prompt            string
	ProjectPath       string
	ExternalSessionID string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RecordStore is the keyed record store contract for session rows.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	UpdateState(ctx context.Context, id string, state State, externalID, errText string) error
}

// MemoryRecordStore is the in-process RecordStore used by the engine by
// default and by tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]Record)}
}

// Insert stores a new record.
func (m *MemoryRecordStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now()
	m.records[rec.ID] = rec
	return nil
}

// Get returns a record by id.
func (m *MemoryRecordStore) Get(ctx context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

// List returns all records ordered by creation time.
func (m *MemoryRecordStore) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateState updates a record's state fields.
func (m *MemoryRecordStore) UpdateState(ctx context.Context, id string, state State, externalID, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.State = state
	if externalID != "" {
		rec.ExternalSessionID = externalID
	}
	rec.Error = errText
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return nil
}
