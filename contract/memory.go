package contract

import (
	"context"
	"sort"
	"sync"
	"time"

	"offmarket/credential"
	"offmarket/db"
)

type recordKey struct {
	userID     string
	entityType string
	entityID   string
}

// MemoryRepository is an in-process Repository. Update keeps the stage
// guard, so concurrent writers see ErrStaleRecord exactly like Postgres.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[recordKey]Record
	events  []Event
	outbox  []OutboxEntry
}

// OutboxEntry is a message captured by MemoryRepository.
type OutboxEntry struct {
	Topic   string
	Payload map[string]any
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[recordKey]Record)}
}

func keyOf(userID string, entity credential.EntityRef) recordKey {
	return recordKey{userID: userID, entityType: entity.Type, entityID: entity.ID}
}

func (m *MemoryRepository) Ensure(_ context.Context, _ db.Querier, userID string, entity credential.EntityRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(userID, entity)
	if _, ok := m.records[k]; !ok {
		now := time.Now().UTC()
		m.records[k] = Record{
			UserID:     userID,
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Stage:      StageNone,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, _ db.Querier, userID string, entity credential.EntityRef) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[keyOf(userID, entity)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) GetForUpdate(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) (Record, error) {
	return m.Get(ctx, q, userID, entity)
}

func (m *MemoryRepository) Update(_ context.Context, _ db.Querier, rec Record, from Stage) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(rec.UserID, rec.Entity())
	current, ok := m.records[k]
	if !ok || current.Stage != from {
		return Record{}, ErrStaleRecord
	}
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	m.records[k] = rec
	return rec, nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, _ db.Querier, userID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for k, rec := range m.records {
		if k.userID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryRepository) AppendEvent(_ context.Context, _ db.Querier, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryRepository) EnqueueOutbox(_ context.Context, _ db.Querier, topic string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, OutboxEntry{Topic: topic, Payload: payload})
	return nil
}

// Events returns a copy of the appended events.
func (m *MemoryRepository) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Outbox returns a copy of the enqueued messages.
func (m *MemoryRepository) Outbox() []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxEntry(nil), m.outbox...)
}
