package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"offmarket/ids"
)

// MemoryRepository keeps match records in process with the same one-live-
// record-per-pair rule as the partial unique index.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

func (m *MemoryRepository) Upsert(_ context.Context, demandID, propertyID string, score int) (Record, UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, rec := range m.records {
		if rec.DemandID != demandID || rec.PropertyID != propertyID {
			continue
		}
		if rec.Status == StatusRejected {
			return Record{}, ResultSkipped, nil
		}
		rec.Score = score
		rec.UpdatedAt = now
		return *rec, ResultUpdated, nil
	}
	rec := &Record{
		ID:         ids.NewULID(),
		DemandID:   demandID,
		PropertyID: propertyID,
		Score:      score,
		Status:     StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.records[rec.ID] = rec
	return *rec, ResultCreated, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, status Status) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return *rec, nil
}

func (m *MemoryRepository) ListForDemand(_ context.Context, demandID string) ([]Record, error) {
	return m.list(func(r *Record) bool { return r.DemandID == demandID }), nil
}

func (m *MemoryRepository) ListForProperty(_ context.Context, propertyID string) ([]Record, error) {
	return m.list(func(r *Record) bool { return r.PropertyID == propertyID }), nil
}

func (m *MemoryRepository) list(keep func(*Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, 8)
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
