package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"offmarket/db"
)

// MemoryRepository keeps credentials in process. Every method holds one
// mutex so Consume has the same check-and-set guarantee as the SQL guard.
// It ignores the Querier and suits tests and single-node demos.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Credential)}
}

func (m *MemoryRepository) Insert(_ context.Context, _ db.Querier, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.Code == c.Code && row.Kind.family() == c.Kind.family() &&
			row.ConsumedAt == nil && row.RevokedAt == nil {
			return errCodeCollision
		}
	}
	stored := c
	m.rows[c.ID] = &stored
	return nil
}

func (m *MemoryRepository) Consume(_ context.Context, _ db.Querier, p consumeParams) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.Code != p.Code || !containsKind(p.Kinds, row.Kind) || !row.Live(p.Now) {
			continue
		}
		if row.Kind.SubjectScoped() {
			if p.SubjectUserID == "" || row.SubjectUserID != p.SubjectUserID {
				continue
			}
		} else if p.SubjectUserID != "" {
			row.SubjectUserID = p.SubjectUserID
		}
		now := p.Now
		row.ConsumedAt = &now
		return *row, nil
	}
	return Credential{}, ErrNotFound
}

func (m *MemoryRepository) ListByCode(_ context.Context, _ db.Querier, kinds []Kind, code string) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Credential
	for _, row := range m.rows {
		if row.Code == code && containsKind(kinds, row.Kind) {
			out = append(out, *row)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryRepository) FindLive(_ context.Context, _ db.Querier, lq LiveQuery, now time.Time) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Credential
	for _, row := range m.rows {
		if !containsKind(lq.Kinds, row.Kind) || !row.Live(now) {
			continue
		}
		if lq.SubjectUserID != "" && row.SubjectUserID != lq.SubjectUserID {
			continue
		}
		if lq.Entity != nil && (row.Entity == nil || *row.Entity != *lq.Entity) {
			continue
		}
		out = append(out, *row)
	}
	if len(out) == 0 {
		return Credential{}, ErrNotFound
	}
	sortNewestFirst(out)
	return out[0], nil
}

func (m *MemoryRepository) GetByID(_ context.Context, _ db.Querier, id string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *row, nil
}

func (m *MemoryRepository) Invalidate(_ context.Context, _ db.Querier, p InvalidateParams, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, row := range m.rows {
		if !row.Live(now) {
			continue
		}
		if len(p.Kinds) > 0 && !containsKind(p.Kinds, row.Kind) {
			continue
		}
		if p.ID != "" && row.ID != p.ID {
			continue
		}
		if p.SubjectUserID != "" && row.SubjectUserID != p.SubjectUserID {
			continue
		}
		if p.Entity != nil && (row.Entity == nil || *row.Entity != *p.Entity) {
			continue
		}
		at := now
		row.ExpiresAt = &at
		row.RevokedAt = &at
		n++
	}
	return n, nil
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func sortNewestFirst(rows []Credential) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IssuedAt.Equal(rows[j].IssuedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].IssuedAt.After(rows[j].IssuedAt)
	})
}
