package listing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for tests and demos.
type MemoryRepository struct {
	mu         sync.RWMutex
	properties map[string]Property
	demands    map[string]Demand
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		properties: make(map[string]Property),
		demands:    make(map[string]Demand),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) CreateProperty(_ context.Context, p Property) (Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.properties[p.ID] = p
	return p, nil
}

func (m *MemoryRepository) GetProperty(_ context.Context, id string) (Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return Property{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) SetPropertyStatus(_ context.Context, id string, status PropertyStatus) (Property, error) {
	return m.mutateProperty(id, func(p *Property) { p.Status = status })
}

func (m *MemoryRepository) ApproveProperty(_ context.Context, id string) (Property, error) {
	return m.mutateProperty(id, func(p *Property) { p.Approved = true })
}

func (m *MemoryRepository) mutateProperty(id string, fn func(*Property)) (Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.properties[id]
	if !ok {
		return Property{}, ErrNotFound
	}
	fn(&p)
	p.UpdatedAt = m.now()
	m.properties[id] = p
	return p, nil
}

func (m *MemoryRepository) ListPropertiesByAgent(_ context.Context, agentID string) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Property{}
	for _, p := range m.properties {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListMatchableProperties(_ context.Context, q MatchQuery) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Property{}
	for _, p := range m.properties {
		if p.Status != PropertyActive || !p.Approved {
			continue
		}
		if len(q.TransactionTypes) > 0 && !containsValue(q.TransactionTypes, p.TransactionType) {
			continue
		}
		if len(q.PropertyTypes) > 0 && !containsValue(q.PropertyTypes, p.PropertyType) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) CreateDemand(_ context.Context, d Demand) (Demand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = m.now()
	d.UpdatedAt = d.CreatedAt
	m.demands[d.ID] = d
	return d, nil
}

func (m *MemoryRepository) GetDemand(_ context.Context, id string) (Demand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.demands[id]
	if !ok {
		return Demand{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryRepository) SetDemandStatus(_ context.Context, id string, status DemandStatus) (Demand, error) {
	return m.mutateDemand(id, func(d *Demand) { d.Status = status })
}

func (m *MemoryRepository) ApproveDemand(_ context.Context, id string) (Demand, error) {
	return m.mutateDemand(id, func(d *Demand) { d.Approved = true })
}

func (m *MemoryRepository) mutateDemand(id string, fn func(*Demand)) (Demand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demands[id]
	if !ok {
		return Demand{}, ErrNotFound
	}
	fn(&d)
	d.UpdatedAt = m.now()
	m.demands[id] = d
	return d, nil
}

func (m *MemoryRepository) ListDemandsByClient(_ context.Context, clientID string) ([]Demand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Demand{}
	for _, d := range m.demands {
		if d.ClientID == clientID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListMatchableDemands(_ context.Context, now time.Time) ([]Demand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Demand{}
	for _, d := range m.demands {
		if d.Approved && d.Matchable(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsValue[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
