package webhooks

import (
	"context"
	"sort"
	"sync"
)

type dedupKey struct {
	gateway  string
	tenantID string
	eventID  string
}

// MemoryStore is an in-memory event store for tests and single-node
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	byProv map[dedupKey]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		byProv: make(map[dedupKey]string),
	}
}

func (m *MemoryStore) Save(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Events without a provider id carry no dedup key and never collide.
	if e.ProviderEventID != "" {
		key := dedupKey{e.Gateway, e.TenantID, e.ProviderEventID}
		if prior, ok := m.byProv[key]; ok && prior != e.ID {
			return ErrDuplicateEvent
		}
		m.byProv[key] = e.ID
	}
	m.events[e.ID] = cloneEvent(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (m *MemoryStore) GetByProviderEventID(ctx context.Context, gateway, tenantID, providerEventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byProv[dedupKey{gateway, tenantID, providerEventID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(m.events[id]), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if e.Status == status {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEvent(e *Event) *Event {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}
