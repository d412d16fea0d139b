package journal

import (
	"context"
	"sync"

	"github.com/keelworks/keel/internal/schema"
)

// Memory keeps a bounded in-process audit trail. Oldest entries fall off
// when the cap is reached.
type Memory struct {
	mu     sync.RWMutex
	limit  int
	events []*schema.Event
	orders []*schema.Order
}

// NewMemory constructs a memory journal holding at most limit entries per
// record type. A non-positive limit defaults to 10000.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 10000
	}
	return &Memory{limit: limit}
}

func (m *Memory) RecordEvent(_ context.Context, evt *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt.Clone())
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

func (m *Memory) RecordOrder(_ context.Context, order *schema.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order.Clone())
	if len(m.orders) > m.limit {
		m.orders = m.orders[len(m.orders)-m.limit:]
	}
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

// Events returns a copy of the recorded events, oldest first.
func (m *Memory) Events() []*schema.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Event, len(m.events))
	for i, evt := range m.events {
		out[i] = evt.Clone()
	}
	return out
}

// Orders returns a copy of the recorded order snapshots, oldest first.
func (m *Memory) Orders() []*schema.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Order, len(m.orders))
	for i, order := range m.orders {
		out[i] = order.Clone()
	}
	return out
}
