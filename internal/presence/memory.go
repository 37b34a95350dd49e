package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	seenAt    time.Time
	expiresAt time.Time
}

// Memory is a process-local Store. Expired facts are dropped lazily on read.
type Memory struct {
	mu    sync.RWMutex
	ttl   time.Duration
	facts map[string]entry
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, facts: make(map[string]entry), now: time.Now}
}

func (m *Memory) Touch(_ context.Context, deviceID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[deviceID] = entry{seenAt: seenAt.UTC(), expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, deviceID string) (Fact, bool, error) {
	m.mu.RLock()
	e, ok := m.facts[deviceID]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return Fact{}, false, nil
	}
	return Fact{DeviceID: deviceID, SeenAt: e.seenAt}, true, nil
}

func (m *Memory) All(_ context.Context) ([]Fact, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fact, 0, len(m.facts))
	for id, e := range m.facts {
		if !now.Before(e.expiresAt) {
			delete(m.facts, id)
			continue
		}
		out = append(out, Fact{DeviceID: id, SeenAt: e.seenAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Memory) Forget(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.facts, deviceID)
	m.mu.Unlock()
	return nil
}
