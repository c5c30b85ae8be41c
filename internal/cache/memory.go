package cache

import (
	"context"
	"sync"
	"time"
)

var _ Flags = (*MemoryFlags)(nil)

// MemoryFlags is an in-process Flags. Expired keys are dropped lazily on access.
type MemoryFlags struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{expires: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryFlags) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryFlags) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, key)
	return nil
}
