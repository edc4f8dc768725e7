package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps tickets in process memory. Expired entries are dropped by
// the cache janitor.
type MemoryStore struct {
	mu    sync.Mutex // makes get-and-delete atomic
	cache *cache.Cache
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 30*time.Second)}
}

func (m *MemoryStore) Put(_ context.Context, t *Ticket) error {
	ttl := time.Until(t.ExpiresAt())
	if ttl <= 0 {
		// go-cache treats a non-positive duration as "never expires".
		return nil
	}
	m.cache.Set(t.ID, t, ttl)
	return nil
}

func (m *MemoryStore) Take(_ context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.cache.Delete(id)
	return v.(*Ticket), nil
}

// Len reports the number of unexpired tickets held.
func (m *MemoryStore) Len() int {
	return m.cache.ItemCount()
}
