package memory

import (
	"context"
	"sync"

	"github.com/verostack/adminauth/pkg/store"
)

// Adapter keeps records in process memory. Nothing survives a restart; it is
// the default backend and the one the tests run against.
type Adapter struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ store.Backend = (*Adapter)(nil)

func NewAdapter() *Adapter {
	return &Adapter{
		entries: map[string][]byte{},
	}
}

func (a *Adapter) Save(ctx context.Context, key string, payload []byte) error {
	copied := make([]byte, len(payload))
	copy(copied, payload)

	a.mu.Lock()
	a.entries[key] = copied
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Load(ctx context.Context, key string) ([]byte, bool, error) {
	a.mu.RLock()
	payload, ok := a.entries[key]
	a.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	copied := make([]byte, len(payload))
	copy(copied, payload)
	return copied, true, nil
}

func (a *Adapter) Clear(ctx context.Context, key string) error {
	a.mu.Lock()
	delete(a.entries, key)
	a.mu.Unlock()
	return nil
}
