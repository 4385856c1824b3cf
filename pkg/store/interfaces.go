package store

import (
	"context"
)

// Backend persists the session record as an opaque blob under a fixed key.
// Implementations do not inspect the payload; the Store owns the schema.
type Backend interface {
	Save(ctx context.Context, key string, payload []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Clear(ctx context.Context, key string) error
}
