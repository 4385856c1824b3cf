package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/verostack/adminauth/pkg/store"
)

// Adapter persists records as files under a directory, one file per key.
// Writes go through a temp file plus fsync plus rename so a crash leaves
// either the previous record or the new complete one, never a torn write.
type Adapter struct {
	dir string
}

var _ store.Backend = (*Adapter)(nil)

func NewAdapter(dir string) (*Adapter, error) {
	if dir == "" {
		return nil, errors.New("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &Adapter{dir: dir}, nil
}

func (a *Adapter) Save(ctx context.Context, key string, payload []byte) error {
	path := a.pathFor(key)

	f, err := os.CreateTemp(a.dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("file store: create temp file: %w", err)
	}
	tempPath := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("file store: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("file store: sync record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("file store: close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("file store: set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("file store: commit record: %w", err)
	}

	committed = true
	return nil
}

func (a *Adapter) Load(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := os.ReadFile(a.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("file store: read record: %w", err)
	}
	return payload, true, nil
}

func (a *Adapter) Clear(ctx context.Context, key string) error {
	if err := os.Remove(a.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file store: remove record: %w", err)
	}
	return nil
}

// pathFor hashes the key so namespace separators never reach the filesystem.
func (a *Adapter) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(a.dir, hex.EncodeToString(sum[:8])+".json")
}
