package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process AssetStore. Render workers cannot reach it, so it only serves tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

// NewMemoryStore creates an empty store whose URIs use the given bucket name
func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "local"
	}
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStore) URI(key string) string {
	return fmt.Sprintf("mem://%s/%s", m.bucket, key)
}

func (m *MemoryStore) key(uriOrKey string) string {
	return strings.TrimPrefix(uriOrKey, fmt.Sprintf("mem://%s/", m.bucket))
}

func (m *MemoryStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", localPath)
	}
	return m.PutObject(ctx, key, data, "")
}

func (m *MemoryStore) Download(ctx context.Context, uri, localPath string) error {
	data, err := m.GetObject(ctx, m.key(uri))
	if err != nil {
		return err
	}
	return errors.WithStack(os.WriteFile(localPath, data, 0o644))
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) PutObject(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := make([]byte, len(data))
	copy(owned, data)
	m.objects[key] = owned
	return m.URI(key), nil
}

func (m *MemoryStore) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrapf(ErrObjectNotFound, "key %s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Keys lists stored keys with the given prefix
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
