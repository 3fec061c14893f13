package storage

import (
	"context"

	"github.com/pkg/errors"
)

// ErrObjectNotFound is returned by GetObject and Download when the key does not exist
var ErrObjectNotFound = errors.New("object not found")

// AssetStore is durable object storage for render inputs, job configs, status files and outputs.
// Keys are bucket-relative paths; URIs are fully qualified (gs://bucket/key).
type AssetStore interface {
	// Upload copies a local file to key and returns its URI
	Upload(ctx context.Context, localPath, key string) (string, error)
	// Download copies the object at uri (or key) to a local file
	Download(ctx context.Context, uri, localPath string) error
	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
	// PutObject writes bytes to key and returns its URI
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// GetObject reads the object at key
	GetObject(ctx context.Context, key string) ([]byte, error)
	// URI returns the fully qualified URI of key without touching the store
	URI(key string) string
}
