package gcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	gcs "google.golang.org/api/storage/v1"
)

// AssetStore stores render assets in a GCS bucket
type AssetStore struct {
	client *Client
	bucket string
}

// NewAssetStore creates a GCS-backed storage.AssetStore
func NewAssetStore(client *Client, bucket string) *AssetStore {
	return &AssetStore{client: client, bucket: bucket}
}

func (s *AssetStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

// objectName accepts a key or a gs:// URI in this bucket
func (s *AssetStore) objectName(uriOrKey string) string {
	return strings.TrimPrefix(uriOrKey, fmt.Sprintf("gs://%s/", s.bucket))
}

func (s *AssetStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", localPath)
	}
	defer f.Close()
	return s.insert(ctx, key, f, "")
}

func (s *AssetStore) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return s.insert(ctx, key, bytes.NewReader(data), contentType)
}

func (s *AssetStore) insert(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	var opts []googleapi.MediaOption
	if contentType != "" {
		opts = append(opts, googleapi.ContentType(contentType))
	}
	obj := &gcs.Object{Name: key, ContentType: contentType}
	_, err := s.client.storage.Objects.Insert(s.bucket, obj).Media(r, opts...).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "uploading %s", s.URI(key))
	}
	return s.URI(key), nil
}

func (s *AssetStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.storage.Objects.Get(s.bucket, key).Fields("name").Context(ctx).Do()
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", s.URI(key))
	}
	return true, nil
}

func (s *AssetStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.storage.Objects.Get(s.bucket, key).Context(ctx).Download()
	if isNotFound(err) {
		return nil, errors.Wrapf(storage.ErrObjectNotFound, "key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", s.URI(key))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrapf(err, "reading %s", s.URI(key))
}

func (s *AssetStore) Download(ctx context.Context, uri, localPath string) error {
	data, err := s.GetObject(ctx, s.objectName(uri))
	if err != nil {
		return err
	}
	return errors.WithStack(os.WriteFile(localPath, data, 0o644))
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
