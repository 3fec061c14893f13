package storage

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RetryingStore retries transient store failures. A missing object is an answer, not a failure.
type RetryingStore struct {
	inner    AssetStore
	attempts uint
	delay    time.Duration
}

// NewRetryingStore wraps a store with at-least-once retry
func NewRetryingStore(inner AssetStore, attempts uint, delay time.Duration) *RetryingStore {
	if attempts == 0 {
		attempts = 3
	}
	return &RetryingStore{
		inner:    inner,
		attempts: attempts,
		delay:    delay,
	}
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrObjectNotFound) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{
				"op":      op,
				"attempt": n + 1,
			}).WithError(err).Warn("Asset store call failed, retrying")
		}),
	)
}

func (s *RetryingStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	var uri string
	err := s.do(ctx, "upload", func() error {
		var err error
		uri, err = s.inner.Upload(ctx, localPath, key)
		return err
	})
	return uri, err
}

func (s *RetryingStore) Download(ctx context.Context, uri, localPath string) error {
	return s.do(ctx, "download", func() error {
		return s.inner.Download(ctx, uri, localPath)
	})
}

func (s *RetryingStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.do(ctx, "exists", func() error {
		var err error
		exists, err = s.inner.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (s *RetryingStore) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var uri string
	err := s.do(ctx, "put", func() error {
		var err error
		uri, err = s.inner.PutObject(ctx, key, data, contentType)
		return err
	})
	return uri, err
}

func (s *RetryingStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", func() error {
		var err error
		data, err = s.inner.GetObject(ctx, key)
		return err
	})
	return data, err
}

func (s *RetryingStore) URI(key string) string {
	return s.inner.URI(key)
}
