package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/smithy-go"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
)

// permanentCodes are provider error codes that no retry will fix.
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"AllAccessDisabled":     true,
}

// RetryingStorage retries Delete before reporting failure. Upload consumes its
// reader and PresignURL is local signing, so both pass straight through.
type RetryingStorage struct {
	delegate     Storage
	buildBackoff func() backoff.BackOff
}

// NewRetryingStorage wraps delegate. A nil factory uses a short exponential backoff.
func NewRetryingStorage(delegate Storage, factory func() backoff.BackOff) *RetryingStorage {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		}
	}
	return &RetryingStorage{delegate: delegate, buildBackoff: factory}
}

func (s *RetryingStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	return s.delegate.Upload(ctx, key, reader, size, contentType)
}

func (s *RetryingStorage) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.delegate.PresignURL(ctx, key, ttl)
}

func (s *RetryingStorage) Delete(ctx context.Context, key string) error {
	b := backoff.WithContext(s.buildBackoff(), ctx)
	return backoff.Retry(func() error {
		err := s.delegate.Delete(ctx, key)
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	var mr minio.ErrorResponse
	if errors.As(err, &mr) {
		return permanentCodes[mr.Code]
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return permanentCodes[ae.ErrorCode()]
	}
	return false
}

var _ Storage = (*RetryingStorage)(nil)
