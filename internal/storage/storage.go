// Package storage defines the interface for object storage operations.
// Swap implementations by changing the concrete type injected at startup:
// MinioStorage works with any S3-compatible provider, S3Storage uses the AWS SDK
// and also accepts a custom endpoint (Cloudflare R2, MinIO).
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Storage is the interface for uploading, presigning and deleting objects.
//
// Upload and Delete failures are fatal to the caller's operation. PresignURL is
// best-effort: callers are expected to degrade gracefully when it fails.
type Storage interface {
	// Upload streams data to the store under the given key and returns an access URL.
	// The URL may be non-expiring or a placeholder for private buckets.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	// PresignURL returns a time-limited GET URL for an existing object.
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes an object identified by key.
	Delete(ctx context.Context, key string) error
}

// Options carries the connection settings shared by all backends.
type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Open builds the backend selected by driver ("minio" or "s3").
func Open(ctx context.Context, driver string, opts Options) (Storage, error) {
	switch driver {
	case "minio":
		return NewMinioStorage(ctx, opts)
	case "s3":
		return NewS3Storage(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
