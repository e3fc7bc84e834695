// Package image implements image assets: the upload pipeline, ownership-scoped
// reads and deletes, and their persistence.
package image

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Image is a stored image asset.
type Image struct {
	ID               string    `json:"id" bson:"_id"`
	StorageKey       string    `json:"-" bson:"storage_key"`
	OriginalFilename string    `json:"originalFilename" bson:"original_filename"`
	OwnerID          string    `json:"ownerId" bson:"owner_id"`
	SizeBytes        int64     `json:"sizeBytes" bson:"size_bytes"`
	ContentType      string    `json:"contentType" bson:"content_type"`
	CreatedAt        time.Time `json:"createdAt" bson:"created_at"`
	AIDescription    *string   `json:"aiDescription" bson:"ai_description,omitempty"`
}

// ErrNotFound is returned when an image does not exist or is not visible to the caller.
var ErrNotFound = errors.New("Image not found.")

// ErrUnauthorized is returned when the caller does not own the image.
var ErrUnauthorized = errors.New("Unauthorized to delete this image.")

// ErrInvalidUpload is returned when an upload request fails validation.
var ErrInvalidUpload = errors.New("invalid upload")

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("image exceeds maximum upload size")

// Storage operations that can fail an upload or delete.
const (
	OpUpload = "upload"
	OpDelete = "delete"
)

// StorageError is a hard object storage failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == OpDelete {
		return fmt.Sprintf("S3 delete failed: %v", e.Err)
	}
	return fmt.Sprintf("Image upload failed: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Repository persists image records. Every read other than FindByID is owner-scoped.
type Repository interface {
	// Create inserts img and fills in its ID and CreatedAt.
	Create(ctx context.Context, img *Image) error
	Delete(ctx context.Context, id, ownerID string) error
	FindByID(ctx context.Context, id string) (*Image, error)
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*Image, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Image, error)
}

// URLCache stores presigned display URLs by storage key.
type URLCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, url string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
