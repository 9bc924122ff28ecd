// Package storage provides object storage abstractions for segment
// persistence. Implementations include S3 and local filesystem for testing.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations for encoded block
// segments.
type ObjectStorage interface {
	// Put uploads data under objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get downloads the object at objectPath.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
