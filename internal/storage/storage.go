// Package storage provides the object storage destinations of the log
// archive: a local directory and S3 (or an S3-compatible endpoint).
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/strata-log/strata/internal/config"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the archive destination. Object keys always use
// forward slashes.
type ObjectStorage interface {
	// Upload copies the local file at localPath to key.
	Upload(ctx context.Context, localPath, key string) error

	// Download copies key to the local file at localPath.
	// Returns ErrObjectNotFound when key does not exist.
	Download(ctx context.Context, key, localPath string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// ListObjects returns all keys under prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// New builds the destination described by cfg.
func New(ctx context.Context, cfg config.ArchiveConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		return NewS3Storage(ctx, cfg.S3.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
			Prefix:       cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("storage: unknown archive type %q", cfg.Type)
	}
}
