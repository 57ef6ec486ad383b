package storage

import (
	"context"
	"errors"
	"fmt"

	"newsreel/internal/config"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("storage: key not found")

// ArtifactStore is a tenant-prefixed key/value byte store. Keys use "/" as
// separator; callers scope all access by the tenant's storage prefix.
type ArtifactStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadBytes(ctx context.Context, key string) ([]byte, error)
	WriteBytes(ctx context.Context, key string, data []byte) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	// CopyFromLocal uploads a local file into the store. Writes are atomic:
	// a reader never observes a partially written key.
	CopyFromLocal(ctx context.Context, localPath, key string) error
}

// ReadText reads a key as a string.
func ReadText(ctx context.Context, s ArtifactStore, key string) (string, error) {
	b, err := s.ReadBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteText writes a string value under a key.
func WriteText(ctx context.Context, s ArtifactStore, key, content string) error {
	return s.WriteBytes(ctx, key, []byte(content))
}

// Open selects the configured backend once at startup.
func Open(ctx context.Context, cfg config.Config) (ArtifactStore, error) {
	switch cfg.StorageBackend {
	case "local", "":
		return NewLocal(cfg.StorageLocalDir)
	case "s3":
		return NewS3(ctx, cfg)
	case "minio":
		return NewMinio(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
