package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when nothing is stored under the key.
var ErrNotFound = errors.New("not found")

type Storage interface {
	// Put stores data with the given key and returns the storage URL
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves data from the given storage URL or key
	Get(ctx context.Context, url string) ([]byte, error)
	// Delete removes the object at the given storage URL or key; deleting a
	// missing object is not an error
	Delete(ctx context.Context, url string) error
}

type Config struct {
	// Backend is "file" or "s3".
	Backend string
	File    FileConfig
	S3      S3Config
}

func New(ctx context.Context, c Config) (Storage, error) {
	switch c.Backend {
	case "", "file":
		return NewFileStorage(ctx, c.File)
	case "s3":
		return NewS3Storage(ctx, c.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", c.Backend)
	}
}
