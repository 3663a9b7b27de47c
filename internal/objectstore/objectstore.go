// Package objectstore is the blob storage collaborator: put and get whole
// objects by key, with put overwriting any existing object.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/session-plane/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object is a stored blob and its user metadata. Metadata keys are lower case.
type Object struct {
	Data     []byte
	Metadata map[string]string
}

type Store interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "fs":
		return NewFS(cfg.Root)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}
