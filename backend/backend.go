// Package backend provides object storage for RPM artifacts.
//
// Keys are slash separated relative paths such as "rpm/blake3/ab/ab12...". The
// package metadata store never talks to a backend directly; it only records
// the content key that the artifact uploader derived from the bytes.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("backend: not found")

	// ErrInvalidKey is returned for empty, absolute or escaping keys.
	ErrInvalidKey = errors.New("backend: invalid key")
)

// Backend defines the interface for artifact storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// ValidateKey rejects keys that cannot be mapped safely onto every backend.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	case strings.ContainsRune(key, '\\'):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q has segment %q", ErrInvalidKey, key, seg)
		}
	}
	return nil
}

// Config selects and configures a backend.
type Config struct {
	// Kind is one of "fs", "s3" or "gcs".
	Kind string

	// Root is the directory for the filesystem backend.
	Root string

	S3  S3Config
	GCS GCSConfig
}

// GCSConfig configures the Google Cloud Storage backend, which is only
// compiled in with the gcp build tag.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Open builds the backend described by cfg and wraps it with metrics.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Kind {
	case "", "fs":
		cfg.Kind = "fs"
		b, err = NewFilesystem(cfg.Root)
	case "s3":
		b, err = NewS3(ctx, cfg.S3)
	case "gcs":
		b, err = newGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumentedBackend(b, cfg.Kind), nil
}
