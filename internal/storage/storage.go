// Package storage defines the Backend interface archive artifacts are written
// to, with a local filesystem implementation and an S3 implementation.
//
// Keys are forward-slash separated and relative to the backend root. The
// archiver builds keys of the form {YYYY-MM-DD}/{sessionId}/{conversationId}_{suffix}.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotExist is returned by Get when the key is absent.
var ErrNotExist = errors.New("storage: object does not exist")

// Backend is a minimal key/value sink for archive artifacts.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object stored under key. Missing keys return an error
	// wrapping ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// Kind names a backend implementation.
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLocal, KindS3:
		return k, nil
	case "":
		return KindLocal, nil
	}
	return "", fmt.Errorf("unknown storage backend %q", s)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}
