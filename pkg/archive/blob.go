package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a blob key has no stored object.
var ErrNotFound = errors.New("archive: blob not found")

// BlobStore persists archive blobs under content-derived keys. Put is
// idempotent: writing an existing key succeeds without rewriting it.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "b3:"

// objectName validates key and returns the name used on the backend.
// Manifests share the bundle's digest with a ".manifest" suffix.
func objectName(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", fmt.Errorf("archive: invalid key format: %s", key)
	}
	digest, suffix, _ := strings.Cut(rest, ".")
	if suffix != "" && suffix != "manifest" {
		return "", fmt.Errorf("archive: invalid key suffix: %s", key)
	}
	if b, err := hex.DecodeString(digest); err != nil || len(b) != 32 {
		return "", fmt.Errorf("archive: invalid key digest: %s", key)
	}
	if suffix != "" {
		return digest + ".manifest", nil
	}
	return digest + ".bundle", nil
}
