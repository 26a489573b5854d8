// Package archive stores exported ledger bundles content-addressed, so an
// auditor holding a bundle hash can fetch and re-verify it later.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

var (
	ErrNotFound    = errors.New("archive: blob not found")
	ErrInvalidHash = errors.New("archive: invalid hash")
)

// Store is a content-addressed blob store keyed by "sha256:<hex>".
type Store interface {
	// Put persists data and returns its content hash. Idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, hash string) (bool, error)
}

// blobName maps a prefixed hash to its object name.
func blobName(hash string) (string, error) {
	if !strings.HasPrefix(hash, canonicalize.HashPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	raw := canonicalize.StripPrefix(hash)
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return raw + ".blob", nil
}

// verifyContent rejects blobs whose bytes no longer match their address.
func verifyContent(hash string, data []byte) error {
	if got := canonicalize.HashBytes(data); got != hash {
		return fmt.Errorf("archive: content mismatch for %s (got %s)", hash, got)
	}
	return nil
}
