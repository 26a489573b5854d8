// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// and the SHA-256 digests built on it. Every hash persisted by the dispatch core
// (ledger entry hashes, exchange content hashes, tool-call cache keys, bundle hashes)
// is computed through this package so that replays on another node agree byte for byte.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every digest produced by this package.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags are honoured, then
// transformed: keys sorted by UTF-16 code units, no insignificant whitespace,
// no HTML escaping and ES6 number formatting.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the prefixed SHA-256 digest of the canonical JSON form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashString is HashBytes for verbatim text such as prompts and responses.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// StripPrefix returns the bare hex digest of a prefixed hash.
func StripPrefix(hash string) string {
	if len(hash) > len(HashPrefix) && hash[:len(HashPrefix)] == HashPrefix {
		return hash[len(HashPrefix):]
	}
	return hash
}
