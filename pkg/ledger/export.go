package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/archive"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

var ErrBundleInvalid = errors.New("ledger: bundle verification failed")

// Bundle is an exportable, self-verifying slice of one stream.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Tier       Tier      `json:"tier"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports the entries of s matching f.
func ExportBundle(ctx context.Context, s Stream, f Filter) (*Bundle, error) {
	entries, err := s.Entries(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("ledger: no %s entries match filter", s.Tier())
	}

	hash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash bundle: %w", err)
	}
	return &Bundle{
		BundleID:   uuid.New().String(),
		Version:    BundleVersion,
		CreatedAt:  time.Now().UTC(),
		Tier:       s.Tier(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
		BundleHash: hash,
	}, nil
}

// VerifyBundle checks the bundle hash, every entry hash, and chain links
// between adjacent sequences. A filtered bundle may skip sequences; links
// across a gap cannot be checked without the missing entries.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return fmt.Errorf("%w: bundle is empty", ErrBundleInvalid)
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("%w: entry_count %d but %d entries", ErrBundleInvalid, b.EntryCount, len(b.Entries))
	}
	hash, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBundleInvalid, err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrBundleInvalid)
	}

	for i, e := range b.Entries {
		if e.Tier != b.Tier {
			return fmt.Errorf("%w: entry %s belongs to tier %s", ErrBundleInvalid, e.ID, e.Tier)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBundleInvalid, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrBundleInvalid, e.Sequence)
		}
		if i == 0 {
			if e.Sequence == 1 && e.PrevHash != genesisHash {
				return fmt.Errorf("%w: first entry does not chain to genesis", ErrBundleInvalid)
			}
			continue
		}
		prev := b.Entries[i-1]
		if e.Sequence <= prev.Sequence {
			return fmt.Errorf("%w: sequence %d follows %d", ErrBundleInvalid, e.Sequence, prev.Sequence)
		}
		if e.Sequence == prev.Sequence+1 && e.PrevHash != prev.EntryHash {
			return fmt.Errorf("%w: chain broken at entry %d", ErrBundleInvalid, e.Sequence)
		}
	}

	last := b.Entries[len(b.Entries)-1]
	if b.ChainHead != last.EntryHash || b.StartSeq != b.Entries[0].Sequence || b.EndSeq != last.Sequence {
		return fmt.Errorf("%w: header does not match entries", ErrBundleInvalid)
	}
	return nil
}

// Archive stores the canonical bundle in a content-addressed archive and
// returns its address.
func Archive(ctx context.Context, b *Bundle, store archive.Store) (string, error) {
	data, err := canonicalize.JCS(b)
	if err != nil {
		return "", fmt.Errorf("ledger: encode bundle: %w", err)
	}
	return store.Put(ctx, data)
}

// LoadBundle fetches an archived bundle and verifies it.
func LoadBundle(ctx context.Context, store archive.Store, hash string) (*Bundle, error) {
	data, err := store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrBundleInvalid, err)
	}
	if err := VerifyBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}
