package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

// hashable is the sealed projection of an entry. Field order is irrelevant,
// the canonical encoding sorts keys.
type hashable struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Tier         Tier           `json:"tier"`
	EventType    EventType      `json:"event_type"`
	SubmissionID string         `json:"submission_id"`
	Decision     Decision       `json:"decision"`
	Reason       string         `json:"reason"`
	Timestamp    string         `json:"timestamp"`
	Metadata     map[string]any `json:"metadata"`
	PrevHash     string         `json:"prev_hash"`
}

func computeEntryHash(e Entry) (string, error) {
	h, err := canonicalize.CanonicalHash(hashable{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Tier:         e.Tier,
		EventType:    e.EventType,
		SubmissionID: e.SubmissionID,
		Decision:     e.Decision,
		Reason:       e.Reason,
		Timestamp:    formatTime(e.Timestamp),
		Metadata:     e.Metadata,
		PrevHash:     e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute entry hash: %w", err)
	}
	return h, nil
}

// seal stamps identity, ordering and chaining fields onto a caller-built entry.
func seal(tier Tier, e Entry, seq uint64, prev string, now time.Time) (Entry, error) {
	if e.EntryHash != "" {
		return Entry{}, ErrSealedEntry
	}
	if e.EventType == "" {
		return Entry{}, fmt.Errorf("ledger: event_type is required")
	}
	meta, err := normalizeMetadata(e.Metadata)
	if err != nil {
		return Entry{}, err
	}

	e.ID = uuid.New().String()
	e.Sequence = seq
	e.Tier = tier
	e.Timestamp = now.UTC()
	e.Metadata = meta
	e.PrevHash = prev
	if e.Decision == "" {
		e.Decision = DecisionRecorded
	}

	hash, err := computeEntryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash
	return e, nil
}

// normalizeMetadata deep-copies metadata through JSON so the stored entry is
// detached from the caller's map and reads back identically from every backend.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: metadata not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ledger: metadata round-trip failed: %w", err)
	}
	return out, nil
}

// verifyEntries recomputes the chain over a full, ordered stream.
func verifyEntries(entries []Entry) error {
	expectedPrev := genesisHash
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, entry.Sequence)
		}
		if entry.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has prev_hash %s but expected %s",
				ErrChainBroken, entry.Sequence, entry.PrevHash, expectedPrev)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, entry.Sequence, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, entry.Sequence, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
