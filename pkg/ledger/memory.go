package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStream is an in-process Stream. Thread-safe via RWMutex.
type MemoryStream struct {
	mu       sync.RWMutex
	tier     Tier
	entries  []Entry
	byID     map[string]int
	headHash string
	clock    func() time.Time
}

// NewMemoryStream creates an empty stream for a tier.
func NewMemoryStream(t Tier) *MemoryStream {
	return &MemoryStream{
		tier:     t,
		entries:  make([]Entry, 0),
		byID:     make(map[string]int),
		headHash: genesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStream) WithClock(clock func() time.Time) *MemoryStream {
	s.clock = clock
	return s
}

func (s *MemoryStream) Tier() Tier { return s.tier }

func (s *MemoryStream) Append(ctx context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := seal(s.tier, e, uint64(len(s.entries))+1, s.headHash, s.clock())
	if err != nil {
		return Entry{}, err
	}
	s.entries = append(s.entries, sealed)
	s.byID[sealed.ID] = len(s.entries) - 1
	s.headHash = sealed.EntryHash
	return copyEntry(sealed), nil
}

func (s *MemoryStream) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return copyEntry(s.entries[idx]), nil
}

func (s *MemoryStream) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, copyEntry(e))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStream) Head(ctx context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), s.headHash, nil
}

func (s *MemoryStream) Verify(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifyEntries(s.entries)
}

// copyEntry detaches the metadata map so callers cannot mutate stored entries.
func copyEntry(e Entry) Entry {
	if e.Metadata != nil {
		m, err := normalizeMetadata(e.Metadata)
		if err == nil {
			e.Metadata = m
		}
	}
	return e
}
