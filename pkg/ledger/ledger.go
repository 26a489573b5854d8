// Package ledger implements the append-only, hash-chained event log that is the
// dispatch core's only persisted state.
//
//   - One independent stream per tier: supervisory, execution, exchange.
//   - Each entry is hash-chained to its predecessor within its stream.
//   - There is no update or delete; corrections are new entries.
//   - Everything else (session summaries, active work orders, budget balances)
//     is derived by replaying streams.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Stream is one tier's append-only log.
type Stream interface {
	// Tier reports which tier the stream records.
	Tier() Tier
	// Append seals and persists e, returning the stored entry.
	Append(ctx context.Context, e Entry) (Entry, error)
	// Get retrieves an entry by id.
	Get(ctx context.Context, id string) (Entry, error)
	// Entries returns matching entries in sequence order.
	Entries(ctx context.Context, f Filter) ([]Entry, error)
	// Head returns the latest sequence and entry hash ("genesis" when empty).
	Head(ctx context.Context) (uint64, string, error)
	// Verify recomputes the whole chain.
	Verify(ctx context.Context) error
}

// Ledger bundles the per-tier streams and is passed by handle to every component.
type Ledger struct {
	streams map[Tier]Stream
}

// New builds a Ledger from one stream per tier.
func New(streams ...Stream) (*Ledger, error) {
	l := &Ledger{streams: make(map[Tier]Stream, len(Tiers))}
	for _, s := range streams {
		if _, dup := l.streams[s.Tier()]; dup {
			return nil, fmt.Errorf("ledger: duplicate stream for tier %s", s.Tier())
		}
		l.streams[s.Tier()] = s
	}
	for _, t := range Tiers {
		if _, ok := l.streams[t]; !ok {
			return nil, fmt.Errorf("%w: missing stream for %s", ErrUnknownTier, t)
		}
	}
	return l, nil
}

// NewMemory returns a Ledger backed by in-memory streams.
func NewMemory() *Ledger {
	l, _ := New(NewMemoryStream(TierSupervisory), NewMemoryStream(TierExecution), NewMemoryStream(TierExchange))
	return l
}

// Stream returns the stream for a tier, or nil.
func (l *Ledger) Stream(t Tier) Stream {
	return l.streams[t]
}

// Write appends e to the tier's stream and returns the sealed entry.
func (l *Ledger) Write(ctx context.Context, t Tier, e Entry) (Entry, error) {
	s, ok := l.streams[t]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	return s.Append(ctx, e)
}

// Entries reads a tier's stream.
func (l *Ledger) Entries(ctx context.Context, t Tier, f Filter) ([]Entry, error) {
	s, ok := l.streams[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	return s.Entries(ctx, f)
}

// Find looks an entry up by id across all streams.
func (l *Ledger) Find(ctx context.Context, id string) (Entry, error) {
	for _, t := range Tiers {
		e, err := l.streams[t].Get(ctx, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return Entry{}, err
		}
	}
	return Entry{}, ErrEntryNotFound
}

// VerifyAll checks every stream's chain.
func (l *Ledger) VerifyAll(ctx context.Context) error {
	for _, t := range Tiers {
		if err := l.streams[t].Verify(ctx); err != nil {
			return fmt.Errorf("%s stream: %w", t, err)
		}
	}
	return nil
}
