package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/merkle"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

// Chain summary metadata keys.
const (
	MetaWorkOrderIDs  = "work_order_ids"
	MetaExchangeCount = "exchange_count"
	MetaAccepted      = "accepted"
)

var (
	ErrNotChainSummary    = errors.New("supervisor: entry is not a chain summary")
	ErrTraceMismatch      = errors.New("supervisor: chain trace hash mismatch")
	ErrExchangeNotInChain = errors.New("supervisor: exchange is not part of the chain")
)

// TraceHash is the Merkle root over the entry hashes of the exchange records
// of the given work orders, in work order order then stream order.
func TraceHash(ctx context.Context, l *ledger.Ledger, woIDs []string) (string, int, error) {
	leaves, err := traceLeaves(ctx, l, woIDs)
	if err != nil {
		return "", 0, err
	}
	return merkle.Root(leaves), len(leaves), nil
}

func traceLeaves(ctx context.Context, l *ledger.Ledger, woIDs []string) ([]string, error) {
	var leaves []string
	for _, id := range woIDs {
		exchanges, err := l.Entries(ctx, ledger.TierExchange, ledger.Filter{
			WorkOrderID: id,
			EventType:   ledger.EventExchange,
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor: read exchanges of %s: %w", id, err)
		}
		for _, e := range exchanges {
			leaves = append(leaves, e.EntryHash)
		}
	}
	return leaves, nil
}

// ExchangeProof proves that one exchange record is covered by a chain
// summary's trace hash. The proof verifies with merkle.VerifyInclusionProof
// against the summary's recorded trace hash.
func ExchangeProof(ctx context.Context, l *ledger.Ledger, summary ledger.Entry, exchangeID string) (merkle.InclusionProof, error) {
	if summary.EventType != ledger.EventChainComplete {
		return merkle.InclusionProof{}, fmt.Errorf("%w: %s is %s", ErrNotChainSummary, summary.ID, summary.EventType)
	}
	exchange, err := l.Stream(ledger.TierExchange).Get(ctx, exchangeID)
	if err != nil {
		return merkle.InclusionProof{}, fmt.Errorf("supervisor: read exchange %s: %w", exchangeID, err)
	}
	leaves, err := traceLeaves(ctx, l, summary.Strings(MetaWorkOrderIDs))
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	tree := merkle.Build(leaves)
	if tree.Root != summary.String(ledger.MetaTraceHash) {
		return merkle.InclusionProof{}, fmt.Errorf("%w: chain %s", ErrTraceMismatch, summary.SubmissionID)
	}
	for i, leaf := range leaves {
		if leaf == exchange.EntryHash {
			return tree.Proof(i)
		}
	}
	return merkle.InclusionProof{}, fmt.Errorf("%w: %s in chain %s", ErrExchangeNotInChain, exchangeID, summary.SubmissionID)
}

// summarize writes the chain_complete entry.
func (s *Supervisor) summarize(ctx context.Context, c *chain, sessionID string, res *ChainResult) error {
	ids := make([]string, len(res.WorkOrders))
	for i, wo := range res.WorkOrders {
		ids[i] = wo.ID
	}
	trace, n, err := TraceHash(ctx, s.ledger, ids)
	if err != nil {
		return err
	}

	decision := ledger.DecisionAccept
	if !res.Accepted {
		decision = ledger.DecisionReject
	}
	entry, err := s.ledger.Write(ctx, ledger.TierSupervisory, ledger.Entry{
		EventType:    ledger.EventChainComplete,
		SubmissionID: c.id,
		Decision:     decision,
		Metadata: map[string]any{
			ledger.MetaSessionID:     sessionID,
			ledger.MetaAgentID:       s.agentID,
			ledger.MetaChainID:       c.id,
			ledger.MetaRootEventID:   c.root,
			ledger.MetaParentEventID: c.last,
			ledger.MetaTraceHash:     trace,
			ledger.MetaInputTokens:   res.Cost.InputTokens,
			ledger.MetaOutputTokens:  res.Cost.OutputTokens,
			workorder.MetaCost:       res.Cost,
			MetaWorkOrderIDs:         ids,
			MetaExchangeCount:        n,
			MetaAccepted:             res.Accepted,
		},
	})
	if err != nil {
		return fmt.Errorf("supervisor: record chain %s: %w", c.id, err)
	}
	c.last = entry.ID
	res.SummaryID = entry.ID
	res.TraceHash = trace
	s.logger.InfoContext(ctx, "chain complete", "chain_id", c.id, "accepted", res.Accepted,
		"work_orders", len(ids), "exchanges", n, "tokens", res.Cost.TotalTokens())
	return nil
}

// VerifyChainSummary recomputes a chain summary's trace hash from the
// exchange stream and compares it with the recorded one.
func VerifyChainSummary(ctx context.Context, l *ledger.Ledger, summary ledger.Entry) error {
	if summary.EventType != ledger.EventChainComplete {
		return fmt.Errorf("%w: %s is %s", ErrNotChainSummary, summary.ID, summary.EventType)
	}
	trace, n, err := TraceHash(ctx, l, summary.Strings(MetaWorkOrderIDs))
	if err != nil {
		return err
	}
	if want := summary.String(ledger.MetaTraceHash); trace != want {
		return fmt.Errorf("%w: chain %s recorded %s, exchanges give %s", ErrTraceMismatch, summary.SubmissionID, want, trace)
	}
	if want := summary.Int(MetaExchangeCount); int64(n) != want {
		return fmt.Errorf("%w: chain %s recorded %d exchanges, found %d", ErrTraceMismatch, summary.SubmissionID, want, n)
	}
	return nil
}

// VerifyChains checks every chain summary of a session.
func VerifyChains(ctx context.Context, l *ledger.Ledger, sessionID string) (int, error) {
	summaries, err := l.Entries(ctx, ledger.TierSupervisory, ledger.Filter{
		SessionID: sessionID,
		EventType: ledger.EventChainComplete,
	})
	if err != nil {
		return 0, err
	}
	for _, s := range summaries {
		if err := VerifyChainSummary(ctx, l, s); err != nil {
			return 0, err
		}
	}
	return len(summaries), nil
}
