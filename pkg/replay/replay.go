// Package replay rebuilds session state from the ledger alone. Nothing held
// in memory by the live components is consulted: a replay of a session must
// produce the same work order states, active set and budget balances as the
// run that wrote it.
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/supervisor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

// WorkOrder is the replayed view of one work order.
type WorkOrder struct {
	ID        string           `json:"wo_id"`
	Type      workorder.Type   `json:"wo_type"`
	State     workorder.State  `json:"state"`
	ParentID  string           `json:"parent_wo_id,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Verdict   ledger.Decision  `json:"verdict,omitempty"`
	LastEvent ledger.EventType `json:"last_event"`
}

// Chain is the replayed view of one chain summary.
type Chain struct {
	ChainID      string          `json:"chain_id"`
	SummaryID    string          `json:"summary_id"`
	Decision     ledger.Decision `json:"decision"`
	TraceHash    string          `json:"trace_hash"`
	WorkOrderIDs []string        `json:"work_order_ids"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

// SessionState is everything derivable about a session from its entries.
type SessionState struct {
	SessionID  string                `json:"session_id"`
	WorkOrders map[string]*WorkOrder `json:"work_orders"`
	Active     []string              `json:"active"`
	Budget     budget.Snapshot       `json:"budget"`
	Chains     []Chain               `json:"chains"`
	// Orphans are dispatch markers with no exchange: the process stopped
	// between marking a send and recording its outcome.
	Orphans []string       `json:"orphans,omitempty"`
	Counts  map[string]int `json:"counts"`
}

// Hash is the canonical hash of the state, for comparing two replays.
func (s *SessionState) Hash() (string, error) {
	return canonicalize.CanonicalHash(s)
}

// Replay reads every stream of l for sessionID and folds it.
func Replay(ctx context.Context, l *ledger.Ledger, sessionID string) (*SessionState, error) {
	streams := make(map[ledger.Tier][]ledger.Entry, len(ledger.Tiers))
	for _, t := range ledger.Tiers {
		entries, err := l.Entries(ctx, t, ledger.Filter{SessionID: sessionID})
		if err != nil {
			return nil, fmt.Errorf("replay: read %s stream: %w", t, err)
		}
		streams[t] = entries
	}
	return Fold(sessionID, streams)
}

// FromBundles verifies exported bundles and folds their entries. Bundles
// of the same tier are concatenated in the order given.
func FromBundles(sessionID string, bundles ...*ledger.Bundle) (*SessionState, error) {
	streams := make(map[ledger.Tier][]ledger.Entry)
	for _, b := range bundles {
		if err := ledger.VerifyBundle(b); err != nil {
			return nil, fmt.Errorf("replay: bundle %s: %w", b.BundleID, err)
		}
		for _, e := range b.Entries {
			if e.String(ledger.MetaSessionID) == sessionID {
				streams[b.Tier] = append(streams[b.Tier], e)
			}
		}
	}
	return Fold(sessionID, streams)
}

// stateRank orders lifecycle states so the latest one wins regardless of
// which stream recorded it.
var stateRank = map[workorder.State]int{
	workorder.StatePlanned:    0,
	workorder.StateDispatched: 1,
	workorder.StateExecuting:  2,
	workorder.StateCompleted:  3,
	workorder.StateFailed:     3,
}

// Fold derives session state from per-tier entry lists. It is pure.
func Fold(sessionID string, streams map[ledger.Tier][]ledger.Entry) (*SessionState, error) {
	st := &SessionState{
		SessionID:  sessionID,
		WorkOrders: make(map[string]*WorkOrder),
		Counts:     make(map[string]int),
	}

	var all []ledger.Entry
	for _, t := range ledger.Tiers {
		all = append(all, streams[t]...)
	}

	exchanged := make(map[string]bool)
	var markers []string
	for _, e := range all {
		st.Counts[string(e.EventType)]++
		switch e.EventType {
		case ledger.EventWorkOrderCreated, ledger.EventWorkOrderDispatched,
			ledger.EventWorkOrderExecuting, ledger.EventWorkOrderCompleted, ledger.EventWorkOrderFailed:
			if err := st.applyLifecycle(e); err != nil {
				return nil, err
			}
		case ledger.EventQualityGate:
			if wo, ok := st.WorkOrders[e.SubmissionID]; ok {
				wo.Verdict = e.Decision
			}
		case ledger.EventChainComplete:
			st.Chains = append(st.Chains, Chain{
				ChainID:      e.SubmissionID,
				SummaryID:    e.ID,
				Decision:     e.Decision,
				TraceHash:    e.String(ledger.MetaTraceHash),
				WorkOrderIDs: e.Strings(supervisor.MetaWorkOrderIDs),
				InputTokens:  e.Int(ledger.MetaInputTokens),
				OutputTokens: e.Int(ledger.MetaOutputTokens),
			})
		case ledger.EventDispatchMarker:
			markers = append(markers, e.ID)
		case ledger.EventExchange:
			exchanged[e.SubmissionID] = true
		}
	}
	for _, m := range markers {
		if !exchanged[m] {
			st.Orphans = append(st.Orphans, m)
		}
	}

	for id, wo := range st.WorkOrders {
		if !wo.State.Terminal() {
			st.Active = append(st.Active, id)
		}
	}
	sort.Strings(st.Active)

	snap, _, err := budget.Fold(all)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	st.Budget = snap
	return st, nil
}

func (s *SessionState) applyLifecycle(e ledger.Entry) error {
	id := e.SubmissionID
	state := workorder.State(e.String(ledger.MetaState))
	rank, ok := stateRank[state]
	if !ok {
		return fmt.Errorf("replay: entry %s for %s has unknown state %q", e.ID, id, state)
	}
	wo, seen := s.WorkOrders[id]
	if !seen {
		wo = &WorkOrder{
			ID:       id,
			Type:     workorder.Type(e.String(workorder.MetaType)),
			ParentID: e.String(workorder.MetaParentWO),
		}
		s.WorkOrders[id] = wo
	} else {
		if wo.State.Terminal() && state != wo.State {
			return fmt.Errorf("replay: %s left terminal state %s for %s in entry %s", id, wo.State, state, e.ID)
		}
		if rank < stateRank[wo.State] {
			return nil
		}
	}
	wo.State = state
	wo.LastEvent = e.EventType
	if code := e.String(ledger.MetaErrorCode); code != "" {
		wo.ErrorCode = code
	}
	return nil
}
