package budget

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
)

// Rebuild replaces the cached balances with those derived from ledger
// entries. It accepts entries from any stream and ignores unrelated events.
func (b *Budgeter) Rebuild(entries []ledger.Entry) error {
	snap, woSession, err := Fold(entries)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[string]*Balance, len(snap.Sessions))
	for id, bal := range snap.Sessions {
		bal := bal
		b.sessions[id] = &bal
	}
	b.workOrders = make(map[string]*Balance, len(snap.WorkOrders))
	for id, bal := range snap.WorkOrders {
		bal := bal
		b.workOrders[id] = &bal
	}
	b.woSession = woSession
	return nil
}

// Fold derives balances from allocation and debit entries without touching
// any budgeter. Allocations are applied before debits.
func Fold(entries []ledger.Entry) (Snapshot, map[string]string, error) {
	snap := Snapshot{Sessions: map[string]Balance{}, WorkOrders: map[string]Balance{}}
	woSession := make(map[string]string)

	for _, e := range entries {
		if e.EventType != ledger.EventBudgetAllocated {
			continue
		}
		session := e.String(ledger.MetaSessionID)
		tokens := e.Int(ledger.MetaAllocatedTokens)
		switch e.String(ledger.MetaScope) {
		case scopeSession:
			snap.Sessions[session] = Balance{Allocated: tokens}
		case scopeWorkOrder:
			wo := e.String(ledger.MetaWorkOrderID)
			snap.WorkOrders[wo] = Balance{Allocated: tokens}
			woSession[wo] = session
		default:
			return Snapshot{}, nil, fmt.Errorf("budget: allocation entry %s has unknown scope %q", e.ID, e.String(ledger.MetaScope))
		}
	}

	for _, e := range entries {
		if e.EventType != ledger.EventBudgetDebited {
			continue
		}
		wo := e.String(ledger.MetaWorkOrderID)
		session := e.String(ledger.MetaSessionID)
		spent := e.Int(ledger.MetaInputTokens) + e.Int(ledger.MetaOutputTokens)

		woBal, ok := snap.WorkOrders[wo]
		if !ok {
			return Snapshot{}, nil, fmt.Errorf("%w: debit %s for unallocated work order %s", ErrUnknownScope, e.ID, wo)
		}
		sessBal, ok := snap.Sessions[session]
		if !ok {
			return Snapshot{}, nil, fmt.Errorf("%w: debit %s for unallocated session %s", ErrUnknownScope, e.ID, session)
		}
		woBal.Debited += spent
		sessBal.Debited += spent
		snap.WorkOrders[wo] = woBal
		snap.Sessions[session] = sessBal
	}
	return snap, woSession, nil
}
