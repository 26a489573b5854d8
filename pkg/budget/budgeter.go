package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
)

const (
	scopeSession   = "session"
	scopeWorkOrder = "work_order"
)

// Budgeter tracks token balances and records every allocation and debit.
//
// Check is a pure read; Debit is the only mutator. A check-then-debit
// sequence must run under Reserve for the scope's session so two calls in
// the same session cannot both pass a check against the same balance.
type Budgeter struct {
	ledger *ledger.Ledger
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Balance
	workOrders map[string]*Balance
	woSession  map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a budgeter writing to l.
func New(l *ledger.Ledger) *Budgeter {
	return &Budgeter{
		ledger:     l,
		logger:     slog.Default().With("component", "budget"),
		sessions:   make(map[string]*Balance),
		workOrders: make(map[string]*Balance),
		woSession:  make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Reserve locks the session scope and returns the unlock func.
func (b *Budgeter) Reserve(sessionID string) func() {
	b.locksMu.Lock()
	m, ok := b.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[sessionID] = m
	}
	b.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// AllocateSession sets the root ceiling for a session, once.
func (b *Budgeter) AllocateSession(ctx context.Context, sessionID string, tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, tokens)
	}
	unlock := b.Reserve(sessionID)
	defer unlock()

	b.mu.RLock()
	_, exists := b.sessions[sessionID]
	b.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: session %s", ErrAlreadyAllocated, sessionID)
	}

	_, err := b.ledger.Write(ctx, ledger.TierSupervisory, ledger.Entry{
		EventType:    ledger.EventBudgetAllocated,
		SubmissionID: sessionID,
		Decision:     ledger.DecisionAllow,
		Metadata: map[string]any{
			ledger.MetaSessionID:       sessionID,
			ledger.MetaScope:           scopeSession,
			ledger.MetaAllocatedTokens: tokens,
		},
	})
	if err != nil {
		return fmt.Errorf("budget: record session allocation: %w", err)
	}

	b.mu.Lock()
	b.sessions[sessionID] = &Balance{Allocated: tokens}
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "session budget allocated", "session_id", sessionID, "tokens", tokens)
	return nil
}

// Allocate sets a work order's ceiling, once. The allocation may not exceed
// the session's remaining balance at this moment.
func (b *Budgeter) Allocate(ctx context.Context, scope Scope, tokens int64) (ledger.Entry, error) {
	if tokens <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %d", ErrInvalidAmount, tokens)
	}
	unlock := b.Reserve(scope.SessionID)
	defer unlock()

	b.mu.RLock()
	session, ok := b.sessions[scope.SessionID]
	_, allocated := b.workOrders[scope.WorkOrderID]
	var parentRemaining int64
	if ok {
		parentRemaining = session.Remaining()
	}
	b.mu.RUnlock()

	if !ok {
		return ledger.Entry{}, fmt.Errorf("%w: session %s", ErrUnknownScope, scope.SessionID)
	}
	if allocated {
		return ledger.Entry{}, fmt.Errorf("%w: work order %s", ErrAlreadyAllocated, scope.WorkOrderID)
	}
	if tokens > parentRemaining {
		return ledger.Entry{}, fmt.Errorf("%w: %d > %d for %s", ErrExceedsParent, tokens, parentRemaining, scope.WorkOrderID)
	}

	entry, err := b.ledger.Write(ctx, ledger.TierSupervisory, ledger.Entry{
		EventType:    ledger.EventBudgetAllocated,
		SubmissionID: scope.WorkOrderID,
		Decision:     ledger.DecisionAllow,
		Metadata: map[string]any{
			ledger.MetaSessionID:       scope.SessionID,
			ledger.MetaWorkOrderID:     scope.WorkOrderID,
			ledger.MetaAgentID:         scope.AgentID,
			ledger.MetaScope:           scopeWorkOrder,
			ledger.MetaAllocatedTokens: tokens,
		},
	})
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("budget: record allocation: %w", err)
	}

	b.mu.Lock()
	b.workOrders[scope.WorkOrderID] = &Balance{Allocated: tokens}
	b.woSession[scope.WorkOrderID] = scope.SessionID
	b.mu.Unlock()
	return entry, nil
}

// Check reports whether scope.RequestedTokens fits both the work order and
// the session balance. Unknown scopes are denied.
func (b *Budgeter) Check(ctx context.Context, scope Scope) Decision {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wo, ok := b.workOrders[scope.WorkOrderID]
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("work order %s has no budget allocation", scope.WorkOrderID)}
	}
	session, ok := b.sessions[scope.SessionID]
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("session %s has no budget allocation", scope.SessionID)}
	}

	remaining := wo.Remaining()
	if s := session.Remaining(); s < remaining {
		remaining = s
	}
	requested := int64(scope.RequestedTokens)
	switch {
	case wo.Remaining() < requested:
		return Decision{Allowed: false, Remaining: remaining,
			Reason: fmt.Sprintf("work order budget exhausted: requested %d, remaining %d", requested, wo.Remaining())}
	case session.Remaining() < requested:
		return Decision{Allowed: false, Remaining: remaining,
			Reason: fmt.Sprintf("session budget exhausted: requested %d, remaining %d", requested, session.Remaining())}
	}
	return Decision{Allowed: true, Remaining: remaining, Reason: "within budget"}
}

// Debit charges actual usage against the work order and its session after a
// successful exchange, recording a budget_debited entry linked to it.
func (b *Budgeter) Debit(ctx context.Context, scope Scope, usage Usage, exchangeID string) (ledger.Entry, error) {
	b.mu.RLock()
	_, woOK := b.workOrders[scope.WorkOrderID]
	_, sessOK := b.sessions[scope.SessionID]
	b.mu.RUnlock()
	if !woOK || !sessOK {
		return ledger.Entry{}, fmt.Errorf("%w: %s/%s", ErrUnknownScope, scope.SessionID, scope.WorkOrderID)
	}

	entry, err := b.ledger.Write(ctx, ledger.TierExchange, ledger.Entry{
		EventType:    ledger.EventBudgetDebited,
		SubmissionID: scope.WorkOrderID,
		Decision:     ledger.DecisionRecorded,
		Metadata: map[string]any{
			ledger.MetaSessionID:     scope.SessionID,
			ledger.MetaWorkOrderID:   scope.WorkOrderID,
			ledger.MetaAgentID:       scope.AgentID,
			ledger.MetaModelID:       scope.ModelID,
			ledger.MetaInputTokens:   usage.InputTokens,
			ledger.MetaOutputTokens:  usage.OutputTokens,
			ledger.MetaParentEventID: exchangeID,
		},
	})
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("budget: record debit: %w", err)
	}

	b.mu.Lock()
	b.workOrders[scope.WorkOrderID].Debited += usage.Total()
	b.sessions[scope.SessionID].Debited += usage.Total()
	b.mu.Unlock()
	return entry, nil
}

// Session returns a session's balance.
func (b *Budgeter) Session(sessionID string) (Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.sessions[sessionID]
	if !ok {
		return Balance{}, false
	}
	return *bal, true
}

// WorkOrder returns a work order's balance.
func (b *Budgeter) WorkOrder(woID string) (Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.workOrders[woID]
	if !ok {
		return Balance{}, false
	}
	return *bal, true
}

// Snapshot copies every balance for the given session, or for all sessions
// when sessionID is empty.
func (b *Budgeter) Snapshot(sessionID string) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{Sessions: map[string]Balance{}, WorkOrders: map[string]Balance{}}
	for id, bal := range b.sessions {
		if sessionID == "" || id == sessionID {
			snap.Sessions[id] = *bal
		}
	}
	for id, bal := range b.workOrders {
		if sessionID == "" || b.woSession[id] == sessionID {
			snap.WorkOrders[id] = *bal
		}
	}
	return snap
}
