// Package budget provides hierarchical token budgets (session -> work order
// -> call) with fail-closed checks. The ledger is authoritative: balances
// held here are a cache that Rebuild reconstructs from ledger entries.
package budget

import (
	"errors"
	"time"
)

var (
	ErrAlreadyAllocated = errors.New("budget: scope already allocated")
	ErrExceedsParent    = errors.New("budget: allocation exceeds parent remaining")
	ErrUnknownScope     = errors.New("budget: scope not allocated")
	ErrInvalidAmount    = errors.New("budget: amount must be positive")
)

// Scope identifies what a call is charged against.
type Scope struct {
	SessionID       string `json:"session_id"`
	WorkOrderID     string `json:"work_order_id"`
	AgentID         string `json:"agent_id,omitempty"`
	RequestedTokens int    `json:"requested_tokens"`
	ModelID         string `json:"model_id,omitempty"`
}

// Usage is the actual consumption reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is input plus output tokens.
func (u Usage) Total() int64 {
	return int64(u.InputTokens) + int64(u.OutputTokens)
}

// Balance is one scope's ceiling and what has been debited from it.
type Balance struct {
	Allocated int64 `json:"allocated"`
	Debited   int64 `json:"debited"`
}

// Remaining is Allocated - Debited. It is not clamped: an actual usage
// overdraw shows up as a negative balance and the next Check denies.
func (b Balance) Remaining() int64 {
	return b.Allocated - b.Debited
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Snapshot is every balance the budgeter holds, keyed by session and work order id.
type Snapshot struct {
	Sessions   map[string]Balance `json:"sessions"`
	WorkOrders map[string]Balance `json:"work_orders"`
}
