// Package workorder defines the Work Order: the typed, bounded unit of
// dispatch between the supervisory and execution tiers, and the state
// machine that moves it between them.
package workorder

import (
	"errors"
	"time"
)

var (
	ErrInvalidType       = errors.New("workorder: invalid type")
	ErrInvalidTransition = errors.New("workorder: invalid transition")
	ErrValidation        = errors.New("workorder: validation failed")
	ErrNotFailed         = errors.New("workorder: only failed work orders can be retried")
)

// Type is the closed set of work order kinds.
type Type string

const (
	TypeClassify   Type = "classify"
	TypeToolCall   Type = "tool_call"
	TypeSynthesize Type = "synthesize"
	TypeExecute    Type = "execute"
)

// Types lists every valid Type.
var Types = []Type{TypeClassify, TypeToolCall, TypeSynthesize, TypeExecute}

func (t Type) Valid() bool {
	switch t {
	case TypeClassify, TypeToolCall, TypeSynthesize, TypeExecute:
		return true
	}
	return false
}

// CallsLLM reports whether the type goes through the gateway and therefore
// needs a prompt contract.
func (t Type) CallsLLM() bool {
	return t == TypeClassify || t == TypeToolCall || t == TypeSynthesize
}

// State is a lifecycle position.
type State string

const (
	StatePlanned    State = "planned"
	StateDispatched State = "dispatched"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// States lists every State.
var States = []State{StatePlanned, StateDispatched, StateExecuting, StateCompleted, StateFailed}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Actor is the tier performing a transition.
type Actor string

const (
	ActorSupervisory Actor = "supervisory"
	ActorExecution   Actor = "execution"
)

// Constraints bound what a work order may consume.
type Constraints struct {
	ContractRef    string   `json:"contract_ref,omitempty"`
	TokenBudget    int      `json:"token_budget"`
	TurnLimit      int      `json:"turn_limit"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	ToolsAllowed   []string `json:"tools_allowed,omitempty"`
}

// Timeout returns the configured timeout, or def when unset.
func (c Constraints) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AllowsTool reports whether name is in the allowed set. An empty set allows nothing.
func (c Constraints) AllowsTool(name string) bool {
	for _, t := range c.ToolsAllowed {
		if t == name {
			return true
		}
	}
	return false
}

// AcceptanceCriteria is what the quality gate checks output against.
// Predicates are CEL expressions over the variable `output`.
type AcceptanceCriteria struct {
	RequiredFields []string       `json:"required_fields,omitempty" yaml:"required_fields"`
	OutputSchema   map[string]any `json:"output_schema,omitempty" yaml:"output_schema"`
	Predicates     []string       `json:"predicates,omitempty" yaml:"predicates"`
}

// InputContext is the assembled context handed to the execution tier.
// Data is opaque to the dispatch core; only Hash is recorded.
type InputContext struct {
	Data map[string]any `json:"-"`
	Hash string         `json:"context_hash"`
}

// Error is the failure carried by a failed work order.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Cost accumulates what a work order consumed.
type Cost struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	LLMCalls     int   `json:"llm_calls"`
	ToolCalls    int   `json:"tool_calls"`
	ElapsedMs    int64 `json:"elapsed_ms"`
}

// Add returns the sum of two costs.
func (c Cost) Add(o Cost) Cost {
	return Cost{
		InputTokens:  c.InputTokens + o.InputTokens,
		OutputTokens: c.OutputTokens + o.OutputTokens,
		LLMCalls:     c.LLMCalls + o.LLMCalls,
		ToolCalls:    c.ToolCalls + o.ToolCalls,
		ElapsedMs:    c.ElapsedMs + o.ElapsedMs,
	}
}

// TotalTokens is input plus output tokens.
func (c Cost) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// WorkOrder is the unit of dispatch.
type WorkOrder struct {
	ID                 string             `json:"wo_id"`
	SessionID          string             `json:"session_id"`
	ParentID           string             `json:"parent_wo_id,omitempty"`
	Type               Type               `json:"wo_type"`
	TierTarget         Actor              `json:"tier_target"`
	State              State              `json:"state"`
	CreatedAt          time.Time          `json:"created_at"`
	CreatedBy          string             `json:"created_by"`
	Input              InputContext       `json:"input_context"`
	Constraints        Constraints        `json:"constraints"`
	AcceptanceCriteria AcceptanceCriteria `json:"acceptance_criteria"`
	Output             map[string]any     `json:"output_result,omitempty"`
	Error              *Error             `json:"error,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	Cost               Cost               `json:"cost"`
}
