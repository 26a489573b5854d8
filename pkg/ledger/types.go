package ledger

import (
	"errors"
	"time"
)

var (
	ErrEntryNotFound = errors.New("ledger: entry not found")
	ErrChainBroken   = errors.New("ledger: hash chain is broken")
	ErrUnknownTier   = errors.New("ledger: unknown tier")
	ErrSealedEntry   = errors.New("ledger: entry already sealed")
)

// genesisHash is the previous hash of the first entry of every stream.
const genesisHash = "genesis"

// Tier names one independent stream. Ordering is guaranteed within a tier only.
type Tier string

const (
	TierSupervisory Tier = "supervisory"
	TierExecution   Tier = "execution"
	TierExchange    Tier = "exchange"
)

// Tiers lists every stream a Ledger must carry.
var Tiers = []Tier{TierSupervisory, TierExecution, TierExchange}

// EventType categorizes entries.
type EventType string

const (
	// Supervisory stream.
	EventWorkOrderCreated    EventType = "wo_created"
	EventWorkOrderDispatched EventType = "wo_dispatched"
	EventBudgetAllocated     EventType = "budget_allocated"
	EventQualityGate         EventType = "quality_gate"
	EventChainComplete       EventType = "chain_complete"
	EventDegradation         EventType = "degradation"

	// Execution stream.
	EventWorkOrderExecuting EventType = "wo_executing"
	EventWorkOrderCompleted EventType = "wo_completed"
	EventToolCall           EventType = "tool_call"

	// Either stream: planning-time failures are supervisory, runtime failures are execution.
	EventWorkOrderFailed EventType = "wo_failed"

	// Exchange stream.
	EventDispatchMarker   EventType = "dispatch"
	EventExchange         EventType = "exchange"
	EventRejection        EventType = "rejection"
	EventOutputValidation EventType = "output_validation"
	EventBudgetDebited    EventType = "budget_debited"
)

// Decision is the verdict an entry records.
type Decision string

const (
	DecisionRecorded   Decision = "RECORDED"
	DecisionAllow      Decision = "ALLOW"
	DecisionDeny       Decision = "DENY"
	DecisionAccept     Decision = "ACCEPT"
	DecisionReject     Decision = "REJECT"
	DecisionSuccess    Decision = "SUCCESS"
	DecisionError      Decision = "ERROR"
	DecisionTimeout    Decision = "TIMEOUT"
	DecisionDispatched Decision = "DISPATCHED"
	DecisionCached     Decision = "CACHED"
	DecisionBlocked    Decision = "BLOCKED"
)

// Metadata keys, grouped by convention.
const (
	// identity / provenance
	MetaAgentID     = "agent_id"
	MetaWorkOrderID = "work_order_id"
	MetaSessionID   = "session_id"
	MetaChainID     = "chain_id"
	MetaModelID     = "model_id"
	MetaContractRef = "contract_ref"

	// content
	MetaState        = "state"
	MetaFromState    = "from_state"
	MetaErrorCode    = "error_code"
	MetaErrorMessage = "error_message"
	MetaPrompt       = "prompt"
	MetaResponse     = "response"
	MetaContentHash  = "content_hash"
	MetaFinishReason = "finish_reason"
	MetaToolName     = "tool_name"
	MetaBlocks       = "response_blocks"
	MetaTraceHash    = "trace_hash"

	// cost
	MetaInputTokens     = "input_tokens"
	MetaOutputTokens    = "output_tokens"
	MetaAllocatedTokens = "allocated_tokens"
	MetaLatencyMs       = "latency_ms"
	MetaScope           = "scope"

	// relational
	MetaDispatchID       = "dispatch_marker_id"
	MetaParentEventID    = "parent_event_id"
	MetaRootEventID      = "root_event_id"
	MetaRelatedArtifacts = "related_artifacts"

	// context fingerprint
	MetaContextHash = "context_hash"
)

// Entry is one immutable, hash-chained ledger record.
//
// SubmissionID names the unit the event is about: the work order id for WO
// lifecycle events, the dispatch marker id for exchange events, the chain id
// for chain events.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Tier         Tier           `json:"tier"`
	EventType    EventType      `json:"event_type"`
	SubmissionID string         `json:"submission_id"`
	Decision     Decision       `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// String returns the metadata value under key, or "".
func (e Entry) String(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the numeric metadata value under key, or 0.
// Metadata is normalized through JSON on append, so numbers arrive as float64.
func (e Entry) Int(key string) int64 {
	switch v := e.Metadata[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Strings returns the string-list metadata value under key.
func (e Entry) Strings(key string) []string {
	raw, ok := e.Metadata[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Filter selects entries from a stream. Zero fields match everything.
type Filter struct {
	SessionID    string
	WorkOrderID  string
	SubmissionID string
	EventType    EventType
	FromSeq      uint64
	ToSeq        uint64
	Limit        int
}

func (f Filter) matches(e Entry) bool {
	if f.SessionID != "" && e.String(MetaSessionID) != f.SessionID {
		return false
	}
	if f.WorkOrderID != "" && e.String(MetaWorkOrderID) != f.WorkOrderID {
		return false
	}
	if f.SubmissionID != "" && e.SubmissionID != f.SubmissionID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.FromSeq > 0 && e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Sequence > f.ToSeq {
		return false
	}
	return true
}
