// Package gateway mediates every LLM round trip: it validates a request
// against its prompt contract, authorizes the caller, checks budget and
// rate limits, guards the provider with a circuit breaker, and records
// the dispatch, the exchange, the debit and any rejection in the ledger.
package gateway

import (
	"time"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
)

// Code classifies a failed or rejected call.
type Code string

const (
	// input-rejected: nothing was sent
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeContractNotFound Code = "CONTRACT_NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeBudgetExhausted  Code = "BUDGET_EXHAUSTED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"

	// provider-failed: sent, no usable response
	CodeProviderError     Code = "PROVIDER_ERROR"
	CodeProviderTimeout   Code = "PROVIDER_TIMEOUT"
	CodeMalformedResponse Code = "MALFORMED_RESPONSE"

	// output-invalid: advisory only
	CodeOutputInvalid Code = "OUTPUT_INVALID"

	// work-order-failed
	CodeTurnLimitExceeded Code = "TURN_LIMIT_EXCEEDED"
	CodeToolFailed        Code = "TOOL_FAILED"
	CodeLedgerWriteFailed Code = "LEDGER_WRITE_FAILED"
)

// Outcome is the tagged result kind shared by the gateway and its callers.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRejected
	OutcomeError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeError:
		return "ERROR"
	case OutcomeTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// Request is one call on behalf of a work order.
type Request struct {
	SessionID   string
	WorkOrderID string
	AgentID     string
	Token       string

	ContractRef string
	// ModelID, when set, must equal the contract's model.
	ModelID string
	// Prompt is the rendered first user turn. History holds the follow-up
	// turns after it.
	Prompt  string
	History []llm.Message
	// Input is validated against the contract's input schema.
	Input     map[string]any
	MaxTokens int
	Tools     []llm.ToolDefinition
	// Timeout bounds the provider call together with the contract timeout.
	Timeout time.Duration

	ParentEventID string
}

// Result is what every call returns. Rejections and failures are values,
// never bare errors.
type Result struct {
	Outcome      Outcome
	ErrorCode    Code
	ErrorMessage string

	DispatchID  string
	ExchangeID  string
	RejectionID string

	ModelID      string
	Content      string
	Blocks       []llm.ContentBlock
	Structured   map[string]any
	Usage        llm.Usage
	FinishReason string
	Latency      time.Duration
	RetryAfter   time.Duration
	// OutputValid is nil when the contract declares no output schema.
	OutputValid *bool
}

// OK reports a successful exchange.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Err returns nil on success, otherwise an *Error carrying the code.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Outcome: r.Outcome, Code: r.ErrorCode, Message: r.ErrorMessage}
}

// Error is a non-success Result as an error value.
type Error struct {
	Outcome Outcome
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Outcome.String() + " " + string(e.Code) + ": " + e.Message
}
