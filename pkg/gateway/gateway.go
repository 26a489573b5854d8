package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/schema"
)

// DefaultTimeout bounds a provider call when neither the request nor the
// contract sets a timeout.
const DefaultTimeout = 60 * time.Second

// Gateway is stateless between calls apart from the breaker; it may be
// called concurrently across sessions.
type Gateway struct {
	ledger    *ledger.Ledger
	budget    *budget.Budgeter
	contracts prompt.Store
	provider  llm.Provider

	auth           Authorizer
	limiter        budget.RateLimiter
	breaker        *Breaker
	schemas        *schema.Cache
	defaultTimeout time.Duration
	clock          func() time.Time

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithAuthorizer(a Authorizer) Option { return func(g *Gateway) { g.auth = a } }

// WithRateLimiter installs the rate gate. Without one, calls are not rate limited.
func WithRateLimiter(l budget.RateLimiter) Option { return func(g *Gateway) { g.limiter = l } }

func WithBreaker(b *Breaker) Option { return func(g *Gateway) { g.breaker = b } }

func WithSchemaCache(c *schema.Cache) Option { return func(g *Gateway) { g.schemas = c } }

func WithDefaultTimeout(d time.Duration) Option { return func(g *Gateway) { g.defaultTimeout = d } }

func WithClock(clock func() time.Time) Option { return func(g *Gateway) { g.clock = clock } }

func WithTracer(t trace.Tracer) Option { return func(g *Gateway) { g.tracer = t } }

func New(l *ledger.Ledger, b *budget.Budgeter, contracts prompt.Store, provider llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		ledger:         l,
		budget:         b,
		contracts:      contracts,
		provider:       provider,
		auth:           AllowAll{},
		defaultTimeout: DefaultTimeout,
		clock:          time.Now,
		logger:         slog.Default().With("component", "gateway"),
		tracer:         otel.Tracer(instrumentationName),
		metrics:        newMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = NewBreaker(DefaultBreakerConfig())
	}
	if g.schemas == nil {
		g.schemas = schema.NewCache()
	}
	return g
}

// Breaker exposes the provider breaker.
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// Call runs the full pipeline for one round trip.
func (g *Gateway) Call(ctx context.Context, req Request) Result {
	ctx, span := g.tracer.Start(ctx, "gateway.Call", trace.WithAttributes(
		observability.CallAttributes(req.SessionID, req.WorkOrderID, req.ContractRef)...,
	))
	defer span.End()

	res := g.call(ctx, req)

	span.SetAttributes(attribute.String("dispatch.outcome", res.Outcome.String()))
	if !res.OK() {
		span.SetStatus(codes.Error, string(res.ErrorCode))
		g.logger.WarnContext(ctx, "gateway call not successful",
			"work_order_id", req.WorkOrderID,
			"outcome", res.Outcome.String(),
			"code", res.ErrorCode,
			"message", res.ErrorMessage,
		)
	} else {
		g.logger.InfoContext(ctx, "gateway call completed",
			"work_order_id", req.WorkOrderID,
			"exchange_id", res.ExchangeID,
			"input_tokens", res.Usage.InputTokens,
			"output_tokens", res.Usage.OutputTokens,
			"latency_ms", res.Latency.Milliseconds(),
		)
	}
	g.metrics.record(ctx, req.ContractRef, res)
	return res
}

func (g *Gateway) call(ctx context.Context, req Request) Result {
	contract, err := g.contracts.Get(ctx, req.ContractRef)
	if err != nil {
		code := CodeInvalidInput
		if errors.Is(err, prompt.ErrContractNotFound) {
			code = CodeContractNotFound
		}
		return g.reject(ctx, req, code, err.Error(), 0)
	}
	if msg := g.validate(req, contract); msg != "" {
		return g.reject(ctx, req, CodeInvalidInput, msg, 0)
	}
	if err := g.auth.Authorize(ctx, Caller{
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Contract:  contract.Name,
		Token:     req.Token,
	}); err != nil {
		return g.reject(ctx, req, CodeUnauthorized, err.Error(), 0)
	}

	// Check through debit runs under the session reservation.
	unlock := g.budget.Reserve(req.SessionID)
	defer unlock()

	scope := budget.Scope{
		SessionID:       req.SessionID,
		WorkOrderID:     req.WorkOrderID,
		AgentID:         req.AgentID,
		RequestedTokens: req.MaxTokens,
		ModelID:         contract.ModelID,
	}
	if d := g.budget.Check(ctx, scope); !d.Allowed {
		return g.reject(ctx, req, CodeBudgetExhausted, d.Reason, d.RetryAfter)
	}
	// An open breaker rejects before the limiter takes a rate token.
	if !g.breaker.Allow(ctx) {
		return g.reject(ctx, req, CodeCircuitOpen, "provider circuit breaker is open", 0)
	}
	if g.limiter != nil {
		rd, err := g.limiter.Allow(ctx, contract.ModelID, req.MaxTokens)
		if err != nil {
			g.breaker.Release()
			return g.reject(ctx, req, CodeRateLimited, fmt.Sprintf("rate limiter unavailable: %v", err), 0)
		}
		if !rd.Allowed {
			g.breaker.Release()
			return g.reject(ctx, req, CodeRateLimited,
				fmt.Sprintf("rate limited for model %s, retry after %s", contract.ModelID, rd.RetryAfter), rd.RetryAfter)
		}
	}

	marker, err := g.ledger.Write(ctx, ledger.TierExchange, ledger.Entry{
		EventType:    ledger.EventDispatchMarker,
		SubmissionID: req.WorkOrderID,
		Decision:     ledger.DecisionDispatched,
		Metadata: identity(req, map[string]any{
			ledger.MetaModelID:     contract.ModelID,
			ledger.MetaContractRef: contract.Ref(),
		}),
	})
	if err != nil {
		g.breaker.Release()
		return failed(CodeLedgerWriteFailed, fmt.Sprintf("record dispatch marker: %v", err))
	}

	llmReq := g.buildRequest(req, contract)
	sendCtx, cancel := context.WithTimeout(ctx, g.timeout(req, contract))
	start := g.clock()
	resp, sendErr := g.provider.Send(sendCtx, llmReq)
	latency := g.clock().Sub(start)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	res := Result{DispatchID: marker.ID, ModelID: contract.ModelID, Latency: latency}
	decision := ledger.DecisionSuccess
	switch {
	case sendErr == nil && resp == nil:
		res.Outcome, res.ErrorCode, res.ErrorMessage = OutcomeError, CodeMalformedResponse, "provider returned no response"
	case sendErr == nil:
		res.Outcome = OutcomeSuccess
	case timedOut || errors.Is(sendErr, context.DeadlineExceeded):
		res.Outcome, res.ErrorCode, res.ErrorMessage = OutcomeTimeout, CodeProviderTimeout, sendErr.Error()
	case errors.Is(sendErr, llm.ErrMalformedResponse):
		res.Outcome, res.ErrorCode, res.ErrorMessage = OutcomeError, CodeMalformedResponse, sendErr.Error()
	default:
		res.Outcome, res.ErrorCode, res.ErrorMessage = OutcomeError, CodeProviderError, sendErr.Error()
	}
	g.breaker.Record(ctx, res.OK())

	switch res.Outcome {
	case OutcomeTimeout:
		decision = ledger.DecisionTimeout
	case OutcomeError:
		decision = ledger.DecisionError
	default:
		res.Content = resp.Content()
		res.Blocks = resp.Blocks
		res.Usage = resp.Usage
		res.FinishReason = resp.FinishReason
		if resp.ModelID != "" {
			res.ModelID = resp.ModelID
		}
	}

	promptText := llmReq.PromptText()
	contentHash, err := canonicalize.CanonicalHash(map[string]any{
		"prompt":   promptText,
		"response": res.Content,
		"blocks":   res.Blocks,
	})
	if err != nil {
		return failed(CodeLedgerWriteFailed, fmt.Sprintf("hash exchange: %v", err))
	}
	meta := identity(req, map[string]any{
		ledger.MetaDispatchID:    marker.ID,
		ledger.MetaParentEventID: marker.ID,
		ledger.MetaModelID:       res.ModelID,
		ledger.MetaPrompt:        promptText,
		ledger.MetaResponse:      res.Content,
		ledger.MetaContentHash:   contentHash,
		ledger.MetaInputTokens:   res.Usage.InputTokens,
		ledger.MetaOutputTokens:  res.Usage.OutputTokens,
		ledger.MetaFinishReason:  res.FinishReason,
		ledger.MetaLatencyMs:     latency.Milliseconds(),
	})
	if hasToolUse(res.Blocks) {
		meta[ledger.MetaBlocks] = res.Blocks
	}
	if !res.OK() {
		meta[ledger.MetaErrorCode] = string(res.ErrorCode)
		meta[ledger.MetaErrorMessage] = res.ErrorMessage
	}
	exchange, err := g.ledger.Write(ctx, ledger.TierExchange, ledger.Entry{
		EventType:    ledger.EventExchange,
		SubmissionID: marker.ID,
		Decision:     decision,
		Reason:       res.ErrorMessage,
		Metadata:     meta,
	})
	if err != nil {
		return failed(CodeLedgerWriteFailed, fmt.Sprintf("record exchange: %v", err))
	}
	res.ExchangeID = exchange.ID
	if !res.OK() {
		return res
	}

	if _, err := g.budget.Debit(ctx, scope, budget.Usage{
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	}, exchange.ID); err != nil {
		return failed(CodeLedgerWriteFailed, fmt.Sprintf("debit budget: %v", err))
	}

	structured, found := structuredOutput(contract, resp)
	if found {
		res.Structured = structured
	}
	if contract.OutputSchema != nil && (found || len(realToolUses(contract, resp)) == 0) {
		valid, reason := true, "output conforms to contract schema"
		switch {
		case !found:
			valid, reason = false, "no structured output in response"
		default:
			if err := g.schemas.Validate(contract.OutputSchema, structured); err != nil {
				valid, reason = false, err.Error()
			}
		}
		res.OutputValid = &valid
		verdict := ledger.DecisionAccept
		extra := map[string]any{ledger.MetaParentEventID: exchange.ID}
		if !valid {
			verdict = ledger.DecisionReject
			extra[ledger.MetaErrorCode] = string(CodeOutputInvalid)
		}
		if _, err := g.ledger.Write(ctx, ledger.TierExchange, ledger.Entry{
			EventType:    ledger.EventOutputValidation,
			SubmissionID: req.WorkOrderID,
			Decision:     verdict,
			Reason:       reason,
			Metadata:     identity(req, extra),
		}); err != nil {
			return failed(CodeLedgerWriteFailed, fmt.Sprintf("record output validation: %v", err))
		}
	}
	return res
}

func (g *Gateway) validate(req Request, c *prompt.Contract) string {
	var issues []string
	if req.SessionID == "" || req.WorkOrderID == "" {
		issues = append(issues, "session and work order ids are required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		issues = append(issues, "prompt is empty")
	}
	if req.ModelID != "" && req.ModelID != c.ModelID {
		issues = append(issues, fmt.Sprintf("model %s does not match contract model %s", req.ModelID, c.ModelID))
	}
	if req.MaxTokens <= 0 {
		issues = append(issues, "max_tokens must be positive")
	} else if req.MaxTokens > c.MaxTokens {
		issues = append(issues, fmt.Sprintf("max_tokens %d exceeds contract ceiling %d", req.MaxTokens, c.MaxTokens))
	}
	for _, t := range req.Tools {
		if _, ok := c.Tool(t.Name); !ok {
			issues = append(issues, fmt.Sprintf("tool %s is not declared by the contract", t.Name))
		}
	}
	if c.InputSchema != nil {
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		if err := g.schemas.Validate(c.InputSchema, input); err != nil {
			issues = append(issues, fmt.Sprintf("input: %v", err))
		}
	}
	return strings.Join(issues, "; ")
}

func (g *Gateway) buildRequest(req Request, c *prompt.Contract) llm.Request {
	out := llm.NewRequest(c.ModelID, req.Prompt)
	out.Messages = append(out.Messages, req.History...)
	out.MaxTokens = req.MaxTokens
	out.Temperature = c.Temperature
	out.Tools = req.Tools
	if c.OutputSchema != nil {
		out.OutputSchema = c.OutputSchema
		out.OutputTool = c.OutputToolName()
	}
	return out
}

// timeout is the smaller of the request and contract timeouts, or the
// default when neither is set.
func (g *Gateway) timeout(req Request, c *prompt.Contract) time.Duration {
	var d time.Duration
	for _, t := range []time.Duration{req.Timeout, time.Duration(c.TimeoutSeconds) * time.Second} {
		if t > 0 && (d == 0 || t < d) {
			d = t
		}
	}
	if d == 0 {
		return g.defaultTimeout
	}
	return d
}

// reject records exactly one rejection entry. Nothing has been sent.
func (g *Gateway) reject(ctx context.Context, req Request, code Code, msg string, retryAfter time.Duration) Result {
	e, err := g.ledger.Write(ctx, ledger.TierExchange, ledger.Entry{
		EventType:    ledger.EventRejection,
		SubmissionID: req.WorkOrderID,
		Decision:     ledger.DecisionDeny,
		Reason:       msg,
		Metadata: identity(req, map[string]any{
			ledger.MetaErrorCode:    string(code),
			ledger.MetaErrorMessage: msg,
		}),
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "rejection not recorded", "code", code, "error", err)
		return failed(CodeLedgerWriteFailed, fmt.Sprintf("record %s rejection: %v", code, err))
	}
	return Result{
		Outcome:      OutcomeRejected,
		ErrorCode:    code,
		ErrorMessage: msg,
		RejectionID:  e.ID,
		RetryAfter:   retryAfter,
	}
}

func failed(code Code, msg string) Result {
	return Result{Outcome: OutcomeError, ErrorCode: code, ErrorMessage: msg}
}

func identity(req Request, extra map[string]any) map[string]any {
	m := map[string]any{
		ledger.MetaSessionID:   req.SessionID,
		ledger.MetaWorkOrderID: req.WorkOrderID,
		ledger.MetaAgentID:     req.AgentID,
	}
	if req.ParentEventID != "" {
		m[ledger.MetaParentEventID] = req.ParentEventID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// structuredOutput finds the contract's output tool call, or, when the
// contract declares an output schema, a JSON object in the text content.
func structuredOutput(c *prompt.Contract, resp *llm.Response) (map[string]any, bool) {
	name := c.OutputToolName()
	for _, b := range resp.ToolUses() {
		if b.Name == name {
			return b.Input, true
		}
	}
	if c.OutputSchema == nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content())), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func hasToolUse(blocks []llm.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == llm.BlockToolUse {
			return true
		}
	}
	return false
}

func realToolUses(c *prompt.Contract, resp *llm.Response) []llm.ContentBlock {
	var out []llm.ContentBlock
	for _, b := range resp.ToolUses() {
		if b.Name != c.OutputToolName() {
			out = append(out, b)
		}
	}
	return out
}
