package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm/llmtest"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
)

const (
	sessionID = "sess-1"
	woID      = "WO-sess-1-0001"
)

type harness struct {
	ledger   *ledger.Ledger
	budget   *budget.Budgeter
	provider *llmtest.Provider
	gw       *gateway.Gateway
}

func classifyContract() *prompt.Contract {
	return &prompt.Contract{
		Name:        "classify_intent",
		Version:     "1.0.0",
		ModelID:     "test-model",
		Template:    "Classify: {{.message}}",
		MaxTokens:   500,
		Temperature: 0.1,
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"speech_act"},
			"properties": map[string]any{
				"speech_act": map[string]any{"type": "string"},
			},
		},
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
		},
	}
}

func toolContract() *prompt.Contract {
	return &prompt.Contract{
		Name:      "run_tools",
		Version:   "1.0.0",
		ModelID:   "test-model",
		Template:  "Do: {{.task}}",
		MaxTokens: 4096,
		Tools: []prompt.ToolSpec{
			{Name: "list_files", Description: "list files"},
			{Name: "delete_file", Description: "delete a file"},
		},
	}
}

func newHarness(t *testing.T, woTokens int64, opts ...gateway.Option) *harness {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewMemory()
	b := budget.New(l)
	require.NoError(t, b.AllocateSession(ctx, sessionID, 10000))
	_, err := b.Allocate(ctx, budget.Scope{SessionID: sessionID, WorkOrderID: woID}, woTokens)
	require.NoError(t, err)

	store, err := prompt.NewMemoryStore(classifyContract(), toolContract())
	require.NoError(t, err)
	p := llmtest.New()
	return &harness{ledger: l, budget: b, provider: p, gw: gateway.New(l, b, store, p, opts...)}
}

func classifyRequest() gateway.Request {
	return gateway.Request{
		SessionID:   sessionID,
		WorkOrderID: woID,
		AgentID:     "executor",
		ContractRef: "classify_intent",
		Prompt:      "Classify: hello there",
		Input:       map[string]any{"message": "hello there"},
		MaxTokens:   500,
	}
}

func entries(t *testing.T, l *ledger.Ledger, typ ledger.EventType) []ledger.Entry {
	t.Helper()
	es, err := l.Entries(context.Background(), ledger.TierExchange, ledger.Filter{EventType: typ})
	require.NoError(t, err)
	return es
}

func TestCall_SuccessRecordsExchangeVerbatim(t *testing.T) {
	h := newHarness(t, 2000)
	content := `{"speech_act":"greeting","ambiguity":"low"}`
	h.provider.Push(llmtest.Text(content, 120, 30))

	res := h.gw.Call(context.Background(), classifyRequest())
	require.True(t, res.OK(), res.ErrorMessage)
	assert.NoError(t, res.Err())
	assert.Equal(t, content, res.Content)
	assert.Equal(t, map[string]any{"speech_act": "greeting", "ambiguity": "low"}, res.Structured)
	require.NotNil(t, res.OutputValid)
	assert.True(t, *res.OutputValid)

	markers := entries(t, h.ledger, ledger.EventDispatchMarker)
	require.Len(t, markers, 1)
	assert.Equal(t, res.DispatchID, markers[0].ID)
	assert.Empty(t, markers[0].String(ledger.MetaPrompt), "marker carries identity only")

	exchanges := entries(t, h.ledger, ledger.EventExchange)
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, res.ExchangeID, ex.ID)
	assert.Equal(t, ledger.DecisionSuccess, ex.Decision)
	assert.Equal(t, "Classify: hello there", ex.String(ledger.MetaPrompt))
	assert.Equal(t, content, ex.String(ledger.MetaResponse))
	assert.Equal(t, res.DispatchID, ex.String(ledger.MetaDispatchID))
	assert.EqualValues(t, 120, ex.Int(ledger.MetaInputTokens))
	assert.EqualValues(t, 30, ex.Int(ledger.MetaOutputTokens))
	assert.NotEmpty(t, ex.String(ledger.MetaContentHash))

	debits := entries(t, h.ledger, ledger.EventBudgetDebited)
	require.Len(t, debits, 1)
	assert.Equal(t, ex.ID, debits[0].String(ledger.MetaParentEventID))

	bal, ok := h.budget.WorkOrder(woID)
	require.True(t, ok)
	assert.EqualValues(t, 2000-150, bal.Remaining())

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 500, reqs[0].MaxTokens)
	assert.Equal(t, "structured_output", reqs[0].OutputTool)
	assert.Empty(t, entries(t, h.ledger, ledger.EventRejection))
}

func TestCall_RejectionsNeverDispatch(t *testing.T) {
	tests := []struct {
		name   string
		tokens int64
		mutate func(*gateway.Request)
		code   gateway.Code
	}{
		{"budget exhausted", 100, func(r *gateway.Request) {}, gateway.CodeBudgetExhausted},
		{"unknown contract", 2000, func(r *gateway.Request) { r.ContractRef = "nope" }, gateway.CodeContractNotFound},
		{"ceiling above contract", 2000, func(r *gateway.Request) { r.MaxTokens = 501 }, gateway.CodeInvalidInput},
		{"empty prompt", 2000, func(r *gateway.Request) { r.Prompt = "  " }, gateway.CodeInvalidInput},
		{"model mismatch", 2000, func(r *gateway.Request) { r.ModelID = "other-model" }, gateway.CodeInvalidInput},
		{"input schema", 2000, func(r *gateway.Request) { r.Input = map[string]any{} }, gateway.CodeInvalidInput},
		{"undeclared tool", 2000, func(r *gateway.Request) { r.Tools = []llm.ToolDefinition{{Name: "rm"}} }, gateway.CodeInvalidInput},
		{"missing agent", 2000, func(r *gateway.Request) { r.AgentID = "" }, gateway.CodeUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.tokens)
			h.provider.Push(llmtest.Text("{}", 1, 1))
			req := classifyRequest()
			tc.mutate(&req)

			res := h.gw.Call(context.Background(), req)
			assert.Equal(t, gateway.OutcomeRejected, res.Outcome)
			assert.Equal(t, tc.code, res.ErrorCode)
			assert.Contains(t, res.Err().Error(), string(tc.code))
			assert.Zero(t, h.provider.Calls())

			rejections := entries(t, h.ledger, ledger.EventRejection)
			require.Len(t, rejections, 1)
			assert.Equal(t, res.RejectionID, rejections[0].ID)
			assert.Equal(t, string(tc.code), rejections[0].String(ledger.MetaErrorCode))
			assert.Empty(t, rejections[0].String(ledger.MetaPrompt))
			assert.Empty(t, entries(t, h.ledger, ledger.EventDispatchMarker))
			assert.Empty(t, entries(t, h.ledger, ledger.EventExchange))
		})
	}
}

func TestCall_TimeoutPreservesPrompt(t *testing.T) {
	h := newHarness(t, 2000)
	h.provider.Push(llmtest.Hang())
	req := classifyRequest()
	req.Timeout = 20 * time.Millisecond

	res := h.gw.Call(context.Background(), req)
	assert.Equal(t, gateway.OutcomeTimeout, res.Outcome)
	assert.Equal(t, gateway.CodeProviderTimeout, res.ErrorCode)

	exchanges := entries(t, h.ledger, ledger.EventExchange)
	require.Len(t, exchanges, 1)
	assert.Equal(t, ledger.DecisionTimeout, exchanges[0].Decision)
	assert.Equal(t, "Classify: hello there", exchanges[0].String(ledger.MetaPrompt))
	assert.Empty(t, exchanges[0].String(ledger.MetaResponse))
	assert.Empty(t, entries(t, h.ledger, ledger.EventBudgetDebited))

	bal, _ := h.budget.WorkOrder(woID)
	assert.EqualValues(t, 0, bal.Debited)
}

func TestCall_ProviderErrorsAndMalformed(t *testing.T) {
	h := newHarness(t, 2000)
	h.provider.Push(
		llmtest.Fail(errors.New("upstream 503")),
		llmtest.Fail(llm.ErrMalformedResponse),
	)
	res := h.gw.Call(context.Background(), classifyRequest())
	assert.Equal(t, gateway.OutcomeError, res.Outcome)
	assert.Equal(t, gateway.CodeProviderError, res.ErrorCode)
	assert.NotEmpty(t, res.ExchangeID)

	res = h.gw.Call(context.Background(), classifyRequest())
	assert.Equal(t, gateway.CodeMalformedResponse, res.ErrorCode)

	exchanges := entries(t, h.ledger, ledger.EventExchange)
	require.Len(t, exchanges, 2)
	for _, ex := range exchanges {
		assert.Equal(t, ledger.DecisionError, ex.Decision)
	}
	assert.Empty(t, entries(t, h.ledger, ledger.EventBudgetDebited))
}

func TestCall_OutputValidationIsAdvisory(t *testing.T) {
	h := newHarness(t, 2000)
	h.provider.Push(llmtest.ToolUse(10, 5, llmtest.Call("c1", "structured_output", map[string]any{"ambiguity": "low"})))

	res := h.gw.Call(context.Background(), classifyRequest())
	require.True(t, res.OK())
	require.NotNil(t, res.OutputValid)
	assert.False(t, *res.OutputValid)
	assert.Equal(t, map[string]any{"ambiguity": "low"}, res.Structured)

	validations := entries(t, h.ledger, ledger.EventOutputValidation)
	require.Len(t, validations, 1)
	assert.Equal(t, ledger.DecisionReject, validations[0].Decision)
	assert.Equal(t, string(gateway.CodeOutputInvalid), validations[0].String(ledger.MetaErrorCode))
	assert.Equal(t, res.ExchangeID, validations[0].String(ledger.MetaParentEventID))

	exchanges := entries(t, h.ledger, ledger.EventExchange)
	require.Len(t, exchanges, 1)
	assert.NotNil(t, exchanges[0].Metadata[ledger.MetaBlocks])
}

func TestCall_RateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := budget.NewMemoryLimiter(budget.RatePolicy{RequestsPerMinute: 1, Burst: 1}).
		WithClock(func() time.Time { return now })
	h := newHarness(t, 2000, gateway.WithRateLimiter(limiter))
	h.provider.Push(llmtest.Text(`{"speech_act":"x"}`, 1, 1), llmtest.Text(`{"speech_act":"x"}`, 1, 1))

	first := h.gw.Call(context.Background(), classifyRequest())
	require.True(t, first.OK())

	second := h.gw.Call(context.Background(), classifyRequest())
	assert.Equal(t, gateway.OutcomeRejected, second.Outcome)
	assert.Equal(t, gateway.CodeRateLimited, second.ErrorCode)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, h.provider.Calls())
}

func TestCall_CircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	breaker := gateway.NewBreaker(gateway.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenProbes: 1}).WithClock(clock)
	h := newHarness(t, 5000, gateway.WithBreaker(breaker))
	h.provider.Push(
		llmtest.Fail(errors.New("boom")),
		llmtest.Fail(errors.New("boom")),
		llmtest.Text(`{"speech_act":"ok"}`, 1, 1),
	)
	ctx := context.Background()

	h.gw.Call(ctx, classifyRequest())
	h.gw.Call(ctx, classifyRequest())
	assert.Equal(t, gateway.BreakerOpen, breaker.State())

	res := h.gw.Call(ctx, classifyRequest())
	assert.Equal(t, gateway.OutcomeRejected, res.Outcome)
	assert.Equal(t, gateway.CodeCircuitOpen, res.ErrorCode)
	assert.Equal(t, 2, h.provider.Calls())

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	assert.Equal(t, gateway.BreakerHalfOpen, breaker.State())

	res = h.gw.Call(ctx, classifyRequest())
	require.True(t, res.OK())
	assert.Equal(t, gateway.BreakerClosed, breaker.State())
}

func TestCall_JWTAuthorizer(t *testing.T) {
	auth, err := gateway.NewJWTAuthorizer([]byte("0123456789abcdef0123456789abcdef"), "helm-dispatch")
	require.NoError(t, err)
	h := newHarness(t, 2000, gateway.WithAuthorizer(auth))
	h.provider.Push(llmtest.Text(`{"speech_act":"x"}`, 1, 1))
	ctx := context.Background()

	wrong, err := auth.Issue("executor", []string{"synthesize"}, time.Minute)
	require.NoError(t, err)
	req := classifyRequest()
	req.Token = wrong
	res := h.gw.Call(ctx, req)
	assert.Equal(t, gateway.CodeUnauthorized, res.ErrorCode)

	other, err := auth.Issue("someone-else", []string{"*"}, time.Minute)
	require.NoError(t, err)
	req.Token = other
	res = h.gw.Call(ctx, req)
	assert.Equal(t, gateway.CodeUnauthorized, res.ErrorCode)

	good, err := auth.Issue("executor", []string{"classify_intent"}, time.Minute)
	require.NoError(t, err)
	req.Token = good
	res = h.gw.Call(ctx, req)
	assert.True(t, res.OK(), res.ErrorMessage)
	assert.Len(t, entries(t, h.ledger, ledger.EventRejection), 2)
}

func TestCall_ToolsForwardedWithHistory(t *testing.T) {
	h := newHarness(t, 4000)
	h.provider.Push(llmtest.Text("done", 5, 5))
	req := gateway.Request{
		SessionID:   sessionID,
		WorkOrderID: woID,
		AgentID:     "executor",
		ContractRef: "run_tools",
		Prompt:      "Do: cleanup",
		MaxTokens:   4000,
		Tools:       []llm.ToolDefinition{{Name: "list_files"}},
		History: []llm.Message{
			{Role: llm.RoleAssistant, Blocks: []llm.ContentBlock{llmtest.Call("c1", "list_files", nil)}},
			{Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.ToolResultBlock("c1", "list_files", "a.txt", false)}},
		},
	}
	res := h.gw.Call(context.Background(), req)
	require.True(t, res.OK(), res.ErrorMessage)
	assert.Nil(t, res.OutputValid)
	assert.Nil(t, res.Structured)

	sent := h.provider.Requests()[0]
	assert.Len(t, sent.Messages, 3)
	assert.Len(t, sent.Tools, 1)
	assert.Empty(t, entries(t, h.ledger, ledger.EventOutputValidation))
}

func TestCall_OpenBreakerSpendsNoRateTokens(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	limiter := budget.NewMemoryLimiter(budget.RatePolicy{RequestsPerMinute: 1, Burst: 2}).
		WithClock(func() time.Time { return start })
	var mu sync.Mutex
	now := start
	breaker := gateway.NewBreaker(gateway.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenProbes: 1}).
		WithClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return now })
	h := newHarness(t, 5000, gateway.WithRateLimiter(limiter), gateway.WithBreaker(breaker))
	h.provider.Push(
		llmtest.Fail(errors.New("boom")),
		llmtest.Text(`{"speech_act":"ok"}`, 1, 1),
	)
	ctx := context.Background()

	res := h.gw.Call(ctx, classifyRequest())
	assert.Equal(t, gateway.CodeProviderError, res.ErrorCode)
	require.Equal(t, gateway.BreakerOpen, breaker.State())

	for range 3 {
		res = h.gw.Call(ctx, classifyRequest())
		assert.Equal(t, gateway.CodeCircuitOpen, res.ErrorCode)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	// The limiter clock never moved: only the second burst token is left.
	res = h.gw.Call(ctx, classifyRequest())
	require.True(t, res.OK(), res.ErrorMessage)
	assert.Equal(t, 2, h.provider.Calls())

	res = h.gw.Call(ctx, classifyRequest())
	assert.Equal(t, gateway.CodeRateLimited, res.ErrorCode)
}

func TestCall_RateLimitReleasesHalfOpenSlot(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	limiter := budget.NewMemoryLimiter(budget.RatePolicy{RequestsPerMinute: 1, Burst: 1}).
		WithClock(func() time.Time { return start })
	var mu sync.Mutex
	now := start
	breaker := gateway.NewBreaker(gateway.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenProbes: 1}).
		WithClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return now })
	h := newHarness(t, 5000, gateway.WithRateLimiter(limiter), gateway.WithBreaker(breaker))
	h.provider.Push(llmtest.Fail(errors.New("boom")))
	ctx := context.Background()

	h.gw.Call(ctx, classifyRequest())
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	for range 2 {
		res := h.gw.Call(ctx, classifyRequest())
		assert.Equal(t, gateway.CodeRateLimited, res.ErrorCode, "half-open slot returned after each rate rejection")
	}
	assert.Equal(t, gateway.BreakerHalfOpen, breaker.State())
	assert.Equal(t, 1, h.provider.Calls())
}

func TestCall_SpanIdentifiesWorkOrder(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, 2000, gateway.WithTracer(tp.Tracer("gateway-test")))
	h.provider.Push(llmtest.Text(`{"speech_act":"greeting"}`, 10, 5))

	res := h.gw.Call(context.Background(), classifyRequest())
	require.True(t, res.OK(), res.ErrorMessage)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gateway.Call", spans[0].Name())
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, woID, attrs[string(observability.AttrWorkOrderID)])
	assert.Equal(t, sessionID, attrs[string(observability.AttrSessionID)])
	assert.Equal(t, "classify_intent", attrs[string(observability.AttrContract)])
	assert.Equal(t, "SUCCESS", attrs["dispatch.outcome"])
}
