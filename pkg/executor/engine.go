// Package executor is the execution tier: it takes dispatched work orders,
// renders their prompts, calls the gateway, resolves tool use in a bounded
// loop, and records every step in the execution stream.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/schema"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/tooling"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

// DefaultTimeout bounds a work order that sets no timeout.
const DefaultTimeout = 2 * time.Minute

// DefaultAgentID identifies the execution tier in ledger entries.
const DefaultAgentID = "execution"

// Caller is the gateway as the engine uses it.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) gateway.Result
}

// Balances reads work order budget balances.
type Balances interface {
	WorkOrder(woID string) (budget.Balance, bool)
}

// Engine executes work orders. It keeps no state between work orders.
type Engine struct {
	ledger    *ledger.Ledger
	gateway   Caller
	contracts prompt.Store
	tools     tooling.Dispatcher
	renderer  *prompt.Renderer
	schemas   *schema.Cache
	balances  Balances

	agentID        string
	token          string
	defaultTimeout time.Duration
	clock          func() time.Time
	logger         *slog.Logger
}

type Option func(*Engine)

// WithCredentials sets the agent id and token presented to the gateway.
func WithCredentials(agentID, token string) Option {
	return func(e *Engine) { e.agentID, e.token = agentID, token }
}

// WithBalances lets follow-up turns cap their ceiling to what remains.
func WithBalances(b Balances) Option { return func(e *Engine) { e.balances = b } }

func WithSchemaCache(c *schema.Cache) Option { return func(e *Engine) { e.schemas = c } }

func WithDefaultTimeout(d time.Duration) Option { return func(e *Engine) { e.defaultTimeout = d } }

func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func New(l *ledger.Ledger, gw Caller, contracts prompt.Store, tools tooling.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		ledger:         l,
		gateway:        gw,
		contracts:      contracts,
		tools:          tools,
		renderer:       prompt.NewRenderer(),
		agentID:        DefaultAgentID,
		defaultTimeout: DefaultTimeout,
		clock:          time.Now,
		logger:         slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.schemas == nil {
		e.schemas = schema.NewCache()
	}
	return e
}

// Execute runs a dispatched work order to a terminal state and returns the
// terminal ledger entry. Work order failures are recorded on the work
// order itself; an error means the work order was not dispatched or the
// ledger could not record the outcome.
func (e *Engine) Execute(ctx context.Context, wo *workorder.WorkOrder, parentEventID string) (ledger.Entry, error) {
	from := wo.State
	if err := workorder.Transition(wo, workorder.StateExecuting, workorder.ActorExecution); err != nil {
		return ledger.Entry{}, err
	}
	started, err := e.ledger.Write(ctx, ledger.TierExecution, workorder.LedgerEntry(wo,
		ledger.EventWorkOrderExecuting, ledger.DecisionRecorded, e.agentID, parentEventID,
		map[string]any{
			ledger.MetaFromState:   string(from),
			ledger.MetaContractRef: wo.Constraints.ContractRef,
		}))
	if err != nil {
		return e.finish(ctx, wo, run{parent: parentEventID}, fail(gateway.CodeLedgerWriteFailed, fmt.Sprintf("record executing: %v", err)))
	}
	e.logger.InfoContext(ctx, "work order executing", "work_order_id", wo.ID, "type", wo.Type)

	r := run{
		start:    e.clock(),
		deadline: e.clock().Add(wo.Constraints.Timeout(e.defaultTimeout)),
		parent:   started.ID,
		cache:    tooling.NewResultCache(),
	}
	var out *outcome
	if wo.Type.CallsLLM() {
		out = e.runLLM(ctx, wo, &r)
	} else {
		out = e.runDirect(ctx, wo, &r)
	}
	return e.finish(ctx, wo, r, out)
}

// run is the per work order execution state.
type run struct {
	start    time.Time
	deadline time.Time
	parent   string
	cost     workorder.Cost
	cache    *tooling.ResultCache
}

// outcome is either an output or a failure.
type outcome struct {
	output map[string]any
	code   gateway.Code
	msg    string
}

func fail(code gateway.Code, msg string) *outcome {
	return &outcome{code: code, msg: msg}
}

func succeed(output map[string]any) *outcome {
	return &outcome{output: output}
}

func (e *Engine) finish(ctx context.Context, wo *workorder.WorkOrder, r run, out *outcome) (ledger.Entry, error) {
	now := e.clock()
	if !r.start.IsZero() {
		r.cost.ElapsedMs = now.Sub(r.start).Milliseconds()
	}
	if out.code == "" {
		if err := workorder.Complete(wo, out.output, r.cost, now); err != nil {
			return ledger.Entry{}, err
		}
	} else {
		if err := workorder.Fail(wo, workorder.ActorExecution, string(out.code), out.msg, now); err != nil {
			return ledger.Entry{}, err
		}
		wo.Cost = r.cost
	}

	entry, err := e.ledger.Write(ctx, ledger.TierExecution, workorder.TerminalEntry(wo, e.agentID, r.parent))
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("executor: record %s for %s: %w", wo.State, wo.ID, err)
	}
	if wo.State == workorder.StateFailed {
		e.logger.WarnContext(ctx, "work order failed", "work_order_id", wo.ID, "code", out.code, "message", out.msg)
	} else {
		e.logger.InfoContext(ctx, "work order completed", "work_order_id", wo.ID,
			"llm_calls", r.cost.LLMCalls, "tool_calls", r.cost.ToolCalls, "tokens", r.cost.TotalTokens())
	}
	return entry, nil
}

func (e *Engine) runLLM(ctx context.Context, wo *workorder.WorkOrder, r *run) *outcome {
	contract, err := e.contracts.Get(ctx, wo.Constraints.ContractRef)
	if err != nil {
		if errors.Is(err, prompt.ErrContractNotFound) {
			return fail(gateway.CodeContractNotFound, err.Error())
		}
		return fail(gateway.CodeInvalidInput, err.Error())
	}
	rendered, err := e.renderer.Render(contract, wo.Input.Data)
	if err != nil {
		return fail(gateway.CodeInvalidInput, err.Error())
	}

	filter, offered, err := e.toolset(wo, contract)
	if err != nil {
		return fail(gateway.CodeInvalidInput, err.Error())
	}
	turnLimit := wo.Constraints.TurnLimit
	if turnLimit < 1 {
		turnLimit = 1
	}

	var history []llm.Message
	for turn := 1; ; turn++ {
		remaining := r.deadline.Sub(e.clock())
		if remaining <= 0 {
			return fail(gateway.CodeProviderTimeout, fmt.Sprintf("work order deadline passed before turn %d", turn))
		}
		res := e.gateway.Call(ctx, gateway.Request{
			SessionID:     wo.SessionID,
			WorkOrderID:   wo.ID,
			AgentID:       e.agentID,
			Token:         e.token,
			ContractRef:   contract.Ref(),
			ModelID:       contract.ModelID,
			Prompt:        rendered,
			History:       history,
			Input:         wo.Input.Data,
			MaxTokens:     e.ceiling(wo, contract),
			Tools:         offered,
			Timeout:       remaining,
			ParentEventID: r.parent,
		})
		if res.DispatchID != "" {
			r.cost.LLMCalls++
		}
		r.cost.InputTokens += res.Usage.InputTokens
		r.cost.OutputTokens += res.Usage.OutputTokens
		if !res.OK() {
			return fail(res.ErrorCode, res.ErrorMessage)
		}
		r.parent = res.ExchangeID

		if out, ok := structured(contract, res); ok {
			return succeed(out)
		}
		var uses []llm.ContentBlock
		for _, b := range res.Blocks {
			if b.Type == llm.BlockToolUse && b.Name != contract.OutputToolName() {
				uses = append(uses, b)
			}
		}

		// Calls outside the allowlist are logged and answered with an
		// error result; only permitted calls count against the turn limit.
		results := make([]llm.ContentBlock, len(uses))
		var permitted []int
		for i, use := range uses {
			if filter.Allowed(use.Name) {
				permitted = append(permitted, i)
				continue
			}
			block, failure := e.resolveTool(ctx, wo, filter, r, use)
			if failure != nil {
				return failure
			}
			results[i] = block
		}
		if len(permitted) == 0 {
			return succeed(parseContent(res.Content))
		}
		if turn >= turnLimit {
			return fail(gateway.CodeTurnLimitExceeded,
				fmt.Sprintf("turn limit %d reached with %d tool calls pending", turnLimit, len(permitted)))
		}
		for _, i := range permitted {
			block, failure := e.resolveTool(ctx, wo, filter, r, uses[i])
			if failure != nil {
				return failure
			}
			results[i] = block
		}
		history = append(history,
			llm.Message{Role: llm.RoleAssistant, Blocks: res.Blocks},
			llm.Message{Role: llm.RoleUser, Blocks: results},
		)
	}
}

// ceiling is the outgoing max_tokens: never above the contract, the work
// order allocation, or what is left of it.
func (e *Engine) ceiling(wo *workorder.WorkOrder, c *prompt.Contract) int {
	limit := min(c.MaxTokens, wo.Constraints.TokenBudget)
	if e.balances != nil {
		if bal, ok := e.balances.WorkOrder(wo.ID); ok {
			if rem := bal.Remaining(); rem > 0 && rem < int64(limit) {
				limit = int(rem)
			}
		}
	}
	return limit
}

// toolset builds the allowlist filter and the tool definitions offered to
// the model: contract-declared tools that the work order allows.
func (e *Engine) toolset(wo *workorder.WorkOrder, c *prompt.Contract) (*tooling.Filter, []llm.ToolDefinition, error) {
	filter := tooling.NewFilter(e.tools, e.schemas)
	var offered []llm.ToolDefinition
	for _, name := range wo.Constraints.ToolsAllowed {
		spec, declared := c.Tool(name)
		if err := filter.Allow(name, spec.Parameters); err != nil {
			return nil, nil, err
		}
		if declared {
			offered = append(offered, llm.ToolDefinition{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters})
		}
	}
	return filter, offered, nil
}

// resolveTool answers one tool-use block: from the cache, by dispatching
// through the filter, or with an error result when the tool is not
// permitted. Infrastructure failures end the work order.
func (e *Engine) resolveTool(ctx context.Context, wo *workorder.WorkOrder, filter *tooling.Filter, r *run, use llm.ContentBlock) (llm.ContentBlock, *outcome) {
	key, err := tooling.CallKey(use.Name, use.Input)
	if err != nil {
		return llm.ContentBlock{}, fail(gateway.CodeToolFailed, err.Error())
	}

	decision := ledger.DecisionDispatched
	var result tooling.Result
	cached, hit := r.cache.Get(key)
	switch {
	case hit:
		decision, result = ledger.DecisionCached, cached
	case !filter.Allowed(use.Name):
		decision = ledger.DecisionBlocked
		result = tooling.Result{Output: fmt.Sprintf("tool %q is not permitted for this work order", use.Name), IsError: true}
	default:
		toolCtx, cancel := context.WithDeadline(ctx, r.deadline)
		result, err = filter.Execute(toolCtx, use.Name, use.Input)
		cancel()
		switch {
		case errors.Is(err, tooling.ErrInvalidArguments):
			decision = ledger.DecisionBlocked
			result = tooling.Result{Output: err.Error(), IsError: true}
		case err != nil:
			_ = e.recordTool(ctx, wo, r, use, key, ledger.DecisionError, err.Error())
			return llm.ContentBlock{}, fail(gateway.CodeToolFailed, fmt.Sprintf("%s: %v", use.Name, err))
		default:
			r.cost.ToolCalls++
			r.cache.Put(key, result)
		}
	}

	reason := ""
	if decision == ledger.DecisionBlocked {
		reason = result.Output
	}
	if err := e.recordTool(ctx, wo, r, use, key, decision, reason); err != nil {
		return llm.ContentBlock{}, fail(gateway.CodeLedgerWriteFailed, err.Error())
	}
	return llm.ToolResultBlock(use.ID, use.Name, result.Output, result.IsError), nil
}

func (e *Engine) recordTool(ctx context.Context, wo *workorder.WorkOrder, r *run, use llm.ContentBlock, key string, decision ledger.Decision, reason string) error {
	entry := workorder.LedgerEntry(wo, ledger.EventToolCall, decision, e.agentID, r.parent, map[string]any{
		ledger.MetaToolName:    use.Name,
		ledger.MetaContentHash: key,
	})
	entry.Reason = reason
	if _, err := e.ledger.Write(ctx, ledger.TierExecution, entry); err != nil {
		return fmt.Errorf("record tool call %s: %w", use.Name, err)
	}
	if decision == ledger.DecisionBlocked {
		e.logger.WarnContext(ctx, "tool call dropped", "work_order_id", wo.ID, "tool", use.Name, "reason", reason)
	}
	return nil
}

// runDirect executes an execute-type work order: one tool call named by
// the input context's "tool" and "arguments", no model involved.
func (e *Engine) runDirect(ctx context.Context, wo *workorder.WorkOrder, r *run) *outcome {
	name, _ := wo.Input.Data["tool"].(string)
	if name == "" {
		return fail(gateway.CodeInvalidInput, "execute work order needs a tool in its input context")
	}
	args, _ := wo.Input.Data["arguments"].(map[string]any)
	filter := tooling.NewFilter(e.tools, e.schemas)
	for _, t := range wo.Constraints.ToolsAllowed {
		if err := filter.Allow(t, nil); err != nil {
			return fail(gateway.CodeInvalidInput, err.Error())
		}
	}
	use := llm.ContentBlock{Type: llm.BlockToolUse, ID: wo.ID, Name: name, Input: args}
	block, failure := e.resolveTool(ctx, wo, filter, r, use)
	if failure != nil {
		return failure
	}
	if block.IsError {
		return fail(gateway.CodeToolFailed, block.Output)
	}
	return succeed(map[string]any{"tool": name, "output": block.Output})
}

// structured returns the intercepted structured-output payload.
func structured(c *prompt.Contract, res gateway.Result) (map[string]any, bool) {
	if res.Structured != nil {
		return res.Structured, true
	}
	for _, b := range res.Blocks {
		if b.Type == llm.BlockToolUse && b.Name == c.OutputToolName() {
			if b.Input == nil {
				return map[string]any{}, true
			}
			return b.Input, true
		}
	}
	return nil, false
}

// parseContent turns text content into output: a JSON object as-is,
// anything else under "text".
func parseContent(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{"text": content}
}
