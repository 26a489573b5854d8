// Package supervisor is the supervisory tier. It plans the work order chain
// for each conversational turn, dispatches the chain one work order at a
// time, checks every result against its acceptance criteria and closes the
// turn with a chain summary anchored to the exchange records.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

// DefaultAgentID identifies the supervisory tier in ledger entries.
const DefaultAgentID = "supervisor"

var ErrInvalidTurn = errors.New("supervisor: invalid turn")

// Executor runs a dispatched work order to a terminal state.
type Executor interface {
	Execute(ctx context.Context, wo *workorder.WorkOrder, parentEventID string) (ledger.Entry, error)
}

// Budget is the part of the budgeter the supervisor plans with.
type Budget interface {
	Session(sessionID string) (budget.Balance, bool)
	AllocateSession(ctx context.Context, sessionID string, tokens int64) error
	Allocate(ctx context.Context, scope budget.Scope, tokens int64) (ledger.Entry, error)
}

// Config shapes the per-turn chain.
type Config struct {
	ClassifyContract   string                       `yaml:"classify_contract"`
	SynthesizeContract string                       `yaml:"synthesize_contract"`
	ClassifyTokens     int                          `yaml:"classify_tokens"`
	SynthesizeTokens   int                          `yaml:"synthesize_tokens"`
	SessionTokens      int64                        `yaml:"session_tokens"`
	ToolTurnLimit      int                          `yaml:"tool_turn_limit"`
	TimeoutSeconds     int                          `yaml:"timeout_seconds"`
	ClassifyCriteria   workorder.AcceptanceCriteria `yaml:"classify_criteria"`
	SynthesizeCriteria workorder.AcceptanceCriteria `yaml:"synthesize_criteria"`
	Fallback           string                       `yaml:"fallback_message"`
}

// DefaultConfig returns the standard classify -> synthesize chain settings.
func DefaultConfig() Config {
	return Config{
		ClassifyContract:   "classify_intent",
		SynthesizeContract: "synthesize",
		ClassifyTokens:     500,
		SynthesizeTokens:   4000,
		SessionTokens:      100_000,
		ToolTurnLimit:      5,
		ClassifyCriteria:   workorder.AcceptanceCriteria{RequiredFields: []string{"speech_act"}},
		Fallback:           "I couldn't complete that request. Please try again.",
	}
}

// Turn is one conversational turn handed to the supervisor. Context is the
// assembled context; the supervisor records only its hash.
type Turn struct {
	SessionID    string
	Context      workorder.InputContext
	ToolsAllowed []string
}

// ChainResult is the outcome of one chain.
type ChainResult struct {
	ChainID    string
	SummaryID  string
	WorkOrders []*workorder.WorkOrder
	Verdicts   []Verdict
	Accepted   bool
	Output     map[string]any
	Cost       workorder.Cost
	TraceHash  string
	Fallback   string
}

// Rejected returns the work order whose verdict ended the chain, if any.
func (r *ChainResult) Rejected() *workorder.WorkOrder {
	for i, v := range r.Verdicts {
		if !v.Accepted {
			return r.WorkOrders[i]
		}
	}
	return nil
}

// Supervisor plans, dispatches and verifies work order chains. Turns in the
// same session run one at a time; different sessions run concurrently.
type Supervisor struct {
	ledger  *ledger.Ledger
	budget  Budget
	exec    Executor
	factory *workorder.Factory
	gate    *Gate
	cfg     Config
	agentID string
	clock   func() time.Time
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Supervisor)

func WithConfig(cfg Config) Option { return func(s *Supervisor) { s.cfg = cfg } }

func WithGate(g *Gate) Option { return func(s *Supervisor) { s.gate = g } }

func WithAgentID(id string) Option { return func(s *Supervisor) { s.agentID = id } }

func WithClock(clock func() time.Time) Option { return func(s *Supervisor) { s.clock = clock } }

func New(l *ledger.Ledger, b Budget, exec Executor, factory *workorder.Factory, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		ledger:  l,
		budget:  b,
		exec:    exec,
		factory: factory,
		cfg:     DefaultConfig(),
		agentID: DefaultAgentID,
		clock:   time.Now,
		logger:  slog.Default().With("component", "supervisor"),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		g, err := NewGate(nil)
		if err != nil {
			return nil, err
		}
		s.gate = g
	}
	return s, nil
}

// lock serializes turns within a session.
func (s *Supervisor) lock(sessionID string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// step is one planned work order of a chain.
type step struct {
	typ         workorder.Type
	constraints workorder.Constraints
	criteria    workorder.AcceptanceCriteria
}

// plan builds the chain for a turn: classify, then synthesize. Only
// synthesize carries tools; it gets the higher turn limit when it does.
func (s *Supervisor) plan(turn Turn) []step {
	synthTurns := 1
	if len(turn.ToolsAllowed) > 0 {
		synthTurns = s.cfg.ToolTurnLimit
	}
	return []step{
		{
			typ: workorder.TypeClassify,
			constraints: workorder.Constraints{
				ContractRef:    s.cfg.ClassifyContract,
				TokenBudget:    s.cfg.ClassifyTokens,
				TurnLimit:      1,
				TimeoutSeconds: s.cfg.TimeoutSeconds,
			},
			criteria: s.cfg.ClassifyCriteria,
		},
		{
			typ: workorder.TypeSynthesize,
			constraints: workorder.Constraints{
				ContractRef:    s.cfg.SynthesizeContract,
				TokenBudget:    s.cfg.SynthesizeTokens,
				TurnLimit:      synthTurns,
				TimeoutSeconds: s.cfg.TimeoutSeconds,
				ToolsAllowed:   turn.ToolsAllowed,
			},
			criteria: s.cfg.SynthesizeCriteria,
		},
	}
}

// chain accumulates the ledger anchors of a running chain.
type chain struct {
	id   string
	root string
	last string
}

// RunTurn plans and runs the chain for one turn. A rejected work order ends
// the chain; nothing is retried automatically. The returned error is set
// only when the ledger could not record the chain.
func (s *Supervisor) RunTurn(ctx context.Context, turn Turn) (*ChainResult, error) {
	if turn.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidTurn)
	}
	unlock := s.lock(turn.SessionID)
	defer unlock()

	if err := s.ensureSession(ctx, turn.SessionID); err != nil {
		return nil, err
	}

	c := &chain{id: "chain-" + uuid.NewString()}
	res := &ChainResult{ChainID: c.id}
	input := turn.Context
	s.logger.InfoContext(ctx, "chain started", "session_id", turn.SessionID, "chain_id", c.id, "tools", len(turn.ToolsAllowed))

	for i, st := range s.plan(turn) {
		if i > 0 {
			input = withPrior(turn.Context, res.Output)
		}
		wo, err := s.factory.Create(st.typ, turn.SessionID, s.agentID, input, st.constraints, st.criteria)
		if err != nil {
			return nil, fmt.Errorf("supervisor: create %s: %w", st.typ, err)
		}
		verdict, err := s.run(ctx, c, wo)
		if err != nil {
			return nil, err
		}
		res.WorkOrders = append(res.WorkOrders, wo)
		res.Verdicts = append(res.Verdicts, verdict)
		res.Cost = res.Cost.Add(wo.Cost)
		if !verdict.Accepted {
			break
		}
		res.Output = wo.Output
	}

	res.Accepted = res.Rejected() == nil
	if !res.Accepted {
		res.Output = nil
	}
	if err := s.summarize(ctx, c, turn.SessionID, res); err != nil {
		return nil, err
	}
	if !res.Accepted {
		s.degrade(ctx, c, turn.SessionID, res)
	}
	return res, nil
}

// Retry creates a new work order from a failed one, with the same allowed
// tools and a link back through parent_wo_id, and runs it as its own chain.
func (s *Supervisor) Retry(ctx context.Context, failed *workorder.WorkOrder) (*ChainResult, error) {
	wo, err := s.factory.Retry(failed, s.agentID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(wo.SessionID)
	defer unlock()

	if err := s.ensureSession(ctx, wo.SessionID); err != nil {
		return nil, err
	}
	c := &chain{id: "chain-" + uuid.NewString()}
	res := &ChainResult{ChainID: c.id}
	s.logger.InfoContext(ctx, "retrying work order", "failed_wo_id", failed.ID, "work_order_id", wo.ID, "chain_id", c.id)

	verdict, err := s.run(ctx, c, wo)
	if err != nil {
		return nil, err
	}
	res.WorkOrders = []*workorder.WorkOrder{wo}
	res.Verdicts = []Verdict{verdict}
	res.Cost = wo.Cost
	res.Accepted = verdict.Accepted
	if verdict.Accepted {
		res.Output = wo.Output
	}
	if err := s.summarize(ctx, c, wo.SessionID, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Supervisor) ensureSession(ctx context.Context, sessionID string) error {
	if _, ok := s.budget.Session(sessionID); ok {
		return nil
	}
	err := s.budget.AllocateSession(ctx, sessionID, s.cfg.SessionTokens)
	if err != nil && !errors.Is(err, budget.ErrAlreadyAllocated) {
		return fmt.Errorf("supervisor: allocate session %s: %w", sessionID, err)
	}
	return nil
}

// run takes one planned work order through planning record, validation,
// allocation, dispatch, execution and the quality gate.
func (s *Supervisor) run(ctx context.Context, c *chain, wo *workorder.WorkOrder) (Verdict, error) {
	created := workorder.CreatedEntry(wo, s.agentID, c.last)
	created.Metadata[ledger.MetaChainID] = c.id
	entry, err := s.ledger.Write(ctx, ledger.TierSupervisory, created)
	if err != nil {
		return Verdict{}, fmt.Errorf("supervisor: record %s: %w", wo.ID, err)
	}
	if c.root == "" {
		c.root = entry.ID
	}
	c.last = entry.ID

	if err := workorder.Validate(wo); err != nil {
		return s.failPlanning(ctx, c, wo, string(gateway.CodeInvalidInput), err.Error())
	}
	if err := s.gate.Compile(wo.AcceptanceCriteria); err != nil {
		return s.failPlanning(ctx, c, wo, string(gateway.CodeInvalidInput), err.Error())
	}
	if _, err := s.budget.Allocate(ctx, budget.Scope{
		SessionID:   wo.SessionID,
		WorkOrderID: wo.ID,
		AgentID:     s.agentID,
	}, int64(wo.Constraints.TokenBudget)); err != nil {
		return s.failPlanning(ctx, c, wo, string(gateway.CodeBudgetExhausted), err.Error())
	}

	if err := workorder.Transition(wo, workorder.StateDispatched, workorder.ActorSupervisory); err != nil {
		return Verdict{}, err
	}
	dispatched, err := s.ledger.Write(ctx, ledger.TierSupervisory, workorder.LedgerEntry(wo,
		ledger.EventWorkOrderDispatched, ledger.DecisionRecorded, s.agentID, c.last,
		map[string]any{
			ledger.MetaChainID:   c.id,
			ledger.MetaFromState: string(workorder.StatePlanned),
		}))
	if err != nil {
		return Verdict{}, fmt.Errorf("supervisor: record dispatch of %s: %w", wo.ID, err)
	}
	c.last = dispatched.ID

	terminal, err := s.exec.Execute(ctx, wo, dispatched.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("supervisor: execute %s: %w", wo.ID, err)
	}
	return s.judge(ctx, c, wo, terminal.ID)
}

// failPlanning fails a work order before dispatch and runs it through the
// gate so the rejection is recorded like any other.
func (s *Supervisor) failPlanning(ctx context.Context, c *chain, wo *workorder.WorkOrder, code, msg string) (Verdict, error) {
	if err := workorder.Fail(wo, workorder.ActorSupervisory, code, msg, s.clock()); err != nil {
		return Verdict{}, err
	}
	failed := workorder.TerminalEntry(wo, s.agentID, c.last)
	failed.Metadata[ledger.MetaChainID] = c.id
	entry, err := s.ledger.Write(ctx, ledger.TierSupervisory, failed)
	if err != nil {
		return Verdict{}, fmt.Errorf("supervisor: record planning failure of %s: %w", wo.ID, err)
	}
	s.logger.WarnContext(ctx, "work order failed at planning", "work_order_id", wo.ID, "code", code, "message", msg)
	return s.judge(ctx, c, wo, entry.ID)
}

func (s *Supervisor) judge(ctx context.Context, c *chain, wo *workorder.WorkOrder, parentEventID string) (Verdict, error) {
	v := s.gate.Check(wo)
	decision := ledger.DecisionAccept
	if !v.Accepted {
		decision = ledger.DecisionReject
	}
	e := workorder.LedgerEntry(wo, ledger.EventQualityGate, decision, s.agentID, parentEventID, map[string]any{
		ledger.MetaChainID: c.id,
	})
	if !v.Accepted {
		e.Reason = strings.Join(v.Reasons, "; ")
		e.Metadata[ledger.MetaErrorCode] = v.Code
	}
	entry, err := s.ledger.Write(ctx, ledger.TierSupervisory, e)
	if err != nil {
		return Verdict{}, fmt.Errorf("supervisor: record verdict for %s: %w", wo.ID, err)
	}
	c.last = entry.ID
	s.logger.InfoContext(ctx, "quality gate", "work_order_id", wo.ID, "accepted", v.Accepted, "code", v.Code)
	return v, nil
}

// degrade attaches the fallback message to a rejected chain. Recording it
// is best-effort: the fallback is returned even if the write fails.
func (s *Supervisor) degrade(ctx context.Context, c *chain, sessionID string, res *ChainResult) {
	if s.cfg.Fallback == "" {
		return
	}
	res.Fallback = s.cfg.Fallback
	code := ""
	if i := len(res.Verdicts) - 1; i >= 0 {
		code = res.Verdicts[i].Code
	}
	_, err := s.ledger.Write(ctx, ledger.TierSupervisory, ledger.Entry{
		EventType:    ledger.EventDegradation,
		SubmissionID: c.id,
		Decision:     ledger.DecisionRecorded,
		Reason:       "chain rejected, fallback returned",
		Metadata: map[string]any{
			ledger.MetaSessionID:     sessionID,
			ledger.MetaAgentID:       s.agentID,
			ledger.MetaChainID:       c.id,
			ledger.MetaParentEventID: c.last,
			ledger.MetaErrorCode:     code,
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "degradation record failed", "chain_id", c.id, "error", err)
	}
}

// withPrior hands the previous work order's output to the next one.
func withPrior(base workorder.InputContext, prior map[string]any) workorder.InputContext {
	data := make(map[string]any, len(base.Data)+1)
	for k, v := range base.Data {
		data[k] = v
	}
	data["classification"] = prior
	return workorder.InputContext{Data: data}
}
