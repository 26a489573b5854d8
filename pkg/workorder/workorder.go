package workorder

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	ID    string
	From  State
	To    State
	Actor Actor
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workorder %s: invalid transition %s -> %s by %s", e.ID, e.From, e.To, e.Actor)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// edges maps from -> to -> the only actor allowed to take that edge.
var edges = map[State]map[State]Actor{
	StatePlanned: {
		StateDispatched: ActorSupervisory,
		StateFailed:     ActorSupervisory,
	},
	StateDispatched: {
		StateExecuting: ActorExecution,
	},
	StateExecuting: {
		StateCompleted: ActorExecution,
		StateFailed:    ActorExecution,
	},
}

// CanTransition reports whether actor may move a work order from -> to.
func CanTransition(from, to State, actor Actor) bool {
	owner, ok := edges[from][to]
	return ok && owner == actor
}

// Transition moves wo to state `to` on behalf of actor.
// Terminal work orders reject every transition.
func Transition(wo *WorkOrder, to State, actor Actor) error {
	if !CanTransition(wo.State, to, actor) {
		return &TransitionError{ID: wo.ID, From: wo.State, To: to, Actor: actor}
	}
	wo.State = to
	return nil
}

// Complete moves an executing work order to completed with its output.
func Complete(wo *WorkOrder, output map[string]any, cost Cost, at time.Time) error {
	if err := Transition(wo, StateCompleted, ActorExecution); err != nil {
		return err
	}
	at = at.UTC()
	wo.Output = output
	wo.Cost = cost
	wo.CompletedAt = &at
	return nil
}

// Fail moves a work order to failed. Supervisory failures happen at
// planning time (planned -> failed); execution failures while executing.
func Fail(wo *WorkOrder, actor Actor, code, message string, at time.Time) error {
	if err := Transition(wo, StateFailed, actor); err != nil {
		return err
	}
	at = at.UTC()
	wo.Error = &Error{Code: code, Message: message}
	wo.CompletedAt = &at
	return nil
}

// IDGenerator hands out session-scoped sequential ids of the form
// WO-<session>-<seq>. Safe for concurrent use.
type IDGenerator struct {
	mu   sync.Mutex
	next map[string]int
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{next: make(map[string]int)}
}

// Next returns the next id for sessionID.
func (g *IDGenerator) Next(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next[sessionID]++
	return FormatID(sessionID, g.next[sessionID])
}

// Observe advances the session counter past an existing id, so a generator
// rebuilt from the ledger never reissues one.
func (g *IDGenerator) Observe(id string) {
	session, seq, ok := ParseID(id)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq > g.next[session] {
		g.next[session] = seq
	}
}

func FormatID(sessionID string, seq int) string {
	return fmt.Sprintf("WO-%s-%04d", sessionID, seq)
}

// ParseID splits an id produced by FormatID.
func ParseID(id string) (sessionID string, seq int, ok bool) {
	if !strings.HasPrefix(id, "WO-") {
		return "", 0, false
	}
	rest := id[len("WO-"):]
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(rest[i+1:])
	if err != nil || seq <= 0 {
		return "", 0, false
	}
	return rest[:i], seq, true
}

// Factory creates work orders for the supervisory tier.
type Factory struct {
	ids   *IDGenerator
	clock func() time.Time
}

// NewFactory creates a factory. A nil generator gets a fresh one.
func NewFactory(ids *IDGenerator) *Factory {
	if ids == nil {
		ids = NewIDGenerator()
	}
	return &Factory{ids: ids, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (f *Factory) WithClock(clock func() time.Time) *Factory {
	f.clock = clock
	return f
}

// IDs exposes the underlying generator.
func (f *Factory) IDs() *IDGenerator { return f.ids }

// Create builds a planned work order targeting the execution tier.
// The context hash is computed from the context data when not supplied.
func (f *Factory) Create(typ Type, sessionID, creator string, input InputContext, constraints Constraints, criteria AcceptanceCriteria) (*WorkOrder, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if input.Hash == "" {
		data := input.Data
		if data == nil {
			data = map[string]any{}
		}
		h, err := canonicalize.CanonicalHash(data)
		if err != nil {
			return nil, fmt.Errorf("workorder: hash input context: %w", err)
		}
		input.Hash = h
	}
	constraints.ToolsAllowed = append([]string(nil), constraints.ToolsAllowed...)

	return &WorkOrder{
		ID:                 f.ids.Next(sessionID),
		SessionID:          sessionID,
		Type:               typ,
		TierTarget:         ActorExecution,
		State:              StatePlanned,
		CreatedAt:          f.clock().UTC(),
		CreatedBy:          creator,
		Input:              input,
		Constraints:        constraints,
		AcceptanceCriteria: criteria,
	}, nil
}

// Retry builds a fresh work order from a failed one. The failed work order
// is not modified; the new one points back at it through ParentID and keeps
// the same allowed tools.
func (f *Factory) Retry(failed *WorkOrder, creator string) (*WorkOrder, error) {
	if failed.State != StateFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, failed.ID, failed.State)
	}
	wo, err := f.Create(failed.Type, failed.SessionID, creator, failed.Input, failed.Constraints, failed.AcceptanceCriteria)
	if err != nil {
		return nil, err
	}
	wo.ParentID = failed.ID
	return wo, nil
}
