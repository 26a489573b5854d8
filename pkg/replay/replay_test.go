package replay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/executor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/llm/llmtest"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/prompt"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/replay"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/supervisor"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/tooling"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

type live struct {
	ledger   *ledger.Ledger
	budget   *budget.Budgeter
	provider *llmtest.Provider
	sup      *supervisor.Supervisor
	factory  *workorder.Factory
}

func newLive(t *testing.T) *live {
	t.Helper()
	l := ledger.NewMemory()
	b := budget.New(l)
	store, err := prompt.NewMemoryStore(
		&prompt.Contract{Name: "classify_intent", Version: "1.0.0", ModelID: "m", Template: "Classify: {{.message}}", MaxTokens: 500},
		&prompt.Contract{Name: "synthesize", Version: "1.0.0", ModelID: "m", Template: "Reply: {{.message}}", MaxTokens: 4096},
	)
	require.NoError(t, err)
	p := llmtest.New()
	gw := gateway.New(l, b, store, p)
	engine := executor.New(l, gw, store, tooling.NewRegistry(), executor.WithBalances(b))
	factory := workorder.NewFactory(workorder.NewIDGenerator())
	sup, err := supervisor.New(l, b, engine, factory)
	require.NoError(t, err)
	return &live{ledger: l, budget: b, provider: p, sup: sup, factory: factory}
}

func (lv *live) turn(t *testing.T, session string) *supervisor.ChainResult {
	t.Helper()
	res, err := lv.sup.RunTurn(context.Background(), supervisor.Turn{
		SessionID: session,
		Context:   workorder.InputContext{Data: map[string]any{"message": "hi"}},
	})
	require.NoError(t, err)
	return res
}

func TestReplay_MatchesLiveRun(t *testing.T) {
	lv := newLive(t)
	lv.provider.Push(
		llmtest.Text(`{"speech_act":"greeting"}`, 30, 10),
		llmtest.Text("Hello", 40, 12),
		llmtest.Text(`{"speech_act":"question"}`, 31, 9),
		llmtest.Fail(errors.New("boom")),
	)
	first := lv.turn(t, "s1")
	second := lv.turn(t, "s1")
	require.True(t, first.Accepted)
	require.False(t, second.Accepted)

	st, err := replay.Replay(context.Background(), lv.ledger, "s1")
	require.NoError(t, err)

	assert.Equal(t, lv.budget.Snapshot("s1"), st.Budget)
	assert.Empty(t, st.Active)
	assert.Empty(t, st.Orphans)
	require.Len(t, st.WorkOrders, 4)
	for _, res := range []*supervisor.ChainResult{first, second} {
		for _, wo := range res.WorkOrders {
			got := st.WorkOrders[wo.ID]
			require.NotNil(t, got, wo.ID)
			assert.Equal(t, wo.State, got.State)
			assert.Equal(t, wo.Type, got.Type)
		}
	}
	failed := second.Rejected()
	assert.Equal(t, "PROVIDER_ERROR", st.WorkOrders[failed.ID].ErrorCode)
	assert.Equal(t, ledger.DecisionReject, st.WorkOrders[failed.ID].Verdict)

	require.Len(t, st.Chains, 2)
	assert.Equal(t, first.TraceHash, st.Chains[0].TraceHash)
	assert.Equal(t, ledger.DecisionAccept, st.Chains[0].Decision)
	assert.Equal(t, ledger.DecisionReject, st.Chains[1].Decision)
	assert.Equal(t, 2, st.Counts[string(ledger.EventChainComplete)])
}

func TestReplay_Idempotent(t *testing.T) {
	lv := newLive(t)
	lv.provider.Push(
		llmtest.Text(`{"speech_act":"greeting"}`, 30, 10),
		llmtest.Text("Hello", 40, 12),
	)
	lv.turn(t, "s1")

	a, err := replay.Replay(context.Background(), lv.ledger, "s1")
	require.NoError(t, err)
	b, err := replay.Replay(context.Background(), lv.ledger, "s1")
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	rebuilt := budget.New(ledger.NewMemory())
	var entries []ledger.Entry
	for _, tier := range ledger.Tiers {
		es, err := lv.ledger.Entries(context.Background(), tier, ledger.Filter{})
		require.NoError(t, err)
		entries = append(entries, es...)
	}
	require.NoError(t, rebuilt.Rebuild(entries))
	assert.Equal(t, lv.budget.Snapshot("s1"), rebuilt.Snapshot("s1"))
}

func TestReplay_SessionsAreIsolated(t *testing.T) {
	lv := newLive(t)
	lv.provider.Push(
		llmtest.Text(`{"speech_act":"greeting"}`, 30, 10),
		llmtest.Text("Hello", 40, 12),
		llmtest.Text(`{"speech_act":"greeting"}`, 5, 5),
		llmtest.Text("Hey", 5, 5),
	)
	lv.turn(t, "s1")
	lv.turn(t, "s2")

	st, err := replay.Replay(context.Background(), lv.ledger, "s2")
	require.NoError(t, err)
	assert.Len(t, st.WorkOrders, 2)
	assert.Len(t, st.Budget.Sessions, 1)
	assert.Equal(t, int64(20), st.Budget.Sessions["s2"].Debited)
}

func TestReplay_ActiveAndOrphaned(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	f := workorder.NewFactory(workorder.NewIDGenerator())

	wo, err := f.Create(workorder.TypeClassify, "s1", "supervisor", workorder.InputContext{},
		workorder.Constraints{ContractRef: "c", TokenBudget: 10, TurnLimit: 1}, workorder.AcceptanceCriteria{})
	require.NoError(t, err)
	_, err = l.Write(ctx, ledger.TierSupervisory, workorder.CreatedEntry(wo, "supervisor", ""))
	require.NoError(t, err)
	require.NoError(t, workorder.Transition(wo, workorder.StateDispatched, workorder.ActorSupervisory))
	_, err = l.Write(ctx, ledger.TierSupervisory, workorder.LedgerEntry(wo, ledger.EventWorkOrderDispatched, ledger.DecisionRecorded, "supervisor", "", nil))
	require.NoError(t, err)

	marker, err := l.Write(ctx, ledger.TierExchange, ledger.Entry{
		EventType:    ledger.EventDispatchMarker,
		SubmissionID: wo.ID,
		Decision:     ledger.DecisionDispatched,
		Metadata:     map[string]any{ledger.MetaSessionID: "s1", ledger.MetaWorkOrderID: wo.ID},
	})
	require.NoError(t, err)

	st, err := replay.Replay(ctx, l, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{wo.ID}, st.Active)
	assert.Equal(t, workorder.StateDispatched, st.WorkOrders[wo.ID].State)
	assert.Equal(t, []string{marker.ID}, st.Orphans)
}

func TestReplay_RejectsReopenedTerminalState(t *testing.T) {
	entry := func(state workorder.State, event ledger.EventType) ledger.Entry {
		return ledger.Entry{
			ID: string(state), EventType: event, SubmissionID: "WO-s1-0001",
			Metadata: map[string]any{ledger.MetaSessionID: "s1", ledger.MetaState: string(state)},
		}
	}
	_, err := replay.Fold("s1", map[ledger.Tier][]ledger.Entry{
		ledger.TierExecution: {
			entry(workorder.StateCompleted, ledger.EventWorkOrderCompleted),
			entry(workorder.StateFailed, ledger.EventWorkOrderFailed),
		},
	})
	assert.Error(t, err)
}

func TestFromBundles_MatchesReplay(t *testing.T) {
	lv := newLive(t)
	lv.provider.Push(
		llmtest.Text(`{"speech_act":"greeting"}`, 30, 10),
		llmtest.Text("Hello", 40, 12),
	)
	lv.turn(t, "s1")
	ctx := context.Background()

	var bundles []*ledger.Bundle
	for _, tier := range ledger.Tiers {
		b, err := ledger.ExportBundle(ctx, lv.ledger.Stream(tier), ledger.Filter{})
		require.NoError(t, err)
		bundles = append(bundles, b)
	}
	fromBundles, err := replay.FromBundles("s1", bundles...)
	require.NoError(t, err)
	direct, err := replay.Replay(ctx, lv.ledger, "s1")
	require.NoError(t, err)

	h1, err := fromBundles.Hash()
	require.NoError(t, err)
	h2, err := direct.Hash()
	require.NoError(t, err)
	assert.Equal(t, h2, h1)

	bundles[0].Entries[0].Reason = "tampered"
	_, err = replay.FromBundles("s1", bundles...)
	assert.ErrorIs(t, err, ledger.ErrBundleInvalid)
}
