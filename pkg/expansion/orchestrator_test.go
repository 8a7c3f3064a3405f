package expansion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// fakeGateway scripts sub-agent behavior for tests.
type fakeGateway struct {
	mu             sync.Mutex
	waitStatus     string
	waitError      string
	replies        []string
	replyIdx       int
	spawned        int
	deletedKeys    []string
	deleteRecorded chan struct{}
}

func newFakeGateway(status string, replies ...string) *fakeGateway {
	return &fakeGateway{waitStatus: status, replies: replies, deleteRecorded: make(chan struct{}, 16)}
}

func (g *fakeGateway) Spawn(_ context.Context, in SpawnInput) (SpawnResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spawned++
	return SpawnResult{RunID: fmt.Sprintf("run-%d", g.spawned)}, nil
}

func (g *fakeGateway) Wait(_ context.Context, _ WaitInput) (WaitResult, error) {
	return WaitResult{Status: g.waitStatus, Error: g.waitError}, nil
}

func (g *fakeGateway) ReadHistory(_ context.Context, _ ReadHistoryInput) (History, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reply := ""
	if g.replyIdx < len(g.replies) {
		reply = g.replies[g.replyIdx]
		g.replyIdx++
	}
	return History{Messages: []HistoryMessage{
		{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: reply}}},
	}}, nil
}

func (g *fakeGateway) DeleteSession(_ context.Context, in DeleteSessionInput) error {
	g.mu.Lock()
	g.deletedKeys = append(g.deletedKeys, in.Key)
	g.mu.Unlock()
	g.deleteRecorded <- struct{}{}
	return nil
}

type orchFixture struct {
	store     *store.Store
	registry  *expansionauth.Registry
	retrieval *retrieval.Engine
	leafA     lcm.ContextItem
	leafB     lcm.ContextItem
	condensed lcm.ContextItem
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "lcm.db")
	database, err := db.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	set := migrations.All()
	if !database.FTSAvailable() {
		set = migrations.AllWithoutFTS()
	}
	require.NoError(t, db.NewMigrationRunner(database.DB).Run(ctx, set))

	st := store.New(database)
	registry := expansionauth.NewRegistry()
	ret := retrieval.New(st, tokens.HeuristicEstimator{}, registry, metrics.NewRecorder())

	f := &orchFixture{store: st, registry: registry, retrieval: ret}

	conv := lcm.ConversationID("conv-alpha")
	require.NoError(t, st.EnsureConversation(ctx, st.Q(), lcm.Conversation{
		ConversationID: conv, SessionID: "sess", CreatedAtMs: 1000, UpdatedAtMs: 1000,
	}))

	var msgs []lcm.Message
	var items []lcm.ContextItem
	for i := 0; i < 4; i++ {
		ts := int64(1001 + i)
		msg := lcm.Message{
			MessageID:      lcm.MessageID(lcm.NewDeterministicID("msg", conv, fmt.Sprintf("ord-%d", i), ts)),
			ConversationID: conv,
			Ordinal:        i,
			Role:           lcm.RoleUser,
			ContentText:    fmt.Sprintf("turn %d about the incident", i),
			PayloadJSON:    "{}",
			CreatedAtMs:    ts,
		}
		require.NoError(t, st.CreateMessage(ctx, st.Q(), msg))
		item, err := st.AppendContextMessage(ctx, st.Q(), msg, ts)
		require.NoError(t, err)
		msgs = append(msgs, msg)
		items = append(items, item)
	}

	f.leafA = f.fold(t, conv, lcm.SummaryLeaf, msgs[:2], items[:2], nil)
	f.leafB = f.fold(t, conv, lcm.SummaryLeaf, msgs[2:], items[2:], nil)
	f.condensed = f.fold(t, conv, lcm.SummaryCondensed, nil,
		[]lcm.ContextItem{f.leafA, f.leafB}, []lcm.ItemID{f.leafA.ItemID, f.leafB.ItemID})

	return f
}

func (f *orchFixture) fold(t *testing.T, conv lcm.ConversationID, kind lcm.SummaryKind, msgs []lcm.Message, items []lcm.ContextItem, parents []lcm.ItemID) lcm.ContextItem {
	t.Helper()
	ctx := context.Background()

	messageIDs := make([]lcm.MessageID, len(msgs))
	for i, m := range msgs {
		messageIDs[i] = m.MessageID
	}

	var summary lcm.ContextItem
	err := f.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		summary, txErr = f.store.InsertSummary(ctx, tx, store.SummaryInput{
			ConversationID: conv,
			Kind:           kind,
			Depth:          1,
			Title:          "incident history",
			Body:           "notes about the incident and its resolution",
			CreatedAtMs:    items[0].CreatedAtMs,
		})
		if txErr != nil {
			return txErr
		}
		if len(messageIDs) > 0 {
			if txErr = f.store.LinkSummaryToMessages(ctx, tx, summary.ItemID, messageIDs, 5000); txErr != nil {
				return txErr
			}
		}
		if len(parents) > 0 {
			if txErr = f.store.LinkSummaryToParents(ctx, tx, summary.ItemID, parents, 5000); txErr != nil {
				return txErr
			}
		}
		return f.store.ReplaceContextRangeWithSummary(ctx, tx, conv, summary.ItemID, items[0].ItemID, items[len(items)-1].ItemID, 5000)
	})
	require.NoError(t, err)
	return summary
}

func TestRun_DirectWhenNoGateway(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	orch := New(f.retrieval, f.registry)

	result, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Question:  "what happened",
		Depth:     4,
		TokenCap:  10000,
		Strategy:  StrategyAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, result.Strategy)
	assert.NotEmpty(t, result.CitedIDs)
	assert.Contains(t, result.CitedIDs, string(f.condensed.ItemID))
	assert.NotEmpty(t, result.Synthesis)
}

func TestRun_DirectForShallowDepth(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	gw := newFakeGateway(WaitOK)
	orch := New(f.retrieval, f.registry, WithGateway(gw))

	result, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Depth:     2,
		TokenCap:  10000,
		Strategy:  StrategyAuto,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, result.Strategy)
	assert.Zero(t, gw.spawned)
}

func TestRun_SubagentPassesAndCleanup(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)

	reply1 := fmt.Sprintf(`{"synthesis": "first pass findings", "citedIds": ["%s"], "nextSummaryIds": ["%s"]}`,
		f.condensed.ItemID, f.leafA.ItemID)
	reply2 := `{"synthesis": "second pass findings", "citedIds": ["sum_x"], "nextSummaryIds": []}`
	gw := newFakeGateway(WaitOK, reply1, reply2)
	orch := New(f.retrieval, f.registry, WithGateway(gw))

	result, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Question:  "root cause of the incident",
		Depth:     6,
		TokenCap:  9000,
		MaxPasses: 3,
		Strategy:  StrategySubagent,
	})
	require.NoError(t, err)

	assert.Equal(t, StrategySubagent, result.Strategy)
	assert.Contains(t, result.Synthesis, "first pass findings")
	assert.Contains(t, result.Synthesis, "second pass findings")
	assert.Contains(t, result.CitedIDs, string(f.condensed.ItemID))
	require.Len(t, result.Passes, 2, "empty frontier ends the loop")

	// The delegated session was deleted and its grant revoked.
	<-gw.deleteRecorded
	require.Len(t, gw.deletedKeys, 1)
	assert.Empty(t, f.registry.ActiveGrants(gw.deletedKeys[0]))
}

func TestRun_SubagentTimeoutDeletesSession(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	gw := newFakeGateway(WaitTimeout)
	orch := New(f.retrieval, f.registry, WithGateway(gw))

	result, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Question:  "root cause",
		Depth:     6,
		TokenCap:  9000,
		Strategy:  StrategySubagent,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	var te *lcm.ExternalTimeoutError
	assert.ErrorAs(t, err, &te)

	require.NotEmpty(t, result.Passes)
	assert.Equal(t, WaitTimeout, result.Passes[len(result.Passes)-1].Status)

	<-gw.deleteRecorded
	assert.Len(t, gw.deletedKeys, 1, "session deleted on the error path too")
}

func TestRun_SubagentErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)
	gw := newFakeGateway(WaitError)
	gw.waitError = "runner exploded"
	orch := New(f.retrieval, f.registry, WithGateway(gw))

	_, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Depth:     6,
		TokenCap:  9000,
		Strategy:  StrategySubagent,
	})

	var ee *lcm.ExternalError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Detail, "runner exploded")
}

func TestRun_FrontierFiltersUnknownIDs(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t)

	reply := fmt.Sprintf(`{"synthesis": "findings", "citedIds": [], "nextSummaryIds": ["%s", "sum_bogus"]}`, f.leafA.ItemID)
	gw := newFakeGateway(WaitOK, reply)
	orch := New(f.retrieval, f.registry, WithGateway(gw))

	result, err := orch.Run(ctx, Request{
		TargetIDs: []lcm.ItemID{f.condensed.ItemID},
		Depth:     6,
		TokenCap:  9000,
		MaxPasses: 1,
		Strategy:  StrategySubagent,
	})
	require.NoError(t, err)

	assert.Equal(t, []lcm.ItemID{f.leafA.ItemID}, result.NextSummaryIDs, "bogus frontier ids dropped")
	assert.True(t, result.Truncated)
}

func TestRun_EmptyTargetsRejected(t *testing.T) {
	f := newOrchFixture(t)
	orch := New(f.retrieval, f.registry)

	_, err := orch.Run(context.Background(), Request{})
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}
