package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

type fixture struct {
	engine    *Engine
	store     *store.Store
	registry  *expansionauth.Registry
	nowMs     int64
	leafAlpha lcm.ContextItem
	leafB     lcm.ContextItem
	condensed lcm.ContextItem
	leafBeta  lcm.ContextItem
}

func newFixture(t *testing.T) *fixture {
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

	f := &fixture{store: store.New(database), nowMs: 1000}
	f.registry = expansionauth.NewRegistry(expansionauth.WithClock(func() int64 { return f.nowMs }))
	f.engine = New(f.store, tokens.HeuristicEstimator{}, f.registry, metrics.NewRecorder())

	// conv-alpha: four turns folded into two leaves and one condensed summary.
	msgsA, itemsA := f.seedTurns(t, "conv-alpha", 4)
	f.leafAlpha = f.replace(t, "conv-alpha", lcm.SummaryLeaf, msgsA[:2], itemsA[:2], nil)
	f.leafB = f.replace(t, "conv-alpha", lcm.SummaryLeaf, msgsA[2:], itemsA[2:], nil)
	f.condensed = f.replace(t, "conv-alpha", lcm.SummaryCondensed, nil,
		[]lcm.ContextItem{f.leafAlpha, f.leafB}, []lcm.ItemID{f.leafAlpha.ItemID, f.leafB.ItemID})

	// conv-beta: two turns and one leaf.
	msgsB, itemsB := f.seedTurns(t, "conv-beta", 2)
	f.leafBeta = f.replace(t, "conv-beta", lcm.SummaryLeaf, msgsB, itemsB, nil)

	return f
}

func (f *fixture) seedTurns(t *testing.T, conv lcm.ConversationID, n int) ([]lcm.Message, []lcm.ContextItem) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.EnsureConversation(ctx, f.store.Q(), lcm.Conversation{
		ConversationID: conv,
		SessionID:      string(conv),
		CreatedAtMs:    f.nowMs,
		UpdatedAtMs:    f.nowMs,
	}))

	var msgs []lcm.Message
	var items []lcm.ContextItem
	for i := 0; i < n; i++ {
		f.nowMs++
		msg := lcm.Message{
			MessageID:      lcm.MessageID(lcm.NewDeterministicID("msg", conv, fmt.Sprintf("ord-%d", i), f.nowMs)),
			ConversationID: conv,
			Ordinal:        i,
			Role:           lcm.RoleUser,
			ContentText:    fmt.Sprintf("conversation %s turn %d about deployment workflows", conv, i),
			PayloadJSON:    "{}",
			CreatedAtMs:    f.nowMs,
		}
		require.NoError(t, f.store.CreateMessage(ctx, f.store.Q(), msg))
		item, err := f.store.AppendContextMessage(ctx, f.store.Q(), msg, f.nowMs)
		require.NoError(t, err)
		msgs = append(msgs, msg)
		items = append(items, item)
	}
	return msgs, items
}

func (f *fixture) replace(t *testing.T, conv lcm.ConversationID, kind lcm.SummaryKind, msgs []lcm.Message, items []lcm.ContextItem, parents []lcm.ItemID) lcm.ContextItem {
	t.Helper()
	ctx := context.Background()
	f.nowMs++

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
			Title:          fmt.Sprintf("Compacted %d messages", len(items)),
			Body:           "Key points from older conversation turns about deployment workflows",
			CreatedAtMs:    items[0].CreatedAtMs,
		})
		if txErr != nil {
			return txErr
		}
		if len(messageIDs) > 0 {
			if txErr = f.store.LinkSummaryToMessages(ctx, tx, summary.ItemID, messageIDs, f.nowMs); txErr != nil {
				return txErr
			}
		}
		if len(parents) > 0 {
			if txErr = f.store.LinkSummaryToParents(ctx, tx, summary.ItemID, parents, f.nowMs); txErr != nil {
				return txErr
			}
		}
		return f.store.ReplaceContextRangeWithSummary(ctx, tx, conv, summary.ItemID, items[0].ItemID, items[len(items)-1].ItemID, f.nowMs)
	})
	require.NoError(t, err)
	return summary
}

func TestDescribe_SummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc, err := f.engine.Describe(ctx, string(f.condensed.ItemID), Auth{})
	require.NoError(t, err)
	require.NotNil(t, desc)
	require.NotNil(t, desc.Summary)

	s := desc.Summary
	assert.Equal(t, f.condensed.ItemID, s.ID)
	assert.Equal(t, lcm.ConversationID("conv-alpha"), s.ConversationID)
	assert.Equal(t, lcm.ItemSummary, s.ItemType)
	assert.Positive(t, s.TokenEstimate)
	assert.ElementsMatch(t, []lcm.ItemID{f.leafAlpha.ItemID, f.leafB.ItemID}, s.Lineage.ChildIDs)
	require.NotNil(t, s.SourceMessageRange)
	assert.Equal(t, [2]int{0, 3}, *s.SourceMessageRange)

	// Every lineage id resolves in the same conversation.
	for _, id := range append(s.Lineage.ParentIDs, s.Lineage.ChildIDs...) {
		child, err := f.engine.Describe(ctx, string(id), Auth{})
		require.NoError(t, err)
		require.NotNil(t, child)
		assert.Equal(t, s.ConversationID, child.Summary.ConversationID)
	}
}

func TestDescribe_UnknownIDReturnsNil(t *testing.T) {
	f := newFixture(t)

	desc, err := f.engine.Describe(context.Background(), "sum_does_not_exist", Auth{})
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestDescribe_Artifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	artifact := lcm.Artifact{
		ArtifactID:     "art_test1",
		ConversationID: "conv-alpha",
		Path:           "/blobs/report.pdf",
		MimeType:       "application/pdf",
		Bytes:          2048,
		CreatedAtMs:    f.nowMs,
	}
	require.NoError(t, f.store.RecordArtifact(ctx, f.store.Q(), artifact))

	desc, err := f.engine.Describe(ctx, "art_test1", Auth{})
	require.NoError(t, err)
	require.NotNil(t, desc)
	require.NotNil(t, desc.File)
	assert.Equal(t, "/blobs/report.pdf", desc.File.Path)
	assert.Equal(t, "report.pdf", desc.File.FileName)
}

func TestGrep_ScopesAndCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.engine.Grep(ctx, GrepRequest{
		Query: "deployment workflows",
		Mode:  store.SearchRegex,
		Scope: ScopeBoth,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Matches)
	assert.Positive(t, result.ScannedCount)

	summariesOnly, err := f.engine.Grep(ctx, GrepRequest{
		Query: "deployment workflows",
		Mode:  store.SearchRegex,
		Scope: ScopeSummaries,
	})
	require.NoError(t, err)
	for _, m := range summariesOnly.Matches {
		assert.Equal(t, "summary", m.Kind)
	}

	limited, err := f.engine.Grep(ctx, GrepRequest{
		Query: "deployment workflows",
		Mode:  store.SearchRegex,
		Scope: ScopeBoth,
		Limit: 1,
	})
	require.NoError(t, err)
	assert.Len(t, limited.Matches, 1)
	assert.True(t, limited.Truncated)
}

func TestGrep_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Grep(context.Background(), GrepRequest{})
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSnippet_SingleLineBounded(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "0123456789"
	}
	s := Snippet("line one\nline two " + long)
	assert.NotContains(t, s, "\n")
	assert.LessOrEqual(t, len([]rune(s)), 201)
	assert.True(t, len([]rune(s)) == 201 && s[len(s)-len("…"):] == "…")
}

func TestExpand_TraversesLineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID,
		Depth:     2,
		TokenCap:  10000,
	})
	require.NoError(t, err)

	assert.Equal(t, f.condensed.ItemID, result.RootSummaryID)
	assert.Equal(t, lcm.ConversationID("conv-alpha"), result.ConversationID)

	ids := map[lcm.ItemID]bool{}
	for _, s := range result.Summaries {
		ids[s.ItemID] = true
	}
	assert.True(t, ids[f.condensed.ItemID])
	assert.True(t, ids[f.leafAlpha.ItemID])
	assert.True(t, ids[f.leafB.ItemID])
	assert.False(t, result.Truncated)
	assert.Positive(t, result.EstimatedTokens)
}

func TestExpand_IncludeMessagesYieldsCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.engine.Expand(ctx, ExpandRequest{
		SummaryID:       f.condensed.ItemID,
		Depth:           3,
		TokenCap:        20000,
		IncludeMessages: true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Messages, 4, "terminal leaves yield all four canonical messages")
}

func TestExpand_MonotoneInTokenCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	small, err := f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID, Depth: 3, TokenCap: 30,
	})
	require.NoError(t, err)

	large, err := f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID, Depth: 3, TokenCap: 60,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t,
		len(large.Summaries)+len(large.Messages),
		len(small.Summaries)+len(small.Messages),
		"doubling tokenCap never shrinks the result")
}

func TestExpand_TruncationReportsFrontier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Cap covers the root but not both children.
	rootCost := tokens.HeuristicEstimator{}.Estimate(f.condensed.Title + "\n" + f.condensed.Body)
	result, err := f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID,
		Depth:     3,
		TokenCap:  rootCost + 1,
	})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.NotEmpty(t, result.NextSummaryIDs)
	for _, id := range result.NextSummaryIDs {
		assert.NotEqual(t, f.condensed.ItemID, id)
	}
}

func TestExpand_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Expand(context.Background(), ExpandRequest{SummaryID: "sum_missing"})
	assert.ErrorIs(t, err, lcm.ErrNotFound)
}

func TestExpand_DelegatedOutOfScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registry.IssueGrant(expansionauth.GrantInput{
		DelegatorSessionKey: "main",
		DelegateSessionKey:  "delegate",
		ConversationIDs:     []lcm.ConversationID{"conv-alpha"},
		MaxDepth:            3,
		MaxTokenCap:         5000,
		TTL:                 60 * time.Second,
	})
	require.NoError(t, err)

	// In-scope expansion passes.
	_, err = f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID, Depth: 1, TokenCap: 1000,
		Auth: Auth{SessionKey: "delegate"},
	})
	require.NoError(t, err)

	// conv-beta summary is out of scope for this grant.
	_, err = f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.leafBeta.ItemID, Depth: 1, TokenCap: 1000,
		Auth: Auth{SessionKey: "delegate"},
	})
	ae, ok := lcm.IsAuthorizationError(err)
	require.True(t, ok)
	assert.Equal(t, lcm.AuthConversationOutOfScope, ae.Code)
}

func TestExpand_ExpiredGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registry.IssueGrant(expansionauth.GrantInput{
		DelegatorSessionKey: "main",
		DelegateSessionKey:  "delegate",
		ConversationIDs:     []lcm.ConversationID{"conv-alpha"},
		MaxDepth:            3,
		MaxTokenCap:         5000,
		TTL:                 time.Second,
	})
	require.NoError(t, err)

	f.nowMs += 5000

	_, err = f.engine.Expand(ctx, ExpandRequest{
		SummaryID: f.condensed.ItemID, Depth: 1, TokenCap: 1000,
		Auth: Auth{SessionKey: "delegate"},
	})
	ae, ok := lcm.IsAuthorizationError(err)
	require.True(t, ok)
	assert.Equal(t, lcm.AuthExpired, ae.Code)
}
