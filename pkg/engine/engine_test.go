package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
	"github.com/openclaw/lcm/pkg/ingest"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

func newTestEngine(t *testing.T, cfg lcm.Config) *ContextEngine {
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

	eng, err := New(cfg, store.New(database), tokens.HeuristicEstimator{}, metrics.NewRecorder())
	require.NoError(t, err)
	return eng
}

func defaultTestConfig() lcm.Config {
	cfg := lcm.DefaultConfig()
	cfg.DatabasePath = "unused"
	cfg.FreshTailCount = 2
	cfg.TargetTokens = 1200
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ContextThreshold = 5

	_, err := New(cfg, nil, tokens.HeuristicEstimator{}, metrics.NewRecorder())
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestIngestAssembleCompactFlow(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, defaultTestConfig())

	var batch []ingest.IncomingMessage
	for i := 0; i < 10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		batch = append(batch, ingest.IncomingMessage{
			Role:    role,
			Content: strings.Repeat(fmt.Sprintf("turn %d about release planning ", i), 20),
		})
	}

	ingested, err := eng.Ingest(ctx, batch, "anthropic", "model-x", "sess-1", ingest.Meta{})
	require.NoError(t, err)
	require.Len(t, ingested.Messages, 10)

	assembly, err := eng.Assemble(ctx, "sess-1", 0, ingest.Meta{})
	require.NoError(t, err)
	assert.NotEmpty(t, assembly.Messages)

	outcome, err := eng.Compact(ctx, CompactOptions{SessionID: "sess-1", Manual: true})
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.True(t, outcome.Compacted)
	assert.NotEmpty(t, outcome.Summary)
	assert.NotEmpty(t, outcome.FirstKeptItemID)
	assert.LessOrEqual(t, outcome.TokensAfter, outcome.TokensBefore)

	// Assembly after compaction surfaces the summary.
	after, err := eng.Assemble(ctx, "sess-1", 0, ingest.Meta{})
	require.NoError(t, err)
	assert.NotEmpty(t, after.Summaries)
}

func TestCompact_AutocompactDisabledSkipsAutomaticRuns(t *testing.T) {
	ctx := context.Background()
	cfg := defaultTestConfig()
	cfg.AutocompactDisabled = true
	eng := newTestEngine(t, cfg)

	_, err := eng.Ingest(ctx, []ingest.IncomingMessage{{Role: "user", Content: "hi"}}, "p", "m", "sess-1", ingest.Meta{})
	require.NoError(t, err)

	outcome, err := eng.Compact(ctx, CompactOptions{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.False(t, outcome.Compacted)
	assert.Equal(t, "autocompact disabled", outcome.Reason)

	// Manual compaction still evaluates.
	outcome, err = eng.Compact(ctx, CompactOptions{SessionID: "sess-1", Manual: true})
	require.NoError(t, err)
	assert.True(t, outcome.OK)
}

func TestEngineDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Enabled = false
	eng := newTestEngine(t, cfg)

	_, err := eng.Ingest(context.Background(), nil, "p", "m", "sess-1", ingest.Meta{})
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}
