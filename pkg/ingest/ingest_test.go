package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store) {
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
	return New(st), st
}

func TestResolveConversationID(t *testing.T) {
	assert.Equal(t, lcm.ConversationID("conv-meta"),
		ResolveConversationID("sess-1", Meta{ConversationID: "conv-meta"}))
	assert.Equal(t, lcm.ConversationID("sess-1"),
		ResolveConversationID("sess-1", Meta{}))
}

func TestIngest_StringContent(t *testing.T) {
	ctx := context.Background()
	ing, st := newTestIngestor(t)

	result, err := ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "user", Content: "hello there"},
		{Role: "assistant", Content: "hi"},
	}, 1000)
	require.NoError(t, err)

	require.Len(t, result.Messages, 2)
	assert.Equal(t, lcm.ConversationID("sess-1"), result.ConversationID)
	assert.Equal(t, 0, result.Messages[0].Ordinal)
	assert.Equal(t, 1, result.Messages[1].Ordinal)
	assert.Equal(t, "hello there", result.Messages[0].ContentText)
	assert.Equal(t, lcm.RoleUser, result.Messages[0].Role)

	// Each message gets a seed context item pointing at it.
	require.Len(t, result.Items, 2)
	require.NotNil(t, result.Items[0].SourceMessageID)
	assert.Equal(t, result.Messages[0].MessageID, *result.Items[0].SourceMessageID)
	assert.Equal(t, lcm.ItemMessage, result.Items[0].ItemType)
	assert.Equal(t, 0, result.Items[0].Depth)

	// A second batch continues the dense ordinals.
	result2, err := ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "user", Content: "next"},
	}, 2000)
	require.NoError(t, err)
	assert.Equal(t, 2, result2.Messages[0].Ordinal)

	count, err := st.CountMessages(ctx, st.Q(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIngest_ArrayContentSplitsParts(t *testing.T) {
	ctx := context.Background()
	ing, st := newTestIngestor(t)

	content := []any{
		map[string]any{"type": "text", "text": "first chunk"},
		map[string]any{"type": "tool_use", "text": ""},
		map[string]any{"type": "text", "text": "second chunk"},
		map[string]any{"type": "image", "mimeType": "image/png", "blobPath": "/blobs/a.png"},
	}

	result, err := ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "assistant", Content: content},
	}, 1000)
	require.NoError(t, err)

	msg := result.Messages[0]
	assert.Equal(t, "first chunk\nsecond chunk", msg.ContentText)

	var parts []lcm.MessagePart
	err = st.Q().SelectContext(ctx, &parts,
		"SELECT * FROM message_parts WHERE message_id = ? ORDER BY part_index", msg.MessageID)
	require.NoError(t, err)
	require.Len(t, parts, 4)
	assert.Equal(t, lcm.PartText, parts[0].Kind)
	assert.Equal(t, lcm.PartToolCall, parts[1].Kind)
	assert.Equal(t, lcm.PartImage, parts[3].Kind)
	assert.Equal(t, "/blobs/a.png", parts[3].BlobPath)

	// Blob-bearing parts produce artifact rows.
	artifacts, err := st.ListArtifacts(ctx, st.Q(), "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "/blobs/a.png", artifacts[0].Path)
}

func TestIngest_JSONFallbackContentText(t *testing.T) {
	ctx := context.Background()
	ing, _ := newTestIngestor(t)

	result, err := ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "tool", Content: []any{map[string]any{"type": "tool_result", "status": "ok"}}},
	}, 1000)
	require.NoError(t, err)

	assert.Contains(t, result.Messages[0].ContentText, "tool_result")
	assert.Equal(t, lcm.RoleTool, result.Messages[0].Role)
}

func TestIngest_RoleNormalization(t *testing.T) {
	ctx := context.Background()
	ing, _ := newTestIngestor(t)

	result, err := ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "Tool_Result", Content: "out"},
	}, 1000)
	require.NoError(t, err)
	assert.Equal(t, lcm.RoleTool, result.Messages[0].Role)

	_, err = ing.Ingest(ctx, "sess-1", Meta{}, []IncomingMessage{
		{Role: "narrator", Content: "??"},
	}, 2000)
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestIngest_EmptySessionRejected(t *testing.T) {
	ing, _ := newTestIngestor(t)
	_, err := ing.Ingest(context.Background(), "", Meta{}, nil, 1000)
	var verr *lcm.ValidationError
	assert.ErrorAs(t, err, &verr)
}
