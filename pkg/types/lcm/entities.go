package lcm

import "encoding/json"

// Conversation is the top-level grouping for messages and context items.
// Created on first ingest; the core never deletes it.
type Conversation struct {
	ConversationID ConversationID `db:"conversation_id"`
	SessionID      string         `db:"session_id"`
	Channel        string         `db:"channel"`
	CreatedAtMs    int64          `db:"created_at_ms"`
	UpdatedAtMs    int64          `db:"updated_at_ms"`
}

// Message is an append-only canonical message row. Never mutated after
// insert.
type Message struct {
	MessageID      MessageID      `db:"message_id"`
	ConversationID ConversationID `db:"conversation_id"`
	Ordinal        int            `db:"ordinal"`
	Role           Role           `db:"role"`
	AuthorID       string         `db:"author_id"`
	ContentText    string         `db:"content_text"`
	PayloadJSON    string         `db:"payload_json"`
	CreatedAtMs    int64          `db:"created_at_ms"`
}

// Payload decodes the message's payload_json into a generic map. Returns
// an empty map when the payload is empty or malformed.
func (m Message) Payload() map[string]any {
	out := map[string]any{}
	if m.PayloadJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(m.PayloadJSON), &out)
	return out
}

// MessagePart is one structured chunk of a multi-part message.
type MessagePart struct {
	PartID      PartID   `db:"part_id"`
	MessageID   MessageID `db:"message_id"`
	PartIndex   int      `db:"part_index"`
	Kind        PartKind `db:"kind"`
	MimeType    string   `db:"mime_type"`
	TextContent string   `db:"text_content"`
	BlobPath    string   `db:"blob_path"`
	TokenCount  int      `db:"token_count"`
	PayloadJSON string   `db:"payload_json"`
	CreatedAtMs int64    `db:"created_at_ms"`
}

// ContextItem is one node of the active context graph. Message items
// point at their canonical Message; summary items reach messages through
// lineage edges.
type ContextItem struct {
	ItemID          ItemID         `db:"item_id"`
	ConversationID  ConversationID `db:"conversation_id"`
	SourceMessageID *MessageID     `db:"source_message_id"`
	ItemType        ItemType       `db:"item_type"`
	Depth           int            `db:"depth"`
	Title           string         `db:"title"`
	Body            string         `db:"body"`
	MetadataJSON    string         `db:"metadata_json"`
	Tombstoned      bool           `db:"tombstoned"`
	CreatedAtMs     int64          `db:"created_at_ms"`
	UpdatedAtMs     int64          `db:"updated_at_ms"`
}

// Metadata decodes metadata_json; empty map on absent or malformed data.
func (c ContextItem) Metadata() map[string]any {
	out := map[string]any{}
	if c.MetadataJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(c.MetadataJSON), &out)
	return out
}

// SummaryKind returns the summary kind recorded in metadata, or empty
// when the item is not a summary or carries no kind.
func (c ContextItem) SummaryKind() SummaryKind {
	if c.ItemType != ItemSummary {
		return ""
	}
	if k, ok := c.Metadata()["kind"].(string); ok {
		return SummaryKind(k)
	}
	return ""
}

// LineageEdge is a typed parent→child relation between two context items.
type LineageEdge struct {
	ParentItemID ItemID       `db:"parent_item_id"`
	ChildItemID  ItemID       `db:"child_item_id"`
	Relation     EdgeRelation `db:"relation"`
	MetadataJSON string       `db:"metadata_json"`
	CreatedAtMs  int64        `db:"created_at_ms"`
}

// CompactionRun records one execution of the compaction engine.
type CompactionRun struct {
	RunID           RunID          `db:"run_id"`
	ConversationID  ConversationID `db:"conversation_id"`
	Strategy        string         `db:"strategy"`
	Status          string         `db:"status"`
	SummaryItemID   *ItemID        `db:"summary_item_id"`
	InputItemCount  int            `db:"input_item_count"`
	OutputItemCount int            `db:"output_item_count"`
	ErrorText       string         `db:"error_text"`
	StartedAtMs     int64          `db:"started_at_ms"`
	FinishedAtMs    *int64         `db:"finished_at_ms"`
}

// Compaction run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped"
)

// Artifact is a file-like object attached to a conversation, usually
// extracted from a message part carrying a blob path.
type Artifact struct {
	ArtifactID     ArtifactID     `db:"artifact_id"`
	ConversationID ConversationID `db:"conversation_id"`
	MessageID      *MessageID     `db:"message_id"`
	PartID         *PartID        `db:"part_id"`
	Path           string         `db:"path"`
	MimeType       string         `db:"mime_type"`
	Bytes          int64          `db:"bytes"`
	SHA256         string         `db:"sha256"`
	CreatedAtMs    int64          `db:"created_at_ms"`
}

// ExpansionGrant is a time-bounded authorization permitting a delegated
// session to expand within a conversation set, depth ceiling, and token
// cap. In-memory only; never persisted.
type ExpansionGrant struct {
	GrantID              string
	DelegatorSessionKey  string
	DelegateSessionKey   string
	ConversationIDs      []ConversationID
	MaxDepth             int
	MaxTokenCap          int
	IssuedAtMs           int64
	ExpiresAtMs          int64
}

// Allows reports whether the grant covers the given conversation.
func (g ExpansionGrant) Allows(conv ConversationID) bool {
	for _, id := range g.ConversationIDs {
		if id == conv {
			return true
		}
	}
	return false
}

// MarshalJSONMap encodes a metadata map, returning "{}" for nil input.
func MarshalJSONMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
