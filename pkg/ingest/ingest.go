// Package ingest normalizes external agent message sequences into
// canonical message rows, message parts, and seed context items.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Meta carries host-supplied ingest metadata. Host-specific keys live in
// Extensions; recognized keys are typed fields.
type Meta struct {
	ConversationID string
	Channel        string
	Extensions     map[string]string
}

// IncomingMessage is one external message prior to normalization.
// Content is either a string or a []any of part maps.
type IncomingMessage struct {
	Role     string
	AuthorID string
	Content  any
	Payload  map[string]any
}

// Result reports what one ingest call persisted.
type Result struct {
	ConversationID lcm.ConversationID
	Messages       []lcm.Message
	Items          []lcm.ContextItem
}

// Ingestor writes normalized messages through the store.
type Ingestor struct {
	store *store.Store
}

// New creates an ingestor.
func New(st *store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// ResolveConversationID prefers the metadata conversation id, then the
// session id.
func ResolveConversationID(sessionID string, meta Meta) lcm.ConversationID {
	if meta.ConversationID != "" {
		return lcm.ConversationID(meta.ConversationID)
	}
	return lcm.ConversationID(sessionID)
}

// Ingest persists the message batch in one transaction: conversation
// upsert, canonical messages with dense ordinals, parts, seed context
// items, and artifact rows for blob-bearing parts.
func (i *Ingestor) Ingest(ctx context.Context, sessionID string, meta Meta, messages []IncomingMessage, nowMs int64) (Result, error) {
	if sessionID == "" && meta.ConversationID == "" {
		return Result{}, lcm.NewValidationError("sessionId", "must not be empty")
	}

	conv := ResolveConversationID(sessionID, meta)
	result := Result{ConversationID: conv}

	err := i.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		result.Messages = result.Messages[:0]
		result.Items = result.Items[:0]

		if err := i.store.EnsureConversation(ctx, tx, lcm.Conversation{
			ConversationID: conv,
			SessionID:      sessionID,
			Channel:        meta.Channel,
			CreatedAtMs:    nowMs,
			UpdatedAtMs:    nowMs,
		}); err != nil {
			return err
		}

		ordinal, err := i.store.NextOrdinal(ctx, tx, conv)
		if err != nil {
			return err
		}

		for idx, incoming := range messages {
			role, err := normalizeRole(incoming.Role)
			if err != nil {
				return err
			}

			// Spread creation timestamps so item ordering by
			// (created_at_ms, item_id) matches ordinal order.
			msgTS := nowMs + int64(idx)
			msg := lcm.Message{
				MessageID:      lcm.MessageID(lcm.NewDeterministicID("msg", conv, fmt.Sprintf("ordinal-%d", ordinal), msgTS)),
				ConversationID: conv,
				Ordinal:        ordinal,
				Role:           role,
				AuthorID:       incoming.AuthorID,
				PayloadJSON:    lcm.MarshalJSONMap(incoming.Payload),
				CreatedAtMs:    msgTS,
			}

			parts := splitParts(msg.MessageID, conv, incoming.Content, msgTS)
			msg.ContentText = contentText(incoming.Content, parts)

			if err := i.store.CreateMessage(ctx, tx, msg); err != nil {
				return err
			}
			if err := i.store.CreateMessageParts(ctx, tx, parts); err != nil {
				return err
			}

			item, err := i.store.AppendContextMessage(ctx, tx, msg, msgTS)
			if err != nil {
				return err
			}

			for _, part := range parts {
				if part.BlobPath == "" {
					continue
				}
				msgID, partID := msg.MessageID, part.PartID
				if err := i.store.RecordArtifact(ctx, tx, lcm.Artifact{
					ArtifactID:     lcm.ArtifactID(lcm.NewDeterministicID("art", conv, string(part.PartID), msgTS)),
					ConversationID: conv,
					MessageID:      &msgID,
					PartID:         &partID,
					Path:           part.BlobPath,
					MimeType:       part.MimeType,
					CreatedAtMs:    msgTS,
				}); err != nil {
					return err
				}
			}

			result.Messages = append(result.Messages, msg)
			result.Items = append(result.Items, item)
			ordinal++
		}

		return nil
	})
	if err != nil {
		return Result{}, err
	}

	logger.G(ctx).WithField("conversation_id", conv).
		WithField("messages", len(result.Messages)).
		Debug("ingested message batch")

	return result, nil
}

// normalizeRole collapses tool-result variants to tool and rejects
// anything outside the canonical set.
func normalizeRole(raw string) (lcm.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "system":
		return lcm.RoleSystem, nil
	case "user":
		return lcm.RoleUser, nil
	case "assistant":
		return lcm.RoleAssistant, nil
	case "tool", "tool_result", "toolresult", "function":
		return lcm.RoleTool, nil
	}
	return "", lcm.NewValidationError("role", fmt.Sprintf("unsupported role %q", raw))
}

// splitParts converts array content into MessagePart rows with preserved
// indices. String content produces no parts.
func splitParts(msgID lcm.MessageID, conv lcm.ConversationID, content any, nowMs int64) []lcm.MessagePart {
	arr, ok := content.([]any)
	if !ok {
		return nil
	}

	parts := make([]lcm.MessagePart, 0, len(arr))
	for idx, raw := range arr {
		part := lcm.MessagePart{
			PartID:      lcm.PartID(lcm.NewDeterministicID("prt", conv, fmt.Sprintf("%s-%d", msgID, idx), nowMs)),
			MessageID:   msgID,
			PartIndex:   idx,
			Kind:        lcm.PartOther,
			PayloadJSON: "{}",
			CreatedAtMs: nowMs,
		}

		if m, ok := raw.(map[string]any); ok {
			part.Kind = inferKind(m)
			if text, ok := m["text"].(string); ok {
				part.TextContent = text
			}
			if mime, ok := m["mimeType"].(string); ok {
				part.MimeType = mime
			}
			if blob, ok := m["blobPath"].(string); ok {
				part.BlobPath = blob
			}
			part.PayloadJSON = lcm.MarshalJSONMap(m)
		} else if text, ok := raw.(string); ok {
			part.Kind = lcm.PartText
			part.TextContent = text
		}

		parts = append(parts, part)
	}
	return parts
}

// inferKind maps an external part map onto the canonical part kinds.
func inferKind(m map[string]any) lcm.PartKind {
	typ, _ := m["type"].(string)
	switch strings.ToLower(typ) {
	case "text":
		return lcm.PartText
	case "image", "image_url":
		return lcm.PartImage
	case "toolcall", "tool_call", "tool_use":
		return lcm.PartToolCall
	case "toolresult", "tool_result":
		return lcm.PartToolResult
	case "thinking":
		return lcm.PartThinking
	case "json":
		return lcm.PartJSON
	case "":
		return lcm.PartJSON
	}
	return lcm.PartOther
}

// contentText derives the canonical content text: the raw string, the
// newline-joined non-empty text parts, or a JSON stringification
// fallback when neither yields text.
func contentText(content any, parts []lcm.MessagePart) string {
	if text, ok := content.(string); ok {
		return text
	}

	var texts []string
	for _, part := range parts {
		if part.TextContent != "" {
			texts = append(texts, part.TextContent)
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(raw)
}
