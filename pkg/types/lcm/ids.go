// Package lcm defines the shared types for the lossless context
// management engine: identifier types, storage entities, the error
// taxonomy, and the configuration envelope.
package lcm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// ConversationID identifies a conversation. Opaque; derived from the
// session id or caller-supplied metadata at ingest time.
type ConversationID string

// MessageID identifies a canonical message row.
type MessageID string

// ItemID identifies a context item (message pointer, summary, note, artifact).
type ItemID string

// PartID identifies a message part row.
type PartID string

// RunID identifies a compaction run.
type RunID string

// ArtifactID identifies an artifact row.
type ArtifactID string

// EdgeRelation is the typed relation on a lineage edge.
type EdgeRelation string

// Lineage edge relations. Summaries point at what they replaced.
const (
	RelationSummarizes EdgeRelation = "summarizes"
	RelationCondenses  EdgeRelation = "condenses"
	RelationDerived    EdgeRelation = "derived"
)

// Role is a message role.
type Role string

// Message roles. Tool results collapse to RoleTool at ingest.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the four canonical roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartKind classifies a message part.
type PartKind string

// Message part kinds.
const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "toolCall"
	PartToolResult PartKind = "toolResult"
	PartThinking   PartKind = "thinking"
	PartJSON       PartKind = "json"
	PartOther      PartKind = "other"
)

// ItemType classifies a context item.
type ItemType string

// Context item types.
const (
	ItemMessage  ItemType = "message"
	ItemSummary  ItemType = "summary"
	ItemNote     ItemType = "note"
	ItemArtifact ItemType = "artifact"
)

// SummaryKind distinguishes leaf summaries (built from raw messages)
// from condensed summaries (built from adjacent leaf summaries). Stored
// in the item's metadata under the "kind" key.
type SummaryKind string

// Summary kinds.
const (
	SummaryLeaf      SummaryKind = "leaf"
	SummaryCondensed SummaryKind = "condensed"
)

// NewDeterministicID builds a conversation-scoped id of the form
// "<prefix>_<hex16>" where the hex digest covers the conversation id, a
// caller discriminator, and the creation timestamp. Two creations in the
// same conversation at the same millisecond must use distinct
// discriminators.
func NewDeterministicID(prefix string, conv ConversationID, discriminator string, nowMs int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", conv, discriminator, nowMs))
	return prefix + "_" + hex.EncodeToString(sum[:])[:16]
}

// Validate checks that the id is non-empty.
func (c ConversationID) Validate() error {
	if c == "" {
		return errors.New("conversation id must not be empty")
	}
	return nil
}
