// Package retrieval implements the describe / grep / expand operations
// over the conversation store. Every operation is gated by the
// expansion auth registry when the caller supplies a session key.
package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
	"github.com/pkg/errors"
)

// Auth carries the caller's delegated session identity. A zero Auth is
// the main agent and bypasses grant checks.
type Auth struct {
	SessionKey string
}

// Engine serves retrieval operations.
type Engine struct {
	store     *store.Store
	estimator tokens.Estimator
	auth      *expansionauth.Registry
	recorder  *metrics.Recorder
	now       func() int64
}

// New creates a retrieval engine.
func New(st *store.Store, est tokens.Estimator, auth *expansionauth.Registry, rec *metrics.Recorder) *Engine {
	return &Engine{
		store:     st,
		estimator: est,
		auth:      auth,
		recorder:  rec,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Lineage lists an item's parents (summaries that replaced it) and
// children (items it summarizes).
type Lineage struct {
	ParentIDs []lcm.ItemID `json:"parentIds"`
	ChildIDs  []lcm.ItemID `json:"childIds"`
}

// SummaryDescribe describes a context item.
type SummaryDescribe struct {
	ID                 lcm.ItemID         `json:"id"`
	ConversationID     lcm.ConversationID `json:"conversationId"`
	ItemType           lcm.ItemType       `json:"itemType"`
	Title              string             `json:"title,omitempty"`
	TokenEstimate      int                `json:"tokenEstimate"`
	CreatedAtMs        int64              `json:"createdAt"`
	Tombstoned         bool               `json:"tombstoned"`
	Metadata           map[string]any     `json:"metadata"`
	Lineage            Lineage            `json:"lineage"`
	SourceMessageRange *[2]int            `json:"sourceMessageRange,omitempty"`
}

// FileDescribe describes an artifact.
type FileDescribe struct {
	ID               lcm.ArtifactID     `json:"id"`
	ConversationID   lcm.ConversationID `json:"conversationId"`
	Path             string             `json:"path"`
	FileName         string             `json:"fileName,omitempty"`
	MimeType         string             `json:"mimeType,omitempty"`
	Bytes            int64              `json:"bytes,omitempty"`
	SHA256           string             `json:"sha256,omitempty"`
	CreatedAtMs      int64              `json:"createdAt"`
	RelatedMessageID *lcm.MessageID     `json:"relatedMessageId,omitempty"`
}

// Descriptor is the describe result: exactly one of Summary or File is
// set. A nil Descriptor means the id is unknown.
type Descriptor struct {
	Summary *SummaryDescribe `json:"summary,omitempty"`
	File    *FileDescribe    `json:"file,omitempty"`
}

// Describe resolves an item or artifact id. Unknown ids return
// (nil, nil); delegated sessions are checked against the resolved
// conversation scope before any content leaves the store.
func (e *Engine) Describe(ctx context.Context, id string, auth Auth) (*Descriptor, error) {
	item, err := e.store.GetContextItem(ctx, e.store.Q(), lcm.ItemID(id))
	if err == nil {
		if _, authErr := e.auth.Authorize(expansionauth.AuthRequest{
			SessionKey:     auth.SessionKey,
			ConversationID: item.ConversationID,
		}); authErr != nil {
			return nil, authErr
		}
		return e.describeItem(ctx, item)
	}
	if !errors.Is(err, lcm.ErrNotFound) {
		return nil, err
	}

	artifact, err := e.store.GetArtifact(ctx, e.store.Q(), lcm.ArtifactID(id))
	if err != nil {
		if errors.Is(err, lcm.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if _, authErr := e.auth.Authorize(expansionauth.AuthRequest{
		SessionKey:     auth.SessionKey,
		ConversationID: artifact.ConversationID,
	}); authErr != nil {
		return nil, authErr
	}

	file := &FileDescribe{
		ID:               artifact.ArtifactID,
		ConversationID:   artifact.ConversationID,
		Path:             artifact.Path,
		FileName:         baseName(artifact.Path),
		MimeType:         artifact.MimeType,
		Bytes:            artifact.Bytes,
		SHA256:           artifact.SHA256,
		CreatedAtMs:      artifact.CreatedAtMs,
		RelatedMessageID: artifact.MessageID,
	}
	return &Descriptor{File: file}, nil
}

func (e *Engine) describeItem(ctx context.Context, item lcm.ContextItem) (*Descriptor, error) {
	parentEdges, err := e.store.GetParentEdges(ctx, e.store.Q(), item.ItemID)
	if err != nil {
		return nil, err
	}
	childEdges, err := e.store.GetChildEdges(ctx, e.store.Q(), item.ItemID)
	if err != nil {
		return nil, err
	}

	lineage := Lineage{}
	for _, edge := range parentEdges {
		lineage.ParentIDs = append(lineage.ParentIDs, edge.ParentItemID)
	}
	for _, edge := range childEdges {
		lineage.ChildIDs = append(lineage.ChildIDs, edge.ChildItemID)
	}

	desc := &SummaryDescribe{
		ID:             item.ItemID,
		ConversationID: item.ConversationID,
		ItemType:       item.ItemType,
		Title:          item.Title,
		TokenEstimate:  e.estimator.Estimate(item.Title + "\n" + item.Body),
		CreatedAtMs:    item.CreatedAtMs,
		Tombstoned:     item.Tombstoned,
		Metadata:       item.Metadata(),
		Lineage:        lineage,
	}

	if item.ItemType == lcm.ItemSummary {
		messages, err := e.store.GetSummaryMessages(ctx, e.store.Q(), item.ItemID, 0)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 {
			r := [2]int{messages[0].Ordinal, messages[len(messages)-1].Ordinal}
			desc.SourceMessageRange = &r
		}
	}

	return &Descriptor{Summary: desc}, nil
}

func baseName(path string) string {
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// snippetLimit bounds grep snippets.
const snippetLimit = 200

// Snippet renders a single-line preview, at most snippetLimit runes,
// with an ellipsis suffix when cut.
func Snippet(text string) string {
	line := strings.Join(strings.Fields(text), " ")
	runes := []rune(line)
	if len(runes) <= snippetLimit {
		return line
	}
	return string(runes[:snippetLimit]) + "…"
}
