package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// RecordArtifact inserts an artifact row.
func (s *Store) RecordArtifact(ctx context.Context, q db.Querier, artifact lcm.Artifact) error {
	query := `
		INSERT INTO artifacts (artifact_id, conversation_id, message_id, part_id, path, mime_type, bytes, sha256, created_at_ms)
		VALUES (:artifact_id, :conversation_id, :message_id, :part_id, :path, :mime_type, :bytes, :sha256, :created_at_ms)
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, artifact); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to record artifact %s", artifact.ArtifactID)
	}
	return nil
}

// GetArtifact loads one artifact row.
func (s *Store) GetArtifact(ctx context.Context, q db.Querier, id lcm.ArtifactID) (lcm.Artifact, error) {
	var artifact lcm.Artifact
	err := q.GetContext(ctx, &artifact, "SELECT * FROM artifacts WHERE artifact_id = ?", id)
	if err != nil {
		return lcm.Artifact{}, errors.Wrapf(db.MapError(err), "artifact %s", id)
	}
	return artifact, nil
}

// ListArtifacts returns a conversation's artifacts oldest-first.
func (s *Store) ListArtifacts(ctx context.Context, q db.Querier, conv lcm.ConversationID, limit int) ([]lcm.Artifact, error) {
	sql := "SELECT * FROM artifacts WHERE conversation_id = ? ORDER BY created_at_ms ASC, artifact_id ASC"
	args := []any{conv}
	if limit > 0 {
		sql += " LIMIT ?"
		args = append(args, limit)
	}

	var artifacts []lcm.Artifact
	if err := q.SelectContext(ctx, &artifacts, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to list artifacts")
	}
	return artifacts, nil
}
