package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// CreateCompactionRun records the start of a compaction run.
func (s *Store) CreateCompactionRun(ctx context.Context, q db.Querier, run lcm.CompactionRun) error {
	query := `
		INSERT INTO compaction_runs (run_id, conversation_id, strategy, status, summary_item_id, input_item_count, output_item_count, error_text, started_at_ms, finished_at_ms)
		VALUES (:run_id, :conversation_id, :strategy, :status, :summary_item_id, :input_item_count, :output_item_count, :error_text, :started_at_ms, :finished_at_ms)
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, run); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to create compaction run %s", run.RunID)
	}
	return nil
}

// FinishCompactionRun updates a run's terminal state.
func (s *Store) FinishCompactionRun(ctx context.Context, q db.Querier, run lcm.CompactionRun) error {
	query := `
		UPDATE compaction_runs SET
			status = :status,
			summary_item_id = :summary_item_id,
			input_item_count = :input_item_count,
			output_item_count = :output_item_count,
			error_text = :error_text,
			finished_at_ms = :finished_at_ms
		WHERE run_id = :run_id
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, run); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to finish compaction run %s", run.RunID)
	}
	return nil
}

// ListCompactionRuns returns run history newest-first.
func (s *Store) ListCompactionRuns(ctx context.Context, q db.Querier, conv lcm.ConversationID, limit int) ([]lcm.CompactionRun, error) {
	sql := "SELECT * FROM compaction_runs WHERE conversation_id = ? ORDER BY started_at_ms DESC"
	args := []any{conv}
	if limit > 0 {
		sql += " LIMIT ?"
		args = append(args, limit)
	}

	var runs []lcm.CompactionRun
	if err := q.SelectContext(ctx, &runs, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to list compaction runs")
	}
	return runs, nil
}
