// Package integrity scans the store for invariant violations and can
// apply a repair plan for the fixable ones. The scan itself is
// read-only; repairs run in a single transaction.
package integrity

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Mode selects scan-only or scan-and-repair.
type Mode string

// Modes.
const (
	ModeCheck  Mode = "check"
	ModeRepair Mode = "repair"
)

// Code identifies a violation class.
type Code string

// Violation codes.
const (
	SummaryWithoutSource             Code = "summary_without_source"
	ContextItemMissingSourceMessage  Code = "context_item_missing_source_message"
	MessageContextMissingCanonical   Code = "message_context_missing_canonical_message"
	OrphanMessagePart                Code = "orphan_message_part"
	DuplicateMessageOrdinal          Code = "duplicate_message_ordinal"
	DuplicateMessagePartOrdinal      Code = "duplicate_message_part_ordinal"
	LineageEdgeMissingEndpoint       Code = "lineage_edge_missing_endpoint"
	ContextItemMissingConversation   Code = "context_item_missing_conversation"
)

// Violation is one detected breach.
type Violation struct {
	Code    Code   `json:"code"`
	Target  string `json:"target"`
	Detail  string `json:"detail,omitempty"`
	Fixable bool   `json:"fixable"`
}

// Action types in a repair plan.
const (
	ActionClearContextSourceMessage = "clear_context_source_message"
	ActionDeleteContextItem         = "delete_context_item"
	ActionDeleteMessagePart         = "delete_message_part"
	ActionDeleteLineageEdge         = "delete_lineage_edge"
)

// Action is one repair step.
type Action struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// RepairPlan lists the fixable actions derived from a scan.
type RepairPlan struct {
	Actions []Action `json:"actions"`
}

// InvariantStatus reports one named invariant.
type InvariantStatus struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`
}

// RepairResult reports an applied repair.
type RepairResult struct {
	Applied   int `json:"applied"`
	Remaining int `json:"remaining"`
}

// Report is the scan outcome.
type Report struct {
	OK                      bool              `json:"ok"`
	Violations              []Violation       `json:"violations"`
	Invariants              []InvariantStatus `json:"invariants"`
	RepairPlan              RepairPlan        `json:"repairPlan"`
	PreRepairViolationCount int               `json:"preRepairViolationCount"`
	RepairResult            *RepairResult     `json:"repairResult,omitempty"`
}

// Checker scans and repairs.
type Checker struct {
	store    *store.Store
	recorder *metrics.Recorder
	now      func() int64
}

// New creates a checker.
func New(st *store.Store, rec *metrics.Recorder) *Checker {
	return &Checker{store: st, recorder: rec, now: func() int64 { return time.Now().UnixMilli() }}
}

// Scan enumerates violations. In repair mode the fixable actions are
// applied in one transaction and the post-repair state is reported.
func (c *Checker) Scan(ctx context.Context, mode Mode) (Report, error) {
	if mode == "" {
		mode = ModeCheck
	}
	if mode != ModeCheck && mode != ModeRepair {
		return Report{}, lcm.NewValidationError("mode", "must be check or repair")
	}

	violations, err := c.collect(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		OK:                      len(violations) == 0,
		Violations:              violations,
		Invariants:              invariantStatuses(violations),
		RepairPlan:              buildPlan(violations),
		PreRepairViolationCount: len(violations),
	}

	for _, v := range violations {
		c.recorder.Record(metrics.Event{
			Family:  metrics.FamilyIntegrityFailure,
			Code:    string(v.Code),
			Fixable: v.Fixable,
			Severity: func() string {
				if v.Fixable {
					return "warning"
				}
				return "error"
			}(),
			AtMs: c.now(),
		})
	}

	if mode == ModeCheck || len(report.RepairPlan.Actions) == 0 {
		return report, nil
	}

	if err := c.applyPlan(ctx, report.RepairPlan); err != nil {
		return Report{}, err
	}

	remaining, err := c.collect(ctx)
	if err != nil {
		return Report{}, err
	}
	report.RepairResult = &RepairResult{
		Applied:   len(report.RepairPlan.Actions),
		Remaining: len(remaining),
	}
	report.OK = len(remaining) == 0

	logger.G(ctx).WithField("applied", report.RepairResult.Applied).
		WithField("remaining", report.RepairResult.Remaining).
		Info("integrity repair applied")

	return report, nil
}

type checkFn struct {
	name string
	run  func(context.Context, db.Querier) ([]Violation, error)
}

func (c *Checker) collect(ctx context.Context) ([]Violation, error) {
	q := c.store.Q()
	checks := []checkFn{
		{"summary_without_source", checkSummaryWithoutSource},
		{"context_item_missing_source_message", checkDanglingSourcePointer},
		{"message_context_missing_canonical_message", checkMessageItemWithoutCanonical},
		{"orphan_message_part", checkOrphanParts},
		{"duplicate_message_ordinal", checkDuplicateOrdinals},
		{"duplicate_message_part_ordinal", checkDuplicatePartOrdinals},
		{"lineage_edge_missing_endpoint", checkEdgeEndpoints},
		{"context_item_missing_conversation", checkItemConversation},
	}

	var violations []Violation
	var merr *multierror.Error
	for _, check := range checks {
		found, err := check.run(ctx, q)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "%s check failed", check.name))
			continue
		}
		violations = append(violations, found...)
	}
	return violations, merr.ErrorOrNil()
}

// checkSummaryWithoutSource walks the lineage graph in-engine: every
// active summary must reach at least one resolvable canonical message
// through summarizes/condenses chains.
func checkSummaryWithoutSource(ctx context.Context, q db.Querier) ([]Violation, error) {
	var summaryIDs []string
	err := q.SelectContext(ctx, &summaryIDs,
		"SELECT item_id FROM context_items WHERE item_type = 'summary' AND tombstoned = 0")
	if err != nil {
		return nil, err
	}
	if len(summaryIDs) == 0 {
		return nil, nil
	}

	type edge struct {
		Parent string `db:"parent_item_id"`
		Child  string `db:"child_item_id"`
	}
	var edges []edge
	err = q.SelectContext(ctx, &edges, `
		SELECT parent_item_id, child_item_id FROM lineage_edges
		WHERE relation IN ('summarizes', 'condenses')
	`)
	if err != nil {
		return nil, err
	}

	var sourced []string
	err = q.SelectContext(ctx, &sourced, `
		SELECT ci.item_id FROM context_items ci
		JOIN messages m ON m.message_id = ci.source_message_id
	`)
	if err != nil {
		return nil, err
	}

	children := map[string][]string{}
	for _, e := range edges {
		children[e.Parent] = append(children[e.Parent], e.Child)
	}
	hasSource := map[string]bool{}
	for _, id := range sourced {
		hasSource[id] = true
	}

	reaches := func(root string) bool {
		seen := map[string]bool{root: true}
		queue := []string{root}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for _, child := range children[node] {
				if seen[child] {
					continue
				}
				if hasSource[child] {
					return true
				}
				seen[child] = true
				queue = append(queue, child)
			}
		}
		return false
	}

	var ids []string
	for _, id := range summaryIDs {
		if !reaches(id) {
			ids = append(ids, id)
		}
	}
	return toViolations(SummaryWithoutSource, ids, "no canonical message reachable through lineage", false), nil
}

func checkDanglingSourcePointer(ctx context.Context, q db.Querier) ([]Violation, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, `
		SELECT item_id FROM context_items
		WHERE item_type IN ('message', 'note') AND source_message_id IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.message_id = context_items.source_message_id)
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(ContextItemMissingSourceMessage, ids, "source_message_id dangles", true), nil
}

func checkMessageItemWithoutCanonical(ctx context.Context, q db.Querier) ([]Violation, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, `
		SELECT item_id FROM context_items
		WHERE item_type = 'message' AND source_message_id IS NULL
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(MessageContextMissingCanonical, ids, "message item has no canonical message", true), nil
}

func checkOrphanParts(ctx context.Context, q db.Querier) ([]Violation, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, `
		SELECT part_id FROM message_parts
		WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.message_id = message_parts.message_id)
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(OrphanMessagePart, ids, "part references missing message", true), nil
}

func checkDuplicateOrdinals(ctx context.Context, q db.Querier) ([]Violation, error) {
	var keys []string
	err := q.SelectContext(ctx, &keys, `
		SELECT conversation_id || ':' || ordinal FROM messages
		GROUP BY conversation_id, ordinal HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(DuplicateMessageOrdinal, keys, "messages share (conversation, ordinal)", false), nil
}

func checkDuplicatePartOrdinals(ctx context.Context, q db.Querier) ([]Violation, error) {
	var keys []string
	err := q.SelectContext(ctx, &keys, `
		SELECT message_id || ':' || part_index FROM message_parts
		GROUP BY message_id, part_index HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(DuplicateMessagePartOrdinal, keys, "parts share (message, part_index)", false), nil
}

func checkEdgeEndpoints(ctx context.Context, q db.Querier) ([]Violation, error) {
	var keys []string
	err := q.SelectContext(ctx, &keys, `
		SELECT parent_item_id || '|' || child_item_id || '|' || relation FROM lineage_edges e
		WHERE NOT EXISTS (SELECT 1 FROM context_items p WHERE p.item_id = e.parent_item_id)
		   OR NOT EXISTS (SELECT 1 FROM context_items c WHERE c.item_id = e.child_item_id)
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(LineageEdgeMissingEndpoint, keys, "edge endpoint missing", true), nil
}

func checkItemConversation(ctx context.Context, q db.Querier) ([]Violation, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, `
		SELECT item_id FROM context_items
		WHERE NOT EXISTS (SELECT 1 FROM conversations c WHERE c.conversation_id = context_items.conversation_id)
	`)
	if err != nil {
		return nil, err
	}
	return toViolations(ContextItemMissingConversation, ids, "item references missing conversation", true), nil
}

func toViolations(code Code, targets []string, detail string, fixable bool) []Violation {
	out := make([]Violation, len(targets))
	for i, target := range targets {
		out[i] = Violation{Code: code, Target: target, Detail: detail, Fixable: fixable}
	}
	return out
}

func buildPlan(violations []Violation) RepairPlan {
	var plan RepairPlan
	for _, v := range violations {
		switch v.Code {
		case ContextItemMissingSourceMessage:
			plan.Actions = append(plan.Actions, Action{Type: ActionClearContextSourceMessage, Target: v.Target})
		case MessageContextMissingCanonical, ContextItemMissingConversation:
			plan.Actions = append(plan.Actions, Action{Type: ActionDeleteContextItem, Target: v.Target})
		case OrphanMessagePart:
			plan.Actions = append(plan.Actions, Action{Type: ActionDeleteMessagePart, Target: v.Target})
		case LineageEdgeMissingEndpoint:
			plan.Actions = append(plan.Actions, Action{Type: ActionDeleteLineageEdge, Target: v.Target})
		}
	}
	return plan
}

func (c *Checker) applyPlan(ctx context.Context, plan RepairPlan) error {
	return c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, action := range plan.Actions {
			if err := applyAction(ctx, tx, action); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyAction(ctx context.Context, tx *sqlx.Tx, action Action) error {
	switch action.Type {
	case ActionClearContextSourceMessage:
		_, err := tx.ExecContext(ctx,
			"UPDATE context_items SET source_message_id = NULL WHERE item_id = ?", action.Target)
		return errors.Wrapf(err, "failed to clear source pointer on %s", action.Target)
	case ActionDeleteContextItem:
		_, err := tx.ExecContext(ctx,
			"DELETE FROM context_items WHERE item_id = ?", action.Target)
		return errors.Wrapf(err, "failed to delete context item %s", action.Target)
	case ActionDeleteMessagePart:
		_, err := tx.ExecContext(ctx,
			"DELETE FROM message_parts WHERE part_id = ?", action.Target)
		return errors.Wrapf(err, "failed to delete message part %s", action.Target)
	case ActionDeleteLineageEdge:
		parts := splitEdgeKey(action.Target)
		if parts == nil {
			return errors.Errorf("malformed edge key %s", action.Target)
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM lineage_edges WHERE parent_item_id = ? AND child_item_id = ? AND relation = ?",
			parts[0], parts[1], parts[2])
		return errors.Wrapf(err, "failed to delete lineage edge %s", action.Target)
	}
	return errors.Errorf("unknown repair action %s", action.Type)
}

func splitEdgeKey(key string) []string {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return nil
	}
	return parts
}

// invariantStatuses derives the named invariant summary from the
// violation set. Invariants without a static check (tombstone
// monotonicity, replacement atomicity, grant scoping) are enforced by
// construction and reported true.
func invariantStatuses(violations []Violation) []InvariantStatus {
	seen := map[Code]bool{}
	for _, v := range violations {
		seen[v.Code] = true
	}
	return []InvariantStatus{
		{ID: "summary_source", OK: !seen[SummaryWithoutSource]},
		{ID: "context_canonical", OK: !seen[ContextItemMissingSourceMessage] && !seen[MessageContextMissingCanonical]},
		{ID: "ordinal_uniqueness", OK: !seen[DuplicateMessageOrdinal] && !seen[DuplicateMessagePartOrdinal]},
		{ID: "edge_endpoints", OK: !seen[LineageEdgeMissingEndpoint]},
		{ID: "conversation_refs", OK: !seen[ContextItemMissingConversation] && !seen[OrphanMessagePart]},
		{ID: "tombstone_monotonicity", OK: true},
		{ID: "replacement_atomicity", OK: true},
		{ID: "grant_scoping", OK: true},
	}
}
