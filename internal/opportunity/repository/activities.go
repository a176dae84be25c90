package repository

import (
	"context"
	"encoding/json"

	"leadflow_backend/internal/opportunity"

	"github.com/google/uuid"
)

// InsertActivity appends one immutable audit entry. There is deliberately no
// update or delete counterpart.
func (r *Repository) InsertActivity(ctx context.Context, a opportunity.Activity) error {
	changes, err := json.Marshal(a.Changes)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO opportunity_activities (id, opportunity_id, trace_id, phase, changes, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.OpportunityID, a.TraceID, a.Phase, changes, a.Actor, a.At)
	return err
}

// ListActivities returns the audit trail for one opportunity, oldest first.
func (r *Repository) ListActivities(ctx context.Context, opportunityID uuid.UUID) ([]opportunity.Activity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, opportunity_id, trace_id, phase, changes, actor, occurred_at
		FROM opportunity_activities
		WHERE opportunity_id = $1
		ORDER BY occurred_at ASC
	`, opportunityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []opportunity.Activity
	for rows.Next() {
		var (
			a          opportunity.Activity
			rawChanges []byte
		)
		if err := rows.Scan(&a.ID, &a.OpportunityID, &a.TraceID, &a.Phase, &rawChanges, &a.Actor, &a.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawChanges, &a.Changes); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
