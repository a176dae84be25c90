package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HasOpenFollowUp reports whether an unresolved follow-up already exists for
// the opportunity. The CRM sync processor uses this as its scheduling guard.
func (r *Repository) HasOpenFollowUp(ctx context.Context, opportunityID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM follow_ups
			WHERE opportunity_id = $1 AND completed_at IS NULL
		)
	`, opportunityID).Scan(&exists)
	return exists, err
}

// CreateFollowUp records a follow-up due at the given time.
func (r *Repository) CreateFollowUp(ctx context.Context, opportunityID uuid.UUID, handlerID *uuid.UUID, dueAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO follow_ups (id, opportunity_id, handler_id, due_at)
		VALUES ($1, $2, $3, $4)
	`, id, opportunityID, handlerID, dueAt)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// CompleteFollowUp marks a follow-up resolved.
func (r *Repository) CompleteFollowUp(ctx context.Context, followUpID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE follow_ups SET completed_at = now()
		WHERE id = $1 AND completed_at IS NULL
	`, followUpID)
	return err
}
