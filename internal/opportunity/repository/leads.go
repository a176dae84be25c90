package repository

import (
	"context"
	"errors"

	"leadflow_backend/internal/opportunity"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindOrCreateLead resolves the Lead profile for a phone number, creating it
// on first contact. Phone is unique; a concurrent insert loses the race and
// falls through to the existing row.
func (r *Repository) FindOrCreateLead(ctx context.Context, name, phone string, email *string) (opportunity.Lead, error) {
	var lead opportunity.Lead
	err := r.pool.QueryRow(ctx, `
		INSERT INTO leads (id, name, phone, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO UPDATE SET updated_at = now()
		RETURNING id, name, phone, email, created_at, updated_at
	`, uuid.New(), name, phone, email).Scan(
		&lead.ID, &lead.Name, &lead.Phone, &lead.Email, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return opportunity.Lead{}, err
	}
	return lead, nil
}

// GetLeadByPhone returns the Lead profile for a phone number, with its active
// opportunity references attached.
func (r *Repository) GetLeadByPhone(ctx context.Context, phone string) (opportunity.Lead, error) {
	var lead opportunity.Lead
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, email, created_at, updated_at
		FROM leads WHERE phone = $1
	`, phone).Scan(&lead.ID, &lead.Name, &lead.Phone, &lead.Email, &lead.CreatedAt, &lead.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return opportunity.Lead{}, ErrNotFound
	}
	if err != nil {
		return opportunity.Lead{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id FROM opportunities
		WHERE lead_id = $1 AND status NOT IN ('DORMANT', 'DISQUALIFIED', 'WON', 'LOST')
		ORDER BY created_at ASC
	`, lead.ID)
	if err != nil {
		return opportunity.Lead{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return opportunity.Lead{}, err
		}
		lead.OpportunityIDs = append(lead.OpportunityIDs, id)
	}
	return lead, rows.Err()
}
