package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadflow_backend/internal/opportunity"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("opportunity not found")

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// phaseEnvelope is the storage shape of the phase-state union.
type phaseEnvelope struct {
	Kind       opportunity.Phase            `json:"kind"`
	Filtration *opportunity.FiltrationState `json:"filtration,omitempty"`
	CRM        *opportunity.CRMState        `json:"crm,omitempty"`
	Duplicate  *opportunity.DuplicateState  `json:"duplicate,omitempty"`
}

func encodeState(state opportunity.PhaseState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	env := phaseEnvelope{Kind: state.Phase()}
	switch s := state.(type) {
	case opportunity.FiltrationState:
		env.Filtration = &s
	case opportunity.CRMState:
		env.CRM = &s
	case opportunity.DuplicateState:
		env.Duplicate = &s
	default:
		return nil, fmt.Errorf("unknown phase state %T", state)
	}
	return json.Marshal(env)
}

func decodeState(raw []byte) (opportunity.PhaseState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env phaseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case opportunity.PhaseFiltration:
		if env.Filtration == nil {
			return nil, fmt.Errorf("filtration envelope without body")
		}
		return *env.Filtration, nil
	case opportunity.PhaseCRM:
		if env.CRM == nil {
			return nil, fmt.Errorf("crm envelope without body")
		}
		return *env.CRM, nil
	case opportunity.PhaseDuplicate:
		if env.Duplicate == nil {
			return nil, fmt.Errorf("duplicate envelope without body")
		}
		return *env.Duplicate, nil
	}
	return nil, fmt.Errorf("unknown phase kind %q", env.Kind)
}

const opportunityColumns = `id, lead_id, trace_id, name, phone, email, destination, source,
	status, handler_id, phase_state, created_at, updated_at`

func scanOpportunity(row pgx.Row) (opportunity.Opportunity, error) {
	var (
		o        opportunity.Opportunity
		rawState []byte
	)
	err := row.Scan(
		&o.ID, &o.LeadID, &o.TraceID, &o.Name, &o.Phone, &o.Email, &o.Destination, &o.Source,
		&o.Status, &o.HandlerID, &rawState, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return opportunity.Opportunity{}, err
	}
	o.State, err = decodeState(rawState)
	if err != nil {
		return opportunity.Opportunity{}, err
	}
	return o, nil
}

// CreateIdempotent inserts the opportunity keyed on its trace id. When a prior
// attempt (a redelivered message) already inserted the row, the stored row is
// returned with created=false and no second live opportunity is created.
func (r *Repository) CreateIdempotent(ctx context.Context, o opportunity.Opportunity) (opportunity.Opportunity, bool, error) {
	rawState, err := encodeState(o.State)
	if err != nil {
		return opportunity.Opportunity{}, false, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO opportunities (id, lead_id, trace_id, name, phone, email, destination, source, status, handler_id, phase_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id) DO NOTHING
		RETURNING `+opportunityColumns, o.ID, o.LeadID, o.TraceID, o.Name, o.Phone, o.Email, o.Destination, o.Source, o.Status, o.HandlerID, rawState)

	created, err := scanOpportunity(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return opportunity.Opportunity{}, false, err
	}

	existing, err := r.GetByTraceID(ctx, o.TraceID)
	if err != nil {
		return opportunity.Opportunity{}, false, err
	}
	return existing, false, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (opportunity.Opportunity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return opportunity.Opportunity{}, ErrNotFound
	}
	return o, err
}

func (r *Repository) GetByTraceID(ctx context.Context, traceID string) (opportunity.Opportunity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE trace_id = $1`, traceID)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return opportunity.Opportunity{}, ErrNotFound
	}
	return o, err
}

// Update persists status, handler, lead linkage and phase state. The contact
// fields are immutable after creation.
func (r *Repository) Update(ctx context.Context, o opportunity.Opportunity) error {
	rawState, err := encodeState(o.State)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE opportunities
		SET status = $2, handler_id = $3, lead_id = $4, phase_state = $5, updated_at = now()
		WHERE id = $1
	`, o.ID, o.Status, o.HandlerID, o.LeadID, rawState)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveDuplicate returns the earliest non-terminal, non-duplicate
// opportunity with the same phone (or secondarily email) and destination.
func (r *Repository) FindActiveDuplicate(ctx context.Context, phone string, email *string, destination *string, excludeID uuid.UUID) (*opportunity.Opportunity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities
		WHERE (phone = $1 OR ($2::text IS NOT NULL AND email = $2))
		  AND destination IS NOT DISTINCT FROM $3
		  AND id <> $4
		  AND status NOT IN ('DORMANT', 'DISQUALIFIED', 'WON', 'LOST')
		ORDER BY created_at ASC
		LIMIT 1
	`, phone, email, destination, excludeID)

	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListStuck returns opportunities parked for operator attention longer than
// the given age: unresolved destinations and unassigned filtration entries.
func (r *Repository) ListStuck(ctx context.Context, olderThan time.Duration) ([]opportunity.Opportunity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities
		WHERE updated_at < now() - $1::interval
		  AND (status = 'RESOLVING_UNKNOWN'
		       OR (status IN ('IN_PSV', 'IN_WEST') AND handler_id IS NULL))
		ORDER BY updated_at ASC
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []opportunity.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
