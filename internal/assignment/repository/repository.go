package repository

import (
	"context"
	"errors"

	"leadflow_backend/internal/assignment"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("availability record not found")

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const availabilityColumns = `id, handler_name, process, destinations, sources,
	is_available, lead_count, total_count, seq, deleted_at`

func scanAvailability(row pgx.Row) (assignment.Availability, error) {
	var a assignment.Availability
	err := row.Scan(
		&a.ID, &a.HandlerName, &a.Process, &a.Destinations, &a.Sources,
		&a.IsAvailable, &a.LeadCount, &a.TotalCount, &a.Seq, &a.DeletedAt,
	)
	return a, err
}

type CreateParams struct {
	HandlerName  string
	Process      string
	Destinations []string
	Sources      []string
}

// Create registers a new handler capacity record (administrator action).
func (r *Repository) Create(ctx context.Context, params CreateParams) (assignment.Availability, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO availabilities (id, handler_name, process, destinations, sources, is_available)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING `+availabilityColumns,
		uuid.New(), params.HandlerName, params.Process, params.Destinations, params.Sources)
	return scanAvailability(row)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (assignment.Availability, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+availabilityColumns+` FROM availabilities WHERE id = $1 AND deleted_at IS NULL
	`, id)
	a, err := scanAvailability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return assignment.Availability{}, ErrNotFound
	}
	return a, err
}

// ListAvailable implements assignment.Store.
func (r *Repository) ListAvailable(ctx context.Context, process, destination string) ([]assignment.Availability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+availabilityColumns+`
		FROM availabilities
		WHERE process = $1
		  AND $2 = ANY(destinations)
		  AND is_available = true
		  AND deleted_at IS NULL
		ORDER BY seq ASC
	`, process, destination)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []assignment.Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// IncrementIfUnchanged implements assignment.Store. The conditional update is
// the compare-and-swap: it succeeds only when no concurrent assignment bumped
// the counter since it was read.
func (r *Repository) IncrementIfUnchanged(ctx context.Context, id uuid.UUID, expectedLeadCount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities
		SET lead_count = lead_count + 1, total_count = total_count + 1, updated_at = now()
		WHERE id = $1 AND lead_count = $2 AND deleted_at IS NULL
	`, id, expectedLeadCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Increment implements assignment.Store.
func (r *Repository) Increment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities
		SET lead_count = lead_count + 1, total_count = total_count + 1, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Release decrements the rolling load for explicit reassignment/removal
// flows. Normal completion never calls this.
func (r *Repository) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities
		SET lead_count = GREATEST(lead_count - 1, 0), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAvailable toggles eligibility without losing historical load data.
func (r *Repository) SetAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities SET is_available = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete retires a record. Rows are never physically deleted, so
// historical load data survives.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availabilities SET deleted_at = now(), is_available = false, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
