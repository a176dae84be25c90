package processmap

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListForDestination implements Store.
func (r *Repository) ListForDestination(ctx context.Context, destination string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, process, destination, load_share, counter, seq
		FROM process_destination_map
		WHERE destination = $1
		ORDER BY seq ASC
	`, destination)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Process, &e.Destination, &e.LoadShare, &e.Counter, &e.Seq); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// IncrementCounter implements Store. A single atomic statement, mirroring the
// availability counter discipline.
func (r *Repository) IncrementCounter(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE process_destination_map SET counter = counter + 1 WHERE id = $1
	`, id)
	return err
}

// Upsert configures a destination's eligibility for a process (administrator
// action).
func (r *Repository) Upsert(ctx context.Context, process, destination string, loadShare int) (Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx, `
		INSERT INTO process_destination_map (id, process, destination, load_share)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (process, destination) DO UPDATE SET load_share = EXCLUDED.load_share
		RETURNING id, process, destination, load_share, counter, seq
	`, uuid.New(), process, destination, loadShare).Scan(
		&e.ID, &e.Process, &e.Destination, &e.LoadShare, &e.Counter, &e.Seq,
	)
	return e, err
}
