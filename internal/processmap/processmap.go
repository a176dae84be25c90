// Package processmap resolves which filtration process a lead's destination
// enters. This is distinct from who handles the lead: the map splits traffic
// across processes by configured load share, the assignment engine then picks
// a handler inside the chosen process.
package processmap

import (
	"context"

	"leadflow_backend/internal/opportunity"
	"leadflow_backend/platform/apperr"

	"github.com/google/uuid"
)

// Entry is one per-process destination eligibility row with its traffic split.
type Entry struct {
	ID          uuid.UUID
	Process     opportunity.FilterType
	Destination string
	LoadShare   int   // relative weight of this process for the destination
	Counter     int64 // running count of leads routed through this row
	Seq         int64
}

// Store is the persistence surface the resolver needs.
type Store interface {
	ListForDestination(ctx context.Context, destination string) ([]Entry, error)
	IncrementCounter(ctx context.Context, id uuid.UUID) error
}

// Resolver picks a filtration process for a destination, weighted by load
// share via the running counters.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the filtration process for a destination. Destinations with
// no mapping resolve to UNKNOWN for manual resolution. nil destinations are
// UPCOMING: the lead deferred choosing one.
func (r *Resolver) Resolve(ctx context.Context, destination *string) (opportunity.FilterType, error) {
	if destination == nil || *destination == "" {
		return opportunity.FilterUpcoming, nil
	}

	entries, err := r.store.ListForDestination(ctx, *destination)
	if err != nil {
		return "", apperr.Transient("resolve destination process", err).WithOp("processmap.Resolve")
	}
	if len(entries) == 0 {
		return opportunity.FilterUnknown, nil
	}

	pick := pickWeighted(entries)
	if err := r.store.IncrementCounter(ctx, pick.ID); err != nil {
		return "", apperr.Transient("advance process counter", err).WithOp("processmap.Resolve")
	}
	return pick.Process, nil
}

// pickWeighted chooses the entry furthest behind its load share: the one with
// the lowest counter-to-share ratio, Seq breaking ties for determinism.
// Over time routed counts converge on the configured split.
func pickWeighted(entries []Entry) Entry {
	best := entries[0]
	bestRatio := ratio(best)
	for _, e := range entries[1:] {
		r := ratio(e)
		if r < bestRatio || (r == bestRatio && e.Seq < best.Seq) {
			best = e
			bestRatio = r
		}
	}
	return best
}

func ratio(e Entry) float64 {
	share := e.LoadShare
	if share < 1 {
		share = 1
	}
	return float64(e.Counter) / float64(share)
}
