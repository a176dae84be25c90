// Package assignment selects which handler receives a new piece of work.
// Selection is load-balanced and source-aware: platform specialists are
// preferred when configured, with a source-agnostic fallback so no platform
// starves when no specialist exists.
package assignment

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

// Filtration/CRM processes a handler can serve.
const (
	ProcessPSV   = "PSV"
	ProcessWest  = "WEST"
	ProcessSales = "SALES"
)

// Availability is one handler's capacity record. LeadCount models rolling
// assignment load, not live caseload: it only increases through assignment and
// is decremented solely by explicit reassignment/removal flows.
type Availability struct {
	ID           uuid.UUID
	HandlerName  string
	Process      string
	Destinations []string
	Sources      []string // empty means source-agnostic
	IsAvailable  bool
	LeadCount    int
	TotalCount   int
	Seq          int64 // insertion order, used for deterministic tie-breaks
	DeletedAt    *time.Time
}

// ServesSource reports whether the handler is a specialist for the platform.
func (a Availability) ServesSource(source string) bool {
	for _, s := range a.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// Store is the persistence surface the engine needs. The increment operations
// must be atomic per record: a single conditional update, never a
// read-modify-write across the application layer.
type Store interface {
	// ListAvailable returns non-deleted, available records serving the
	// process and destination, ordered by Seq.
	ListAvailable(ctx context.Context, process, destination string) ([]Availability, error)

	// IncrementIfUnchanged bumps lead and total counts only when LeadCount
	// still equals expected. Returns false on a lost race.
	IncrementIfUnchanged(ctx context.Context, id uuid.UUID, expectedLeadCount int) (bool, error)

	// Increment bumps lead and total counts unconditionally (still a single
	// atomic statement per record).
	Increment(ctx context.Context, id uuid.UUID) error
}

// ErrNoAvailableHandler is returned when the candidate pool is empty after
// filtering. A business condition, not a crash.
var ErrNoAvailableHandler = apperr.NoHandler("no available handler for assignment")

// casAttempts bounds how often a lost low-load race is retried against a
// fresh read before falling back to an unconditional atomic increment.
const casAttempts = 3

type Engine struct {
	store Store
	log   *logger.Logger
}

func NewEngine(store Store, log *logger.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Assign picks the least-loaded eligible handler for (process, destination,
// source) and atomically increments its counters. Two concurrent assignments
// may briefly land on the same lightly-loaded handler after CAS retries are
// exhausted; the counter itself stays exact and the imbalance self-corrects
// on the next cycle.
func (e *Engine) Assign(ctx context.Context, process, destination, source string) (Availability, error) {
	for attempt := 0; attempt <= casAttempts; attempt++ {
		pool, err := e.store.ListAvailable(ctx, process, destination)
		if err != nil {
			return Availability{}, apperr.Transient("list availability", err).WithOp("assignment.Assign")
		}

		pick, ok := selectCandidate(pool, source)
		if !ok {
			return Availability{}, fmt.Errorf("%w: process=%s destination=%s", ErrNoAvailableHandler, process, destination)
		}

		if attempt == casAttempts {
			if err := e.store.Increment(ctx, pick.ID); err != nil {
				return Availability{}, apperr.Transient("increment lead count", err).WithOp("assignment.Assign")
			}
		} else {
			swapped, err := e.store.IncrementIfUnchanged(ctx, pick.ID, pick.LeadCount)
			if err != nil {
				return Availability{}, apperr.Transient("increment lead count", err).WithOp("assignment.Assign")
			}
			if !swapped {
				continue
			}
		}

		pick.LeadCount++
		pick.TotalCount++
		e.log.AssignmentEvent(process, destination, source, pick.ID.String(), pick.LeadCount)
		return pick, nil
	}

	// Unreachable: loop exits via return on every path of the last attempt.
	return Availability{}, ErrNoAvailableHandler
}

// selectCandidate applies the two-tier source filter, then picks the minimum
// LeadCount with the earliest Seq as tiebreak.
func selectCandidate(pool []Availability, source string) (Availability, bool) {
	if len(pool) == 0 {
		return Availability{}, false
	}

	// Prefer platform specialists only when at least one exists for this
	// process/destination; otherwise fall back to the full set.
	specialists := make([]Availability, 0, len(pool))
	for _, a := range pool {
		if a.ServesSource(source) {
			specialists = append(specialists, a)
		}
	}
	candidates := pool
	if len(specialists) > 0 {
		candidates = specialists
	}

	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.LeadCount < best.LeadCount || (a.LeadCount == best.LeadCount && a.Seq < best.Seq) {
			best = a
		}
	}
	return best, true
}
