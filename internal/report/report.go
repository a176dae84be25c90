// Package report periodically surfaces pipeline health for operators: queue
// depth and dead-letter counts per consumer group, plus opportunities parked
// without anyone to work them.
package report

import (
	"context"
	"time"

	"leadflow_backend/internal/opportunity"
	"leadflow_backend/internal/queue"
	"leadflow_backend/platform/logger"
)

// StuckLister enumerates opportunities waiting on operator attention.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration) ([]opportunity.Opportunity, error)
}

// Group names one (topic, consumer group) pair to watch.
type Group struct {
	Topic string
	Group string
}

type Reporter struct {
	queue    queue.Queue
	store    StuckLister
	groups   []Group
	interval time.Duration
	stuckAge time.Duration
	log      *logger.Logger
}

func NewReporter(q queue.Queue, store StuckLister, groups []Group, interval time.Duration, log *logger.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		queue:    q,
		store:    store,
		groups:   groups,
		interval: interval,
		stuckAge: 30 * time.Minute,
		log:      log,
	}
}

// Run emits one report per interval until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	for _, g := range r.groups {
		stats, err := r.queue.GroupStats(ctx, g.Topic, g.Group)
		if err != nil {
			r.log.Error("queue stats unavailable", "topic", g.Topic, "group", g.Group, "error", err)
			continue
		}
		r.log.Info("queue health",
			"topic", g.Topic,
			"group", g.Group,
			"pending", stats.Pending,
			"dead_letters", stats.DeadLetters,
		)
		if stats.DeadLetters > 0 {
			r.log.Warn("dead letters need operator review",
				"topic", queue.DeadLetterTopic(g.Topic, g.Group),
				"count", stats.DeadLetters,
			)
		}
	}

	stuck, err := r.store.ListStuck(ctx, r.stuckAge)
	if err != nil {
		r.log.Error("stuck opportunity scan failed", "error", err)
		return
	}
	for _, opp := range stuck {
		r.log.Warn("opportunity stuck",
			"opportunity_id", opp.ID,
			"trace_id", opp.TraceID,
			"status", opp.Status,
			"updated_at", opp.UpdatedAt,
		)
	}
}
