// Package worker runs consumer-group worker pools over the durable queue.
// Each pool owns one (topic, group): N pollers pulling one message at a time
// plus a periodic sweeper applying the reclaim/dead-letter retry policy.
package worker

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/internal/queue"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

// Handler processes one queue message. Returned errors are mapped to queue
// outcomes by their apperr kind: data-integrity errors dead-letter the message
// immediately, no-handler errors acknowledge it, anything else leaves it
// pending for the reclaim sweep.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *queue.Message) error

// Handle calls the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

// Config configures one worker pool.
type Config struct {
	Topic         string
	Group         string
	Workers       int
	PollInterval  time.Duration
	SweepInterval time.Duration
	Policy        queue.RetryPolicy
}

// Pool is a fixed-size worker pool for one (topic, group).
type Pool struct {
	queue   queue.Queue
	handler Handler
	cfg     Config
	log     *logger.Logger
}

// NewPool creates a pool. Zero config fields get conservative defaults.
func NewPool(q queue.Queue, handler Handler, cfg Config, log *logger.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.Policy.MaxRetries < 1 {
		cfg.Policy.MaxRetries = 3
	}
	if cfg.Policy.ClaimTimeout <= 0 {
		cfg.Policy.ClaimTimeout = time.Minute
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, log: log}
}

// Run starts the pollers and the sweeper and blocks until ctx is cancelled.
// Shutdown is cooperative: a worker finishes its in-flight message before
// exiting, it only stops fetching new ones.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx, p.cfg.Topic, p.cfg.Group); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		consumerID := fmt.Sprintf("%s-%d", p.cfg.Group, i+1)
		g.Go(func() error {
			p.runWorker(gctx, consumerID)
			return nil
		})
	}
	g.Go(func() error {
		p.runSweeper(gctx, p.cfg.Group+"-sweeper")
		return nil
	})
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.queue.FetchNext(ctx, p.cfg.Topic, p.cfg.Group, consumerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("fetch failed", "topic", p.cfg.Topic, "group", p.cfg.Group, "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if msg == nil {
			// Absence of work is the common case, not an error: fixed backoff.
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.dispatch(ctx, msg)
	}
}

// dispatch runs the handler on a non-cancellable context so an in-flight
// message is never aborted mid-step during shutdown, then maps the outcome.
func (p *Pool) dispatch(ctx context.Context, msg *queue.Message) {
	procCtx := context.WithoutCancel(ctx)

	err := p.handler.Handle(procCtx, msg)
	if err == nil {
		if ackErr := p.queue.Acknowledge(procCtx, p.cfg.Topic, p.cfg.Group, msg.ID); ackErr != nil {
			p.log.Warn("ack failed", "topic", p.cfg.Topic, "message_id", msg.ID, "error", ackErr)
		}
		return
	}

	p.log.ProcessingError(p.cfg.Topic, p.cfg.Group, msg.ID, err)

	switch apperr.GetKind(err) {
	case apperr.KindDataIntegrity:
		// Not worth retrying; move it out of the way now.
		if dlErr := p.queue.DeadLetter(procCtx, p.cfg.Topic, p.cfg.Group, msg, err.Error()); dlErr != nil {
			p.log.Warn("dead-letter failed", "topic", p.cfg.Topic, "message_id", msg.ID, "error", dlErr)
		} else {
			p.log.QueueEvent("dead_letter", p.cfg.Topic, p.cfg.Group, msg.ID)
		}
	case apperr.KindNoHandler:
		// Business condition, not a crash: the opportunity stays unassigned
		// for operator attention and the message must not redeliver.
		if ackErr := p.queue.Acknowledge(procCtx, p.cfg.Topic, p.cfg.Group, msg.ID); ackErr != nil {
			p.log.Warn("ack failed", "topic", p.cfg.Topic, "message_id", msg.ID, "error", ackErr)
		}
	default:
		// Leave the message pending; the sweep reclaims it after ClaimTimeout.
	}
}

// runSweeper periodically applies the retry policy to stale pending entries.
// Safe to run from multiple instances: the claim itself is the atomic guard.
func (p *Pool) runSweeper(ctx context.Context, consumerID string) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.Sweep(ctx, consumerID)
	}
}

// Sweep runs one pass of the reclaim/dead-letter policy.
func (p *Pool) Sweep(ctx context.Context, consumerID string) {
	entries, err := p.queue.ListStalePending(ctx, p.cfg.Topic, p.cfg.Group)
	if err != nil {
		p.log.Warn("pending scan failed", "topic", p.cfg.Topic, "group", p.cfg.Group, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.Idle < p.cfg.Policy.ClaimTimeout {
			// Still being actively processed.
			continue
		}

		claimed, err := p.queue.Reclaim(ctx, p.cfg.Topic, p.cfg.Group, consumerID, entry.MessageID, p.cfg.Policy.ClaimTimeout)
		if err != nil {
			p.log.Warn("reclaim failed", "topic", p.cfg.Topic, "message_id", entry.MessageID, "error", err)
			continue
		}
		if claimed == nil {
			continue
		}

		if entry.DeliveryCount >= p.cfg.Policy.MaxRetries {
			procCtx := context.WithoutCancel(ctx)
			if dlErr := p.queue.DeadLetter(procCtx, p.cfg.Topic, p.cfg.Group, claimed, "max retries exceeded"); dlErr != nil {
				p.log.Warn("dead-letter failed", "topic", p.cfg.Topic, "message_id", claimed.ID, "error", dlErr)
			} else {
				p.log.QueueEvent("dead_letter", p.cfg.Topic, p.cfg.Group, claimed.ID)
			}
			continue
		}

		p.log.QueueEvent("reclaim", p.cfg.Topic, p.cfg.Group, claimed.ID)
		p.dispatch(ctx, claimed)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
