package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadflow_backend/internal/assignment"
	assignmentrepo "leadflow_backend/internal/assignment/repository"
	"leadflow_backend/internal/config"
	"leadflow_backend/internal/crmsync"
	domainevents "leadflow_backend/internal/events"
	"leadflow_backend/internal/followup"
	"leadflow_backend/internal/intake"
	opportunityrepo "leadflow_backend/internal/opportunity/repository"
	"leadflow_backend/internal/processmap"
	"leadflow_backend/internal/queue"
	"leadflow_backend/internal/report"
	"leadflow_backend/internal/worker"
	"leadflow_backend/platform/db"
	"leadflow_backend/platform/events"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting pipeline", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, cfg, cfg.MigrationsDir); err != nil {
		log.Error("failed to run migrations", "error", err)
		panic("failed to run migrations: " + err.Error())
	}

	var q *queue.Streams
	if err := withRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		s, err := queue.NewStreamsFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		q = s
		return nil
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = q.Close() }()

	eventBus := events.NewInMemoryBus(log)
	subscribeNotifications(eventBus, log)
	val := validator.New()

	oppRepo := opportunityrepo.New(pool)
	availRepo := assignmentrepo.New(pool)
	engine := assignment.NewEngine(availRepo, log)
	resolver := processmap.NewResolver(processmap.NewRepository(pool))

	scheduler, err := followup.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize follow-up scheduler", "error", err)
		panic("failed to initialize follow-up scheduler: " + err.Error())
	}
	defer func() { _ = scheduler.Close() }()

	crmClient := crmsync.NewClient(crmsync.ClientConfig{
		BaseURL:   cfg.CRMBaseURL,
		APIKey:    cfg.CRMAPIKey,
		Timeout:   cfg.CRMTimeout,
		RateLimit: cfg.CRMRateLimit,
	}, log)

	intakeProcessor := intake.NewProcessor(oppRepo, resolver, engine, q, cfg.SyncTopic, eventBus, val, log)
	syncProcessor := crmsync.NewProcessor(oppRepo, crmClient, engine, scheduler, cfg.FollowUpSLA, eventBus, log)

	policy := queue.RetryPolicy{
		MaxRetries:   int64(cfg.QueueMaxRetries),
		ClaimTimeout: cfg.QueueClaimTimeout,
	}

	intakePool := worker.NewPool(q, intakeProcessor, worker.Config{
		Topic:         cfg.IntakeTopic,
		Group:         cfg.IntakeGroup,
		Workers:       cfg.IntakeWorkers,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		Policy:        policy,
	}, log)

	syncPool := worker.NewPool(q, syncProcessor, worker.Config{
		Topic:         cfg.SyncTopic,
		Group:         cfg.SyncGroup,
		Workers:       cfg.SyncWorkers,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		Policy:        policy,
	}, log)

	followUpWorker, err := followup.NewWorker(cfg, oppRepo, log)
	if err != nil {
		log.Error("failed to initialize follow-up worker", "error", err)
		panic("failed to initialize follow-up worker: " + err.Error())
	}

	reporter := report.NewReporter(q, oppRepo, []report.Group{
		{Topic: cfg.IntakeTopic, Group: cfg.IntakeGroup},
		{Topic: cfg.SyncTopic, Group: cfg.SyncGroup},
	}, time.Minute, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return intakePool.Run(gctx) })
	g.Go(func() error { return syncPool.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error {
		followUpWorker.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	log.Info("pipeline stopped")
}

// subscribeNotifications attaches the notification boundary to the event bus.
// Until a chat webhook sender is wired in, every opportunity event is logged
// so the stream stays observable.
func subscribeNotifications(bus domainevents.Bus, log *logger.Logger) {
	notify := domainevents.HandlerFunc(func(_ context.Context, e domainevents.Event) error {
		switch ev := e.(type) {
		case domainevents.OpportunityAssigned:
			log.Info("opportunity assigned", "opportunity_id", ev.OpportunityID, "process", ev.Process, "handler", ev.HandlerName)
		case domainevents.OpportunityQualified:
			log.Info("opportunity qualified", "opportunity_id", ev.OpportunityID, "trace_id", ev.TraceID)
		case domainevents.OpportunityPromoted:
			log.Info("opportunity promoted", "opportunity_id", ev.OpportunityID, "external_lead_id", ev.ExternalLeadID)
		case domainevents.OpportunityStuck:
			log.Warn("opportunity stuck", "opportunity_id", ev.OpportunityID, "reason", ev.Reason)
		}
		return nil
	})

	for _, name := range []string{
		domainevents.OpportunityAssigned{}.EventName(),
		domainevents.OpportunityQualified{}.EventName(),
		domainevents.OpportunityPromoted{}.EventName(),
		domainevents.OpportunityStuck{}.EventName(),
	} {
		bus.Subscribe(name, notify)
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
