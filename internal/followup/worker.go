package followup

import (
	"context"
	"fmt"

	"leadflow_backend/internal/opportunity"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const actor = "system:followup"

// Store is the persistence surface the worker needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (opportunity.Opportunity, error)
	Update(ctx context.Context, o opportunity.Opportunity) error
	InsertActivity(ctx context.Context, a opportunity.Activity) error
	CompleteFollowUp(ctx context.Context, followUpID uuid.UUID) error
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	store  Store
	log    *logger.Logger
}

func NewWorker(cfg Config, store Store, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		store:  store,
		log:    log,
	}

	mux.HandleFunc(TaskFollowUpDue, w.handleFollowUpDue)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("follow-up worker stopped", "error", err)
	}
}

// handleFollowUpDue fires when the SLA for a promoted opportunity elapses.
// If the opportunity is still open in its fresh-lead CRM stage the handler has
// not acted, and it is advanced to the follow-up stage.
func (w *Worker) handleFollowUpDue(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseFollowUpDuePayload(task)
	if err != nil {
		return err
	}

	oppID, err := uuid.Parse(payload.OpportunityID)
	if err != nil {
		return err
	}
	followUpID, err := uuid.Parse(payload.FollowUpID)
	if err != nil {
		return err
	}

	log := w.log.WithTraceID(payload.TraceID)

	opp, err := w.store.GetByID(ctx, oppID)
	if err != nil {
		return err
	}

	if opp.Status != opportunity.StatusOpen {
		// Won, lost or otherwise moved on; the SLA no longer applies.
		return w.store.CompleteFollowUp(ctx, followUpID)
	}

	state, ok := opp.CRM()
	if !ok || state.Stage != opportunity.CRMFreshLead {
		return w.store.CompleteFollowUp(ctx, followUpID)
	}

	changes, err := opp.RecordCRMFollowUp()
	if err != nil {
		return err
	}
	if err := w.store.Update(ctx, opp); err != nil {
		return err
	}
	if err := w.store.InsertActivity(ctx, opportunity.NewActivity(&opp, actor, changes)); err != nil {
		return err
	}
	if err := w.store.CompleteFollowUp(ctx, followUpID); err != nil {
		return err
	}

	log.Info("follow-up SLA elapsed, opportunity moved to follow-up stage", "opportunity_id", opp.ID)
	return nil
}
