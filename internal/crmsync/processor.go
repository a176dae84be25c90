// Package crmsync consumes the sync topic and pushes qualified opportunities
// into the external CRM: contact lookup or creation, opportunity creation,
// sales assignment and the follow-up SLA. Every step is written to replay
// safely because the queue redelivers on any transient failure.
package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow_backend/internal/assignment"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/followup"
	"leadflow_backend/internal/opportunity"
	"leadflow_backend/internal/opportunity/repository"
	"leadflow_backend/internal/queue"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

const actor = "system:crmsync"

// OpportunityStore is the persistence surface the processor needs.
type OpportunityStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (opportunity.Opportunity, error)
	Update(ctx context.Context, o opportunity.Opportunity) error
	InsertActivity(ctx context.Context, a opportunity.Activity) error
	HasOpenFollowUp(ctx context.Context, opportunityID uuid.UUID) (bool, error)
	CreateFollowUp(ctx context.Context, opportunityID uuid.UUID, handlerID *uuid.UUID, dueAt time.Time) (uuid.UUID, error)
}

// Assigner selects a sales handler for the promoted opportunity.
type Assigner interface {
	Assign(ctx context.Context, process, destination, source string) (assignment.Availability, error)
}

type Processor struct {
	store     OpportunityStore
	crm       CRMClient
	assigner  Assigner
	scheduler followup.Scheduler
	sla       time.Duration
	bus       events.Bus
	log       *logger.Logger
}

func NewProcessor(
	store OpportunityStore,
	crm CRMClient,
	assigner Assigner,
	scheduler followup.Scheduler,
	sla time.Duration,
	bus events.Bus,
	log *logger.Logger,
) *Processor {
	return &Processor{
		store:     store,
		crm:       crm,
		assigner:  assigner,
		scheduler: scheduler,
		sla:       sla,
		bus:       bus,
		log:       log,
	}
}

// Handle processes one sync message: it promotes the referenced opportunity
// into the external CRM. Redeliveries resume from wherever the prior attempt
// stopped; completed pushes short-circuit on the stored external id.
func (p *Processor) Handle(ctx context.Context, msg *queue.Message) error {
	oppID, err := uuid.Parse(msg.Payload["opportunityId"])
	if err != nil {
		return apperr.Wrap(apperr.KindDataIntegrity, "sync message without opportunity id", err).WithOp("crmsync.Handle")
	}

	opp, err := p.store.GetByID(ctx, oppID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) || errors.Is(err, repository.ErrNotFound) {
			return apperr.DataIntegrity(fmt.Sprintf("opportunity %s not found", oppID)).WithOp("crmsync.Handle")
		}
		return apperr.Transient("load opportunity", err).WithOp("crmsync.Handle")
	}

	log := p.log.WithTraceID(opp.TraceID)

	if opp.Status.Terminal() {
		log.Debug("sync skipped for terminal opportunity", "opportunity_id", opp.ID, "status", opp.Status)
		return nil
	}

	// A qualified opportunity without a destination cannot be pushed yet.
	if opp.Destination == nil || *opp.Destination == "" {
		return p.deferUnresolved(ctx, log, opp)
	}

	if state, ok := opp.CRM(); ok && state.ExternalOpportunityID != "" {
		// Prior delivery completed the push. Only the SLA may be missing.
		return p.ensureFollowUp(ctx, log, opp, state.HandlerID)
	}

	handlerID, err := p.resolveHandler(ctx, log, opp)
	if err != nil {
		return err
	}

	externalLeadID, externalOppID, err := p.push(ctx, opp)
	if err != nil {
		return err
	}

	changes, err := opp.Promote(handlerID, externalLeadID, externalOppID, time.Now())
	if err != nil {
		return err
	}
	if err := p.store.Update(ctx, opp); err != nil {
		return apperr.Transient("persist promotion", err).WithOp("crmsync.Handle")
	}
	if err := p.store.InsertActivity(ctx, opportunity.NewActivity(&opp, actor, changes)); err != nil {
		return apperr.Transient("append activity", err).WithOp("crmsync.Handle")
	}

	p.bus.Publish(ctx, events.OpportunityPromoted{
		BaseEvent:      events.NewBaseEvent(),
		OpportunityID:  opp.ID,
		TraceID:        opp.TraceID,
		ExternalLeadID: externalLeadID,
	})
	log.Info("opportunity promoted to CRM",
		"opportunity_id", opp.ID,
		"external_lead_id", externalLeadID,
		"external_opportunity_id", externalOppID,
	)

	return p.ensureFollowUp(ctx, log, opp, handlerID)
}

// deferUnresolved parks the opportunity until an operator resolves its
// destination. The message is acknowledged; qualification republishes later.
func (p *Processor) deferUnresolved(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity) error {
	if opp.Status == opportunity.StatusUpcomingFreshLead {
		return nil
	}

	changes, err := opp.ParkUpcoming()
	if err != nil {
		// Already past the point of parking; record the stall instead.
		log.Warn("sync received opportunity without destination", "opportunity_id", opp.ID, "status", opp.Status)
		return nil
	}
	if err := p.store.Update(ctx, opp); err != nil {
		return apperr.Transient("persist deferral", err).WithOp("crmsync.deferUnresolved")
	}
	if err := p.store.InsertActivity(ctx, opportunity.NewActivity(&opp, actor, changes)); err != nil {
		return apperr.Transient("append activity", err).WithOp("crmsync.deferUnresolved")
	}
	log.Info("sync deferred, destination unresolved", "opportunity_id", opp.ID)
	return nil
}

// resolveHandler keeps the handler that carried the opportunity through
// filtration, or assigns a sales handler when none is attached.
func (p *Processor) resolveHandler(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity) (*uuid.UUID, error) {
	if opp.HandlerID != nil {
		return opp.HandlerID, nil
	}

	avail, err := p.assigner.Assign(ctx, assignment.ProcessSales, *opp.Destination, opp.Source)
	if err != nil {
		if errors.Is(err, assignment.ErrNoAvailableHandler) {
			if aerr := p.recordStall(ctx, opp); aerr != nil {
				return nil, aerr
			}
			log.Warn("no sales handler available", "opportunity_id", opp.ID)
		}
		return nil, err
	}
	return &avail.ID, nil
}

// recordStall appends an activity so operators can see the opportunity is
// waiting for sales capacity. The message itself is acknowledged.
func (p *Processor) recordStall(ctx context.Context, opp opportunity.Opportunity) error {
	a := opportunity.NewActivity(&opp, actor, []opportunity.Change{
		{Field: "sync", To: "stalled: no available sales handler"},
	})
	if err := p.store.InsertActivity(ctx, a); err != nil {
		return apperr.Transient("append stall activity", err).WithOp("crmsync.recordStall")
	}
	p.bus.Publish(ctx, events.OpportunityStuck{
		BaseEvent:     events.NewBaseEvent(),
		OpportunityID: opp.ID,
		TraceID:       opp.TraceID,
		Reason:        "no available sales handler",
	})
	return nil
}

// push materializes the contact and the deal in the external CRM. The contact
// lookup first makes lead creation idempotent across redeliveries; opportunity
// creation relies on the CRM deduplicating on the trace id it is handed.
func (p *Processor) push(ctx context.Context, opp opportunity.Opportunity) (string, string, error) {
	externalLeadID, exists, err := p.crm.CheckLeadExists(ctx, opp.Phone)
	if err != nil {
		return "", "", err
	}
	if !exists {
		lead := CRMLead{Name: opp.Name, Phone: opp.Phone}
		if opp.Email != nil {
			lead.Email = *opp.Email
		}
		externalLeadID, err = p.crm.CreateLead(ctx, lead)
		if err != nil {
			return "", "", err
		}
	}

	externalOppID, err := p.crm.CreateOpportunity(ctx, CRMOpportunity{
		LeadID:      externalLeadID,
		Title:       opp.Name,
		Destination: *opp.Destination,
		Source:      opp.Source,
		TraceID:     opp.TraceID,
	})
	if err != nil {
		return "", "", err
	}
	return externalLeadID, externalOppID, nil
}

// ensureFollowUp creates the SLA follow-up record and schedules its due check
// exactly once per promotion.
func (p *Processor) ensureFollowUp(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity, handlerID *uuid.UUID) error {
	open, err := p.store.HasOpenFollowUp(ctx, opp.ID)
	if err != nil {
		return apperr.Transient("follow-up lookup", err).WithOp("crmsync.ensureFollowUp")
	}
	if open {
		return nil
	}

	dueAt := time.Now().Add(p.sla)
	followUpID, err := p.store.CreateFollowUp(ctx, opp.ID, handlerID, dueAt)
	if err != nil {
		return apperr.Transient("create follow-up", err).WithOp("crmsync.ensureFollowUp")
	}

	err = p.scheduler.ScheduleFollowUpDue(ctx, followup.FollowUpDuePayload{
		OpportunityID: opp.ID.String(),
		FollowUpID:    followUpID.String(),
		TraceID:       opp.TraceID,
	}, dueAt)
	if err != nil {
		return apperr.Transient("schedule follow-up", err).WithOp("crmsync.ensureFollowUp")
	}

	log.Debug("follow-up scheduled", "opportunity_id", opp.ID, "due_at", dueAt)
	return nil
}
