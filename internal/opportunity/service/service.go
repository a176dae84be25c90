// Package service exposes the operator-driven lifecycle operations: the
// automated consumers handle intake and promotion, while qualification,
// disqualification and CRM outcomes come from handlers working their queues.
package service

import (
	"context"

	"leadflow_backend/internal/events"
	"leadflow_backend/internal/opportunity"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

// Store is the persistence surface the service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (opportunity.Opportunity, error)
	Update(ctx context.Context, o opportunity.Opportunity) error
	InsertActivity(ctx context.Context, a opportunity.Activity) error
	ListActivities(ctx context.Context, opportunityID uuid.UUID) ([]opportunity.Activity, error)
}

// Publisher is the queue surface used to hand qualified work downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]string) (string, error)
}

type Service struct {
	store     Store
	publisher Publisher
	syncTopic string
	bus       events.Bus
	log       *logger.Logger
}

func New(store Store, publisher Publisher, syncTopic string, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		syncTopic: syncTopic,
		bus:       bus,
		log:       log,
	}
}

// Qualify marks a filtration opportunity qualified and publishes it on the
// sync topic for promotion into the CRM.
func (s *Service) Qualify(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.Qualify()
	})
	if err != nil {
		return opportunity.Opportunity{}, err
	}

	if _, err := s.publisher.Publish(ctx, s.syncTopic, map[string]string{
		"opportunityId": opp.ID.String(),
		"traceId":       opp.TraceID,
	}); err != nil {
		return opportunity.Opportunity{}, apperr.Transient("publish to sync topic", err).WithOp("service.Qualify")
	}

	s.bus.Publish(ctx, events.OpportunityQualified{
		BaseEvent:     events.NewBaseEvent(),
		OpportunityID: opp.ID,
		TraceID:       opp.TraceID,
	})
	s.log.Info("opportunity qualified", "opportunity_id", opp.ID, "actor", actor)
	return opp, nil
}

// Disqualify terminates a filtration opportunity with the given reasons.
func (s *Service) Disqualify(ctx context.Context, id uuid.UUID, actor string, reasons []string) (opportunity.Opportunity, error) {
	if len(reasons) == 0 {
		return opportunity.Opportunity{}, apperr.Validation("disqualification requires at least one reason")
	}
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.Disqualify(reasons)
	})
	return opp, err
}

// RecordFollowUp advances a filtration opportunity to its next follow-up.
func (s *Service) RecordFollowUp(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.AdvanceFollowUp()
	})
	return opp, err
}

// Win closes an open opportunity as won.
func (s *Service) Win(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.Win()
	})
	return opp, err
}

// Lose closes an open opportunity as lost.
func (s *Service) Lose(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.Lose()
	})
	return opp, err
}

// CloseForFuture parks an open opportunity for a later follow-up round.
func (s *Service) CloseForFuture(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.CloseForFuture()
	})
	return opp, err
}

// Reopen returns a closed-for-future opportunity to the follow-up stage.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID, actor string) (opportunity.Opportunity, error) {
	opp, _, err := s.apply(ctx, id, actor, func(o *opportunity.Opportunity) ([]opportunity.Change, error) {
		return o.Reopen()
	})
	return opp, err
}

// History returns the audit trail for an opportunity.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]opportunity.Activity, error) {
	return s.store.ListActivities(ctx, id)
}

func (s *Service) apply(
	ctx context.Context,
	id uuid.UUID,
	actor string,
	mutate func(*opportunity.Opportunity) ([]opportunity.Change, error),
) (opportunity.Opportunity, []opportunity.Change, error) {
	opp, err := s.store.GetByID(ctx, id)
	if err != nil {
		return opportunity.Opportunity{}, nil, err
	}

	changes, err := mutate(&opp)
	if err != nil {
		return opportunity.Opportunity{}, nil, err
	}

	if err := s.store.Update(ctx, opp); err != nil {
		return opportunity.Opportunity{}, nil, apperr.Transient("persist opportunity", err).WithOp("service.apply")
	}
	if err := s.store.InsertActivity(ctx, opportunity.NewActivity(&opp, actor, changes)); err != nil {
		return opportunity.Opportunity{}, nil, apperr.Transient("append activity", err).WithOp("service.apply")
	}
	return opp, changes, nil
}
