// Package intake consumes the intake topic and drives each inbound lead
// through deduplication, profile resolution, classification and routing.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadflow_backend/internal/assignment"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/opportunity"
	"leadflow_backend/internal/queue"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/phone"
	"leadflow_backend/platform/validator"

	"github.com/google/uuid"
)

const actor = "system:intake"

// traceNamespace seeds deterministic trace-id derivation from queue message
// ids, which keys idempotent opportunity creation across redeliveries.
var traceNamespace = uuid.MustParse("8f1f2c60-4b6e-4e3a-9a6b-1d2f5c7e9a01")

// LeadData is the contact payload intake producers publish.
type LeadData struct {
	Name        string `json:"name" validate:"required"`
	Phone       string `json:"phone" validate:"required"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Destination string `json:"destination,omitempty"`
	Deferred    bool   `json:"deferred,omitempty"` // explicitly deferred destination intent
}

// OpportunityStore is the persistence surface the processor needs.
type OpportunityStore interface {
	CreateIdempotent(ctx context.Context, o opportunity.Opportunity) (opportunity.Opportunity, bool, error)
	Update(ctx context.Context, o opportunity.Opportunity) error
	FindActiveDuplicate(ctx context.Context, phone string, email *string, destination *string, excludeID uuid.UUID) (*opportunity.Opportunity, error)
	FindOrCreateLead(ctx context.Context, name, phoneNumber string, email *string) (opportunity.Lead, error)
	InsertActivity(ctx context.Context, a opportunity.Activity) error
}

// ProcessResolver maps a destination onto a filtration process.
type ProcessResolver interface {
	Resolve(ctx context.Context, destination *string) (opportunity.FilterType, error)
}

// Assigner selects a handler for a (process, destination, source) tuple.
type Assigner interface {
	Assign(ctx context.Context, process, destination, source string) (assignment.Availability, error)
}

// Publisher is the queue surface used to hand qualified work downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]string) (string, error)
}

type Processor struct {
	store     OpportunityStore
	resolver  ProcessResolver
	assigner  Assigner
	publisher Publisher
	syncTopic string
	bus       events.Bus
	val       *validator.Validator
	log       *logger.Logger
}

func NewProcessor(
	store OpportunityStore,
	resolver ProcessResolver,
	assigner Assigner,
	publisher Publisher,
	syncTopic string,
	bus events.Bus,
	val *validator.Validator,
	log *logger.Logger,
) *Processor {
	return &Processor{
		store:     store,
		resolver:  resolver,
		assigner:  assigner,
		publisher: publisher,
		syncTopic: syncTopic,
		bus:       bus,
		val:       val,
		log:       log,
	}
}

// Handle processes one intake message. The worker acknowledges only on a nil
// or no-handler return; every step before that must be safe to replay.
func (p *Processor) Handle(ctx context.Context, msg *queue.Message) error {
	source, lead, err := p.parse(msg)
	if err != nil {
		return err
	}

	traceID := uuid.NewSHA1(traceNamespace, []byte(msg.ID)).String()
	log := p.log.WithTraceID(traceID)

	opp, created, err := p.resolveOpportunity(ctx, msg.ID, traceID, source, lead)
	if err != nil {
		return err
	}
	if !created && opp.Status != opportunity.StatusUnderProcessing {
		return p.replay(ctx, log, opp)
	}

	// Duplicate check: an active opportunity for the same contact and
	// destination means this one is retained for audit only.
	prior, err := p.store.FindActiveDuplicate(ctx, opp.Phone, opp.Email, opp.Destination, opp.ID)
	if err != nil {
		return apperr.Transient("duplicate lookup", err).WithOp("intake.Handle")
	}
	if prior != nil {
		return p.markDuplicate(ctx, log, opp, prior.ID)
	}

	// Lead profile resolution (skipped for duplicates).
	profile, err := p.store.FindOrCreateLead(ctx, opp.Name, opp.Phone, opp.Email)
	if err != nil {
		return apperr.Transient("lead resolution", err).WithOp("intake.Handle")
	}
	opp.LeadID = &profile.ID

	filter := opportunity.FilterUpcoming
	if !lead.Deferred {
		filter, err = p.resolver.Resolve(ctx, opp.Destination)
		if err != nil {
			return err
		}
	}

	return p.route(ctx, log, opp, filter, source)
}

// replay handles a redelivered message whose routing already completed. An
// opportunity stored OPEN without an external CRM id means a prior delivery
// crashed between persisting the open status and publishing to the sync
// topic, so the publish is retried before acknowledging. The downstream
// processor tolerates the duplicate through its existence check and
// external-id short circuit.
func (p *Processor) replay(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity) error {
	if crm, ok := opp.CRM(); ok && opp.Status == opportunity.StatusOpen && crm.ExternalOpportunityID == "" {
		if _, err := p.publisher.Publish(ctx, p.syncTopic, syncPayload(opp)); err != nil {
			return apperr.Transient("publish to sync topic", err).WithOp("intake.replay")
		}
		log.Info("sync publish recovered on redelivery", "opportunity_id", opp.ID)
		return nil
	}
	log.Debug("intake replay ignored", "opportunity_id", opp.ID)
	return nil
}

func (p *Processor) parse(msg *queue.Message) (string, LeadData, error) {
	source := msg.Payload["source"]
	if source == "" {
		return "", LeadData{}, apperr.DataIntegrity("intake message without source").WithOp("intake.parse")
	}

	var lead LeadData
	if err := json.Unmarshal([]byte(msg.Payload["lead"]), &lead); err != nil {
		return "", LeadData{}, apperr.Wrap(apperr.KindDataIntegrity, "malformed lead payload", err).WithOp("intake.parse")
	}
	if err := p.val.Struct(lead); err != nil {
		return "", LeadData{}, apperr.Wrap(apperr.KindDataIntegrity, "invalid lead payload", err).WithOp("intake.parse")
	}
	return source, lead, nil
}

func (p *Processor) resolveOpportunity(ctx context.Context, messageID, traceID, source string, lead LeadData) (opportunity.Opportunity, bool, error) {
	opp := opportunity.Opportunity{
		ID:      uuid.New(),
		TraceID: traceID,
		Name:    lead.Name,
		Phone:   phone.NormalizeE164(lead.Phone),
		Source:  source,
		Status:  opportunity.StatusUnderProcessing,
	}
	if lead.Email != "" {
		email := lead.Email
		opp.Email = &email
	}
	if lead.Destination != "" {
		destination := lead.Destination
		opp.Destination = &destination
	}

	stored, created, err := p.store.CreateIdempotent(ctx, opp)
	if err != nil {
		return opportunity.Opportunity{}, false, apperr.Transient("opportunity creation", err).WithOp("intake.Handle")
	}
	if created {
		p.log.Debug("opportunity created", "trace_id", traceID, "message_id", messageID)
	}
	return stored, created, nil
}

func (p *Processor) markDuplicate(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity, of uuid.UUID) error {
	changes, err := opp.MarkDuplicate(of)
	if err != nil {
		return err
	}
	if err := p.persist(ctx, opp, changes); err != nil {
		return err
	}
	log.Info("duplicate opportunity parked", "opportunity_id", opp.ID, "duplicate_of", of)
	return nil
}

func (p *Processor) route(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity, filter opportunity.FilterType, source string) error {
	switch filter {
	case opportunity.FilterNone:
		return p.openDirect(ctx, log, opp)
	case opportunity.FilterPSV, opportunity.FilterWest:
		return p.enterFiltration(ctx, log, opp, filter, source)
	case opportunity.FilterUnknown:
		changes, err := opp.ParkUnknown()
		if err != nil {
			return err
		}
		return p.persist(ctx, opp, changes)
	case opportunity.FilterUpcoming:
		changes, err := opp.ParkUpcoming()
		if err != nil {
			return err
		}
		return p.persist(ctx, opp, changes)
	}
	return apperr.DataIntegrity(fmt.Sprintf("unknown filter type %q", filter)).WithOp("intake.route")
}

// openDirect opens a NO_FILTER opportunity straight into the CRM phase and
// publishes it on the sync topic before the message is acknowledged, so the
// status update and the downstream publish share one logical transaction.
func (p *Processor) openDirect(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity) error {
	changes, err := opp.OpenDirect(time.Now())
	if err != nil {
		return err
	}
	if err := p.persist(ctx, opp, changes); err != nil {
		return err
	}

	if _, err := p.publisher.Publish(ctx, p.syncTopic, syncPayload(opp)); err != nil {
		return apperr.Transient("publish to sync topic", err).WithOp("intake.openDirect")
	}
	log.Info("opportunity opened without filtration", "opportunity_id", opp.ID)
	return nil
}

func (p *Processor) enterFiltration(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity, filter opportunity.FilterType, source string) error {
	destination := ""
	if opp.Destination != nil {
		destination = *opp.Destination
	}

	avail, err := p.assigner.Assign(ctx, string(filter), destination, source)
	if err != nil {
		if errors.Is(err, assignment.ErrNoAvailableHandler) {
			return p.parkUnassigned(ctx, log, opp, filter, err)
		}
		return err
	}

	changes, err := opp.EnterFiltration(filter, avail.ID)
	if err != nil {
		return err
	}
	if err := p.persist(ctx, opp, changes); err != nil {
		return err
	}

	p.bus.Publish(ctx, events.OpportunityAssigned{
		BaseEvent:     events.NewBaseEvent(),
		OpportunityID: opp.ID,
		TraceID:       opp.TraceID,
		Process:       string(filter),
		Destination:   destination,
		Source:        source,
		HandlerID:     avail.ID,
		HandlerName:   avail.HandlerName,
	})
	log.Info("opportunity routed", "opportunity_id", opp.ID, "process", filter, "handler_id", avail.ID)
	return nil
}

// parkUnassigned records the opportunity inside its filtration process with no
// handler, then surfaces the no-handler condition so the worker acknowledges.
func (p *Processor) parkUnassigned(ctx context.Context, log *logger.Logger, opp opportunity.Opportunity, filter opportunity.FilterType, cause error) error {
	changes, err := opp.EnterFiltrationUnassigned(filter)
	if err != nil {
		return err
	}
	if err := p.persist(ctx, opp, changes); err != nil {
		return err
	}

	p.bus.Publish(ctx, events.OpportunityStuck{
		BaseEvent:     events.NewBaseEvent(),
		OpportunityID: opp.ID,
		TraceID:       opp.TraceID,
		Reason:        "no available handler",
	})
	log.Warn("opportunity parked unassigned", "opportunity_id", opp.ID, "process", filter)
	return cause
}

func (p *Processor) persist(ctx context.Context, opp opportunity.Opportunity, changes []opportunity.Change) error {
	if err := p.store.Update(ctx, opp); err != nil {
		return apperr.Transient("persist opportunity", err).WithOp("intake.persist")
	}
	if err := p.store.InsertActivity(ctx, opportunity.NewActivity(&opp, actor, changes)); err != nil {
		return apperr.Transient("append activity", err).WithOp("intake.persist")
	}
	return nil
}

func syncPayload(opp opportunity.Opportunity) map[string]string {
	return map[string]string{
		"opportunityId": opp.ID.String(),
		"traceId":       opp.TraceID,
	}
}
