// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"leadflow_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// OpportunityAssigned is published when the assignment engine hands an
// opportunity to a filtration handler. The notification boundary (chat
// platform webhooks, outside this core) subscribes to it.
type OpportunityAssigned struct {
	BaseEvent
	OpportunityID uuid.UUID `json:"opportunityId"`
	TraceID       string    `json:"traceId"`
	Process       string    `json:"process"`
	Destination   string    `json:"destination"`
	Source        string    `json:"source"`
	HandlerID     uuid.UUID `json:"handlerId"`
	HandlerName   string    `json:"handlerName"`
}

func (e OpportunityAssigned) EventName() string { return "pipeline.opportunity.assigned" }

// OpportunityQualified is published when an operator qualifies an opportunity
// out of filtration.
type OpportunityQualified struct {
	BaseEvent
	OpportunityID uuid.UUID `json:"opportunityId"`
	TraceID       string    `json:"traceId"`
}

func (e OpportunityQualified) EventName() string { return "pipeline.opportunity.qualified" }

// OpportunityPromoted is published when an opportunity enters the CRM phase.
type OpportunityPromoted struct {
	BaseEvent
	OpportunityID  uuid.UUID `json:"opportunityId"`
	TraceID        string    `json:"traceId"`
	ExternalLeadID string    `json:"externalLeadId"`
}

func (e OpportunityPromoted) EventName() string { return "pipeline.opportunity.promoted" }

// OpportunityStuck is published when an opportunity is parked for operator
// attention (no available handler, unresolved destination).
type OpportunityStuck struct {
	BaseEvent
	OpportunityID uuid.UUID `json:"opportunityId"`
	TraceID       string    `json:"traceId"`
	Reason        string    `json:"reason"`
}

func (e OpportunityStuck) EventName() string { return "pipeline.opportunity.stuck" }
