// Package opportunity holds the central aggregate of the lead pipeline and its
// lifecycle state machine. An Opportunity is one lead's journey from intake
// through filtration into the CRM phase; phase-specific state is a tagged
// union so filtration and CRM metadata can never be populated together.
package opportunity

import (
	"time"

	"github.com/google/uuid"
)

// Status is the top-level lifecycle state.
type Status string

const (
	StatusUnderProcessing   Status = "UNDER_PROCESSING"
	StatusInPSV             Status = "IN_PSV"
	StatusInWest            Status = "IN_WEST"
	StatusResolvingUnknown  Status = "RESOLVING_UNKNOWN"
	StatusUpcomingFreshLead Status = "UPCOMING_FRESH_LEAD"
	StatusOpen              Status = "OPEN"
	StatusDormant           Status = "DORMANT"
	StatusDisqualified      Status = "DISQUALIFIED"
	StatusWon               Status = "WON"
	StatusLost              Status = "LOST"
)

// Terminal reports whether no further automated transition leaves the status.
// CLOSED_FOR_FUTURE_FOLLOWUP is a CRM substage, not a status; it can reopen.
func (s Status) Terminal() bool {
	switch s {
	case StatusDormant, StatusDisqualified, StatusWon, StatusLost:
		return true
	}
	return false
}

// FilterType classifies which filtration process a lead enters.
type FilterType string

const (
	FilterNone     FilterType = "NO_FILTER"
	FilterPSV      FilterType = "PSV"
	FilterWest     FilterType = "WEST"
	FilterUnknown  FilterType = "UNKNOWN"
	FilterUpcoming FilterType = "UPCOMING"
)

// FiltrationStage is the substate while an opportunity is in a filtration phase.
type FiltrationStage string

const (
	FiltrationFreshLead    FiltrationStage = "FRESH_LEAD"
	FiltrationFollowUp     FiltrationStage = "FOLLOW_UP"
	FiltrationQualified    FiltrationStage = "QUALIFIED"
	FiltrationDisqualified FiltrationStage = "DISQUALIFIED"
)

// CRMStage is the substate once an opportunity is in the CRM phase.
type CRMStage string

const (
	CRMFreshLead       CRMStage = "FRESH_LEAD"
	CRMFollowUp        CRMStage = "FOLLOWUP"
	CRMWon             CRMStage = "WON"
	CRMLost            CRMStage = "LOST"
	CRMClosedForFuture CRMStage = "CLOSED_FOR_FUTURE_FOLLOWUP"
)

// Phase names the variant of the phase-state union.
type Phase string

const (
	PhaseFiltration Phase = "filtration"
	PhaseCRM        Phase = "crm"
	PhaseDuplicate  Phase = "duplicate"
)

// PhaseState is the tagged union of phase-specific state. At most one variant
// is ever attached to an opportunity, which enforces structurally that
// filtration and CRM metadata are mutually exclusive.
type PhaseState interface {
	Phase() Phase
}

// FiltrationState is present only while the opportunity is being filtered.
type FiltrationState struct {
	Stage                   FiltrationStage `json:"stage"`
	FilterType              FilterType      `json:"filterType"`
	FollowUpCount           int             `json:"followUpCount"`
	DisqualificationReasons []string        `json:"disqualificationReasons,omitempty"`
}

func (FiltrationState) Phase() Phase { return PhaseFiltration }

// CRMState is present only once the opportunity has been promoted.
type CRMState struct {
	Stage                 CRMStage   `json:"stage"`
	FollowupCount         int        `json:"followupCount"`
	CRMEntryAt            time.Time  `json:"crmEntryAt"`
	HandlerID             *uuid.UUID `json:"handlerId,omitempty"`
	ExternalLeadID        string     `json:"externalLeadId,omitempty"`
	ExternalOpportunityID string     `json:"externalOpportunityId,omitempty"`
}

func (CRMState) Phase() Phase { return PhaseCRM }

// DuplicateState marks an opportunity that repeats an existing one.
// Duplicates are terminal and never enter assignment.
type DuplicateState struct {
	DuplicateOfID uuid.UUID `json:"duplicateOfId"`
}

func (DuplicateState) Phase() Phase { return PhaseDuplicate }

// Opportunity is one lead's journey through the pipeline.
type Opportunity struct {
	ID          uuid.UUID
	LeadID      *uuid.UUID
	TraceID     string
	Name        string
	Phone       string
	Email       *string
	Destination *string
	Source      string
	Status      Status
	HandlerID   *uuid.UUID
	State       PhaseState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsPushed reports whether the opportunity has entered the CRM phase. This,
// not Status alone, is the authoritative external-integration marker; deriving
// it keeps the isPushed <=> status invariant from drifting.
func (o *Opportunity) IsPushed() bool {
	switch o.Status {
	case StatusOpen, StatusWon, StatusLost:
		return true
	}
	return false
}

// IsDuplicate reports whether this opportunity repeats an existing one.
func (o *Opportunity) IsDuplicate() bool {
	_, ok := o.State.(DuplicateState)
	return ok
}

// Filtration returns the filtration state, if the opportunity is in that phase.
func (o *Opportunity) Filtration() (FiltrationState, bool) {
	s, ok := o.State.(FiltrationState)
	return s, ok
}

// CRM returns the CRM state, if the opportunity is in that phase.
func (o *Opportunity) CRM() (CRMState, bool) {
	s, ok := o.State.(CRMState)
	return s, ok
}

// Lead is the source/profile record independent of any single opportunity.
// One Lead exists per unique phone number; later opportunities from the same
// contact attach to it.
type Lead struct {
	ID             uuid.UUID
	Name           string
	Phone          string
	Email          *string
	OpportunityIDs []uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
