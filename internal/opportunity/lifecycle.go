package opportunity

import (
	"fmt"
	"time"

	"leadflow_backend/platform/apperr"

	"github.com/google/uuid"
)

// allowedTransitions is the top-level status graph. Absent keys are terminal.
var allowedTransitions = map[Status][]Status{
	StatusUnderProcessing: {
		StatusInPSV, StatusInWest, StatusResolvingUnknown,
		StatusUpcomingFreshLead, StatusOpen, StatusDormant,
	},
	StatusInPSV:             {StatusOpen, StatusDisqualified},
	StatusInWest:            {StatusOpen, StatusDisqualified},
	StatusResolvingUnknown:  {StatusInPSV, StatusInWest, StatusOpen, StatusUpcomingFreshLead, StatusDisqualified},
	StatusUpcomingFreshLead: {StatusInPSV, StatusInWest, StatusOpen, StatusDisqualified},
	StatusOpen:              {StatusWon, StatusLost},
	// CLOSED_FOR_FUTURE_FOLLOWUP reopens within the CRM phase; WON/LOST do not.
	StatusWon:  {},
	StatusLost: {},
}

// CanTransition reports whether the top-level status graph allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Change records one field mutation for the audit log.
type Change struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Activity is one immutable audit entry. Activities are append-only; nothing
// ever mutates or deletes them.
type Activity struct {
	ID            uuid.UUID
	OpportunityID uuid.UUID
	TraceID       string
	Phase         string
	Changes       []Change
	Actor         string
	At            time.Time
}

func (o *Opportunity) transition(to Status) (Change, error) {
	if !CanTransition(o.Status, to) {
		return Change{}, apperr.DataIntegrity(
			fmt.Sprintf("illegal status transition %s -> %s", o.Status, to))
	}
	change := Change{Field: "status", From: string(o.Status), To: string(to)}
	o.Status = to
	return change, nil
}

// MarkDuplicate parks the opportunity as a dormant duplicate of another.
// Duplicates never enter assignment and never publish downstream.
func (o *Opportunity) MarkDuplicate(of uuid.UUID) ([]Change, error) {
	change, err := o.transition(StatusDormant)
	if err != nil {
		return nil, err
	}
	o.State = DuplicateState{DuplicateOfID: of}
	return []Change{change, {Field: "duplicateOfId", To: of.String()}}, nil
}

// EnterFiltration routes the opportunity into the PSV or WEST filtration
// process with the given assigned handler.
func (o *Opportunity) EnterFiltration(filter FilterType, handlerID uuid.UUID) ([]Change, error) {
	var target Status
	switch filter {
	case FilterPSV:
		target = StatusInPSV
	case FilterWest:
		target = StatusInWest
	default:
		return nil, apperr.DataIntegrity(fmt.Sprintf("filter %s has no filtration process", filter))
	}

	change, err := o.transition(target)
	if err != nil {
		return nil, err
	}
	o.HandlerID = &handlerID
	o.State = FiltrationState{Stage: FiltrationFreshLead, FilterType: filter}
	return []Change{
		change,
		{Field: "filtrationStatus.stage", To: string(FiltrationFreshLead)},
		{Field: "handlerId", To: handlerID.String()},
	}, nil
}

// EnterFiltrationUnassigned routes the opportunity into a filtration process
// with no handler. Used when the candidate pool is empty: the opportunity
// waits in its process for operator attention instead of redelivering.
func (o *Opportunity) EnterFiltrationUnassigned(filter FilterType) ([]Change, error) {
	var target Status
	switch filter {
	case FilterPSV:
		target = StatusInPSV
	case FilterWest:
		target = StatusInWest
	default:
		return nil, apperr.DataIntegrity(fmt.Sprintf("filter %s has no filtration process", filter))
	}

	change, err := o.transition(target)
	if err != nil {
		return nil, err
	}
	o.HandlerID = nil
	o.State = FiltrationState{Stage: FiltrationFreshLead, FilterType: filter}
	return []Change{
		change,
		{Field: "filtrationStatus.stage", To: string(FiltrationFreshLead)},
	}, nil
}

// ParkUnknown parks the opportunity awaiting manual destination resolution.
func (o *Opportunity) ParkUnknown() ([]Change, error) {
	change, err := o.transition(StatusResolvingUnknown)
	if err != nil {
		return nil, err
	}
	o.State = nil
	return []Change{change}, nil
}

// ParkUpcoming parks the opportunity for an explicitly deferred intent.
func (o *Opportunity) ParkUpcoming() ([]Change, error) {
	change, err := o.transition(StatusUpcomingFreshLead)
	if err != nil {
		return nil, err
	}
	o.State = nil
	return []Change{change}, nil
}

// OpenDirect opens the opportunity straight into the CRM phase (NO_FILTER).
func (o *Opportunity) OpenDirect(now time.Time) ([]Change, error) {
	change, err := o.transition(StatusOpen)
	if err != nil {
		return nil, err
	}
	o.State = CRMState{Stage: CRMFreshLead, CRMEntryAt: now}
	return []Change{
		change,
		{Field: "crmStageMeta.stage", To: string(CRMFreshLead)},
		{Field: "isPushed", From: "false", To: "true"},
	}, nil
}

// AdvanceFollowUp moves a filtration-phase opportunity to its next follow-up.
func (o *Opportunity) AdvanceFollowUp() ([]Change, error) {
	state, ok := o.Filtration()
	if !ok {
		return nil, apperr.DataIntegrity("follow-up requires a filtration phase")
	}
	if state.Stage != FiltrationFreshLead && state.Stage != FiltrationFollowUp {
		return nil, apperr.DataIntegrity(fmt.Sprintf("cannot follow up from stage %s", state.Stage))
	}

	from := state.Stage
	state.Stage = FiltrationFollowUp
	state.FollowUpCount++
	o.State = state
	return []Change{
		{Field: "filtrationStatus.stage", From: string(from), To: string(FiltrationFollowUp)},
		{Field: "filtrationStatus.followUpCount", To: fmt.Sprintf("%d", state.FollowUpCount)},
	}, nil
}

// Qualify marks a filtration-phase opportunity qualified. The caller publishes
// to the sync topic; qualification itself does not promote.
func (o *Opportunity) Qualify() ([]Change, error) {
	state, ok := o.Filtration()
	if !ok {
		return nil, apperr.DataIntegrity("qualification requires a filtration phase")
	}
	if state.Stage == FiltrationDisqualified {
		return nil, apperr.DataIntegrity("cannot qualify a disqualified opportunity")
	}

	from := state.Stage
	state.Stage = FiltrationQualified
	o.State = state
	return []Change{
		{Field: "filtrationStatus.stage", From: string(from), To: string(FiltrationQualified)},
	}, nil
}

// Disqualify terminates a filtration-phase opportunity with reasons.
func (o *Opportunity) Disqualify(reasons []string) ([]Change, error) {
	state, ok := o.Filtration()
	if !ok {
		return nil, apperr.DataIntegrity("disqualification requires a filtration phase")
	}

	change, err := o.transition(StatusDisqualified)
	if err != nil {
		return nil, err
	}

	from := state.Stage
	state.Stage = FiltrationDisqualified
	state.DisqualificationReasons = reasons
	o.State = state
	return []Change{
		change,
		{Field: "filtrationStatus.stage", From: string(from), To: string(FiltrationDisqualified)},
	}, nil
}

// Promote moves the opportunity into the CRM phase with its external ids.
// Promoting an already-open opportunity only links the external records, which
// keeps redelivered sync messages idempotent.
func (o *Opportunity) Promote(handlerID *uuid.UUID, externalLeadID, externalOpportunityID string, now time.Time) ([]Change, error) {
	if state, ok := o.Filtration(); ok && state.Stage != FiltrationQualified {
		return nil, apperr.DataIntegrity(
			fmt.Sprintf("cannot promote from filtration stage %s", state.Stage))
	}

	var changes []Change
	if o.Status != StatusOpen {
		change, err := o.transition(StatusOpen)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change, Change{Field: "isPushed", From: "false", To: "true"})
	}

	state, ok := o.CRM()
	if !ok {
		state = CRMState{Stage: CRMFreshLead, CRMEntryAt: now}
		changes = append(changes, Change{Field: "crmStageMeta.stage", To: string(CRMFreshLead)})
	}
	state.HandlerID = handlerID
	state.ExternalLeadID = externalLeadID
	state.ExternalOpportunityID = externalOpportunityID
	o.State = state

	if handlerID != nil {
		o.HandlerID = handlerID
		changes = append(changes, Change{Field: "handlerId", To: handlerID.String()})
	}
	changes = append(changes, Change{Field: "crmStageMeta.externalLeadId", To: externalLeadID})
	return changes, nil
}

// RecordCRMFollowUp advances the CRM substage to FOLLOWUP.
func (o *Opportunity) RecordCRMFollowUp() ([]Change, error) {
	state, ok := o.CRM()
	if !ok {
		return nil, apperr.DataIntegrity("CRM follow-up requires the CRM phase")
	}
	if state.Stage != CRMFreshLead && state.Stage != CRMFollowUp {
		return nil, apperr.DataIntegrity(fmt.Sprintf("cannot follow up from CRM stage %s", state.Stage))
	}

	from := state.Stage
	state.Stage = CRMFollowUp
	state.FollowupCount++
	o.State = state
	return []Change{
		{Field: "crmStageMeta.stage", From: string(from), To: string(CRMFollowUp)},
		{Field: "crmStageMeta.followupCount", To: fmt.Sprintf("%d", state.FollowupCount)},
	}, nil
}

// Win closes the opportunity as won.
func (o *Opportunity) Win() ([]Change, error) { return o.closeCRM(StatusWon, CRMWon) }

// Lose closes the opportunity as lost.
func (o *Opportunity) Lose() ([]Change, error) { return o.closeCRM(StatusLost, CRMLost) }

func (o *Opportunity) closeCRM(status Status, stage CRMStage) ([]Change, error) {
	state, ok := o.CRM()
	if !ok {
		return nil, apperr.DataIntegrity("closing requires the CRM phase")
	}

	change, err := o.transition(status)
	if err != nil {
		return nil, err
	}

	from := state.Stage
	state.Stage = stage
	o.State = state
	return []Change{
		change,
		{Field: "crmStageMeta.stage", From: string(from), To: string(stage)},
	}, nil
}

// CloseForFuture parks a CRM-phase opportunity for a later cycle. The status
// stays OPEN so it can reopen without a status transition.
func (o *Opportunity) CloseForFuture() ([]Change, error) {
	state, ok := o.CRM()
	if !ok {
		return nil, apperr.DataIntegrity("closing requires the CRM phase")
	}
	from := state.Stage
	state.Stage = CRMClosedForFuture
	o.State = state
	return []Change{
		{Field: "crmStageMeta.stage", From: string(from), To: string(CRMClosedForFuture)},
	}, nil
}

// Reopen returns a closed-for-future opportunity to active follow-up.
func (o *Opportunity) Reopen() ([]Change, error) {
	state, ok := o.CRM()
	if !ok || state.Stage != CRMClosedForFuture {
		return nil, apperr.DataIntegrity("only closed-for-future opportunities reopen")
	}
	state.Stage = CRMFollowUp
	o.State = state
	return []Change{
		{Field: "crmStageMeta.stage", From: string(CRMClosedForFuture), To: string(CRMFollowUp)},
	}, nil
}

// NewActivity builds an immutable audit entry for a set of changes.
func NewActivity(o *Opportunity, actor string, changes []Change) Activity {
	phase := ""
	if o.State != nil {
		phase = string(o.State.Phase())
	}
	return Activity{
		ID:            uuid.New(),
		OpportunityID: o.ID,
		TraceID:       o.TraceID,
		Phase:         phase,
		Changes:       changes,
		Actor:         actor,
		At:            time.Now(),
	}
}
