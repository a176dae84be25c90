package opportunity

import (
	"testing"
	"time"

	"leadflow_backend/platform/apperr"

	"github.com/google/uuid"
)

func fresh() *Opportunity {
	return &Opportunity{
		ID:      uuid.New(),
		TraceID: uuid.NewString(),
		Name:    "Ravi Kumar",
		Phone:   "+919876543210",
		Source:  "justdial",
		Status:  StatusUnderProcessing,
	}
}

func TestMarkDuplicate(t *testing.T) {
	o := fresh()
	of := uuid.New()

	changes, err := o.MarkDuplicate(of)
	if err != nil {
		t.Fatalf("MarkDuplicate: %v", err)
	}
	if o.Status != StatusDormant {
		t.Fatalf("status = %s, want DORMANT", o.Status)
	}
	if !o.IsDuplicate() {
		t.Fatal("IsDuplicate = false")
	}
	if o.IsPushed() {
		t.Fatal("duplicates must never count as pushed")
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %v", changes)
	}

	// Duplicates are terminal.
	if _, err := o.EnterFiltration(FilterPSV, uuid.New()); err == nil {
		t.Fatal("expected transition out of DORMANT to fail")
	}
}

func TestEnterFiltration(t *testing.T) {
	handler := uuid.New()
	o := fresh()

	if _, err := o.EnterFiltration(FilterPSV, handler); err != nil {
		t.Fatalf("EnterFiltration: %v", err)
	}
	if o.Status != StatusInPSV {
		t.Fatalf("status = %s, want IN_PSV", o.Status)
	}
	if o.HandlerID == nil || *o.HandlerID != handler {
		t.Fatalf("handler = %v, want %s", o.HandlerID, handler)
	}
	state, ok := o.Filtration()
	if !ok {
		t.Fatal("no filtration state")
	}
	if state.Stage != FiltrationFreshLead || state.FilterType != FilterPSV {
		t.Fatalf("state = %+v", state)
	}
	if _, ok := o.CRM(); ok {
		t.Fatal("filtration and CRM state must be mutually exclusive")
	}
}

func TestEnterFiltrationRejectsNonFiltrationFilters(t *testing.T) {
	for _, filter := range []FilterType{FilterNone, FilterUnknown, FilterUpcoming} {
		o := fresh()
		if _, err := o.EnterFiltration(filter, uuid.New()); err == nil {
			t.Fatalf("filter %s accepted into filtration", filter)
		}
	}
}

func TestEnterFiltrationUnassigned(t *testing.T) {
	o := fresh()
	if _, err := o.EnterFiltrationUnassigned(FilterWest); err != nil {
		t.Fatalf("EnterFiltrationUnassigned: %v", err)
	}
	if o.Status != StatusInWest {
		t.Fatalf("status = %s, want IN_WEST", o.Status)
	}
	if o.HandlerID != nil {
		t.Fatalf("handler = %v, want nil", o.HandlerID)
	}
}

func TestFollowUpCounting(t *testing.T) {
	o := fresh()
	if _, err := o.EnterFiltration(FilterPSV, uuid.New()); err != nil {
		t.Fatalf("EnterFiltration: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := o.AdvanceFollowUp(); err != nil {
			t.Fatalf("AdvanceFollowUp %d: %v", i, err)
		}
		state, _ := o.Filtration()
		if state.FollowUpCount != i {
			t.Fatalf("follow-up count = %d, want %d", state.FollowUpCount, i)
		}
		if state.Stage != FiltrationFollowUp {
			t.Fatalf("stage = %s, want FOLLOW_UP", state.Stage)
		}
	}
}

func TestDisqualifyRecordsReasons(t *testing.T) {
	o := fresh()
	if _, err := o.EnterFiltration(FilterWest, uuid.New()); err != nil {
		t.Fatalf("EnterFiltration: %v", err)
	}

	if _, err := o.Disqualify([]string{"budget too low", "not reachable"}); err != nil {
		t.Fatalf("Disqualify: %v", err)
	}
	if o.Status != StatusDisqualified {
		t.Fatalf("status = %s", o.Status)
	}
	state, _ := o.Filtration()
	if state.Stage != FiltrationDisqualified || len(state.DisqualificationReasons) != 2 {
		t.Fatalf("state = %+v", state)
	}

	if _, err := o.Qualify(); err == nil {
		t.Fatal("qualifying a disqualified opportunity must fail")
	}
}

func TestPromoteRequiresQualifiedStage(t *testing.T) {
	o := fresh()
	handler := uuid.New()
	if _, err := o.EnterFiltration(FilterPSV, handler); err != nil {
		t.Fatalf("EnterFiltration: %v", err)
	}

	_, err := o.Promote(&handler, "ext-lead", "ext-opp", time.Now())
	if err == nil {
		t.Fatal("promotion from FRESH_LEAD must fail")
	}
	if !apperr.Is(err, apperr.KindDataIntegrity) {
		t.Fatalf("err = %v, want a data-integrity error", err)
	}

	if _, err := o.Qualify(); err != nil {
		t.Fatalf("Qualify: %v", err)
	}
	if _, err := o.Promote(&handler, "ext-lead", "ext-opp", time.Now()); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if o.Status != StatusOpen {
		t.Fatalf("status = %s, want OPEN", o.Status)
	}
	if !o.IsPushed() {
		t.Fatal("IsPushed = false after promotion")
	}
	state, ok := o.CRM()
	if !ok {
		t.Fatal("no CRM state after promotion")
	}
	if state.ExternalLeadID != "ext-lead" || state.ExternalOpportunityID != "ext-opp" {
		t.Fatalf("external ids = %+v", state)
	}
	if _, ok := o.Filtration(); ok {
		t.Fatal("filtration state must be dropped on promotion")
	}
}

func TestPromoteIsIdempotent(t *testing.T) {
	o := fresh()
	handler := uuid.New()
	entry := time.Now()

	if _, err := o.OpenDirect(entry); err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	// A redelivered sync message promotes an already-open opportunity: only
	// the external linkage may change.
	if _, err := o.Promote(&handler, "ext-lead", "ext-opp", time.Now()); err != nil {
		t.Fatalf("Promote on open: %v", err)
	}
	if o.Status != StatusOpen {
		t.Fatalf("status = %s", o.Status)
	}
	state, _ := o.CRM()
	if state.ExternalOpportunityID != "ext-opp" {
		t.Fatalf("state = %+v", state)
	}
	if !state.CRMEntryAt.Equal(entry) {
		t.Fatalf("CRM entry time moved: %v -> %v", entry, state.CRMEntryAt)
	}
}

func TestOpenDirect(t *testing.T) {
	o := fresh()
	if _, err := o.OpenDirect(time.Now()); err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	if o.Status != StatusOpen || !o.IsPushed() {
		t.Fatalf("status = %s pushed = %v", o.Status, o.IsPushed())
	}
	state, ok := o.CRM()
	if !ok || state.Stage != CRMFreshLead {
		t.Fatalf("state = %+v", state)
	}
}

func TestCRMOutcomes(t *testing.T) {
	t.Run("win", func(t *testing.T) {
		o := fresh()
		if _, err := o.OpenDirect(time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := o.Win(); err != nil {
			t.Fatalf("Win: %v", err)
		}
		if o.Status != StatusWon || !o.IsPushed() {
			t.Fatalf("status = %s pushed = %v", o.Status, o.IsPushed())
		}
		if _, err := o.Lose(); err == nil {
			t.Fatal("WON is terminal")
		}
	})

	t.Run("close for future and reopen", func(t *testing.T) {
		o := fresh()
		if _, err := o.OpenDirect(time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := o.CloseForFuture(); err != nil {
			t.Fatalf("CloseForFuture: %v", err)
		}
		if o.Status != StatusOpen {
			t.Fatalf("status = %s, closing for future stays OPEN", o.Status)
		}
		state, _ := o.CRM()
		if state.Stage != CRMClosedForFuture {
			t.Fatalf("stage = %s", state.Stage)
		}

		if _, err := o.Reopen(); err != nil {
			t.Fatalf("Reopen: %v", err)
		}
		state, _ = o.CRM()
		if state.Stage != CRMFollowUp {
			t.Fatalf("stage after reopen = %s", state.Stage)
		}
	})
}

func TestIsPushedTracksStatus(t *testing.T) {
	pushed := map[Status]bool{
		StatusUnderProcessing:   false,
		StatusInPSV:             false,
		StatusInWest:            false,
		StatusResolvingUnknown:  false,
		StatusUpcomingFreshLead: false,
		StatusOpen:              true,
		StatusDormant:           false,
		StatusDisqualified:      false,
		StatusWon:               true,
		StatusLost:              true,
	}
	for status, want := range pushed {
		o := &Opportunity{Status: status}
		if o.IsPushed() != want {
			t.Errorf("IsPushed(%s) = %v, want %v", status, o.IsPushed(), want)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	o := fresh()
	if _, err := o.Win(); err == nil {
		t.Fatal("UNDER_PROCESSING cannot move straight to WON")
	}

	parked := fresh()
	if _, err := parked.ParkUnknown(); err != nil {
		t.Fatal(err)
	}
	if _, err := parked.ParkUpcoming(); err != nil {
		t.Fatalf("RESOLVING_UNKNOWN -> UPCOMING_FRESH_LEAD should be allowed: %v", err)
	}
}
