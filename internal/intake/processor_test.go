package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"leadflow_backend/internal/assignment"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/opportunity"
	"leadflow_backend/internal/queue"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"

	"github.com/google/uuid"
)

type fakeStore struct {
	existing   *opportunity.Opportunity // returned by CreateIdempotent with created=false
	duplicate  *opportunity.Opportunity
	lead       opportunity.Lead
	updated    []opportunity.Opportunity
	activities []opportunity.Activity
	createdOpp *opportunity.Opportunity
}

func (s *fakeStore) CreateIdempotent(_ context.Context, o opportunity.Opportunity) (opportunity.Opportunity, bool, error) {
	if s.existing != nil {
		return *s.existing, false, nil
	}
	s.createdOpp = &o
	return o, true, nil
}

func (s *fakeStore) Update(_ context.Context, o opportunity.Opportunity) error {
	s.updated = append(s.updated, o)
	return nil
}

func (s *fakeStore) FindActiveDuplicate(_ context.Context, _ string, _ *string, _ *string, _ uuid.UUID) (*opportunity.Opportunity, error) {
	return s.duplicate, nil
}

func (s *fakeStore) FindOrCreateLead(_ context.Context, name, phone string, email *string) (opportunity.Lead, error) {
	if s.lead.ID == uuid.Nil {
		s.lead = opportunity.Lead{ID: uuid.New(), Name: name, Phone: phone, Email: email}
	}
	return s.lead, nil
}

func (s *fakeStore) InsertActivity(_ context.Context, a opportunity.Activity) error {
	s.activities = append(s.activities, a)
	return nil
}

type fakeResolver struct {
	filter opportunity.FilterType
	err    error
}

func (r *fakeResolver) Resolve(_ context.Context, destination *string) (opportunity.FilterType, error) {
	if r.err != nil {
		return "", r.err
	}
	if destination == nil || *destination == "" {
		return opportunity.FilterUpcoming, nil
	}
	return r.filter, nil
}

type fakeAssigner struct {
	avail assignment.Availability
	err   error
	calls int
}

func (a *fakeAssigner) Assign(_ context.Context, process, destination, source string) (assignment.Availability, error) {
	a.calls++
	if a.err != nil {
		return assignment.Availability{}, a.err
	}
	return a.avail, nil
}

type fakePublisher struct {
	topics   []string
	payloads []map[string]string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload map[string]string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "1-0", nil
}

type fakeBus struct {
	published []events.Event
}

func (b *fakeBus) Subscribe(string, events.Handler) {}
func (b *fakeBus) Publish(_ context.Context, event events.Event) { b.published = append(b.published, event) }

type fixture struct {
	processor *Processor
	store     *fakeStore
	resolver  *fakeResolver
	assigner  *fakeAssigner
	publisher *fakePublisher
	bus       *fakeBus
}

func newFixture() *fixture {
	f := &fixture{
		store:     &fakeStore{},
		resolver:  &fakeResolver{filter: opportunity.FilterPSV},
		assigner:  &fakeAssigner{avail: assignment.Availability{ID: uuid.New(), HandlerName: "Sarah"}},
		publisher: &fakePublisher{},
		bus:       &fakeBus{},
	}
	f.processor = NewProcessor(
		f.store, f.resolver, f.assigner, f.publisher, "leads.sync",
		f.bus, validator.New(), logger.New("development"),
	)
	return f
}

func intakeMessage(t *testing.T, id string, lead LeadData) *queue.Message {
	t.Helper()
	raw, err := json.Marshal(lead)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Message{
		ID:    id,
		Topic: "leads.intake",
		Payload: map[string]string{
			"source": "justdial",
			"lead":   string(raw),
		},
	}
}

func TestHandleMalformedPayloadIsDataIntegrity(t *testing.T) {
	f := newFixture()

	cases := map[string]*queue.Message{
		"missing source": {ID: "1-0", Payload: map[string]string{"lead": `{"name":"A","phone":"9876543210"}`}},
		"broken json":    {ID: "2-0", Payload: map[string]string{"source": "justdial", "lead": "{not json"}},
		"missing phone":  {ID: "3-0", Payload: map[string]string{"source": "justdial", "lead": `{"name":"A"}`}},
		"bad email":      {ID: "4-0", Payload: map[string]string{"source": "justdial", "lead": `{"name":"A","phone":"9876543210","email":"nope"}`}},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			err := f.processor.Handle(context.Background(), msg)
			if !apperr.Is(err, apperr.KindDataIntegrity) {
				t.Fatalf("err = %v, want data-integrity", err)
			}
		})
	}
}

func TestHandleRoutesToFiltrationProcess(t *testing.T) {
	f := newFixture()
	msg := intakeMessage(t, "10-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa"})

	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(f.store.updated) != 1 {
		t.Fatalf("updates = %d, want 1", len(f.store.updated))
	}
	opp := f.store.updated[0]
	if opp.Status != opportunity.StatusInPSV {
		t.Fatalf("status = %s, want IN_PSV", opp.Status)
	}
	if opp.HandlerID == nil || *opp.HandlerID != f.assigner.avail.ID {
		t.Fatalf("handler = %v", opp.HandlerID)
	}
	if opp.Phone != "+919876543210" {
		t.Fatalf("phone = %s, want normalized E.164", opp.Phone)
	}
	if opp.LeadID == nil {
		t.Fatal("lead profile not linked")
	}
	if len(f.store.activities) != 1 {
		t.Fatalf("activities = %d, want 1", len(f.store.activities))
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("events = %d, want OpportunityAssigned", len(f.bus.published))
	}
	if _, ok := f.bus.published[0].(events.OpportunityAssigned); !ok {
		t.Fatalf("event = %T", f.bus.published[0])
	}
	if len(f.publisher.topics) != 0 {
		t.Fatalf("unexpected downstream publish: %v", f.publisher.topics)
	}
}

func TestHandleOpensDirectAndPublishesSync(t *testing.T) {
	f := newFixture()
	f.resolver.filter = opportunity.FilterNone
	msg := intakeMessage(t, "11-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Kerala"})

	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	opp := f.store.updated[0]
	if opp.Status != opportunity.StatusOpen {
		t.Fatalf("status = %s, want OPEN", opp.Status)
	}
	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != "leads.sync" {
		t.Fatalf("published to %v, want leads.sync", f.publisher.topics)
	}
	if f.publisher.payloads[0]["opportunityId"] != opp.ID.String() {
		t.Fatalf("payload = %v", f.publisher.payloads[0])
	}
	if f.assigner.calls != 0 {
		t.Fatal("NO_FILTER must bypass assignment")
	}
}

func TestHandleDetectsDuplicates(t *testing.T) {
	f := newFixture()
	prior := &opportunity.Opportunity{ID: uuid.New(), Status: opportunity.StatusInPSV}
	f.store.duplicate = prior
	msg := intakeMessage(t, "12-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa"})

	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	opp := f.store.updated[0]
	if opp.Status != opportunity.StatusDormant {
		t.Fatalf("status = %s, want DORMANT", opp.Status)
	}
	state, ok := opp.State.(opportunity.DuplicateState)
	if !ok || state.DuplicateOfID != prior.ID {
		t.Fatalf("state = %+v", opp.State)
	}
	if f.assigner.calls != 0 {
		t.Fatal("duplicates must not enter assignment")
	}
	if len(f.publisher.topics) != 0 {
		t.Fatal("duplicates must not publish downstream")
	}
}

func TestHandleParksUnknownDestination(t *testing.T) {
	f := newFixture()
	f.resolver.filter = opportunity.FilterUnknown
	msg := intakeMessage(t, "13-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Atlantis"})

	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.store.updated[0].Status != opportunity.StatusResolvingUnknown {
		t.Fatalf("status = %s, want RESOLVING_UNKNOWN", f.store.updated[0].Status)
	}
}

func TestHandleParksDeferredIntent(t *testing.T) {
	f := newFixture()
	msg := intakeMessage(t, "14-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa", Deferred: true})

	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.store.updated[0].Status != opportunity.StatusUpcomingFreshLead {
		t.Fatalf("status = %s, want UPCOMING_FRESH_LEAD", f.store.updated[0].Status)
	}
	if f.assigner.calls != 0 {
		t.Fatal("deferred leads must bypass resolution and assignment")
	}
}

func TestHandleNoAvailableHandler(t *testing.T) {
	f := newFixture()
	f.assigner.err = assignment.ErrNoAvailableHandler
	msg := intakeMessage(t, "15-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa"})

	err := f.processor.Handle(context.Background(), msg)
	if !apperr.Is(err, apperr.KindNoHandler) {
		t.Fatalf("err = %v, want no-handler kind", err)
	}

	// The opportunity lands in its process unassigned so operators can see it.
	opp := f.store.updated[0]
	if opp.Status != opportunity.StatusInPSV {
		t.Fatalf("status = %s, want IN_PSV", opp.Status)
	}
	if opp.HandlerID != nil {
		t.Fatalf("handler = %v, want nil", opp.HandlerID)
	}

	found := false
	for _, e := range f.bus.published {
		if _, ok := e.(events.OpportunityStuck); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an OpportunityStuck event")
	}
}

func TestHandleRedeliveryAfterCompletionIsNoop(t *testing.T) {
	priors := map[string]*opportunity.Opportunity{
		"routed to filtration": {
			ID:      uuid.New(),
			TraceID: "prior",
			Status:  opportunity.StatusInPSV,
		},
		"already in the CRM": {
			ID:      uuid.New(),
			TraceID: "prior",
			Status:  opportunity.StatusOpen,
			State:   opportunity.CRMState{Stage: opportunity.CRMFreshLead, ExternalOpportunityID: "crm-77"},
		},
	}
	for name, prior := range priors {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.store.existing = prior
			msg := intakeMessage(t, "16-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa"})

			if err := f.processor.Handle(context.Background(), msg); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(f.store.updated) != 0 {
				t.Fatalf("updates = %d, want 0 on replay", len(f.store.updated))
			}
			if f.assigner.calls != 0 {
				t.Fatal("replay must not reassign")
			}
			if len(f.publisher.topics) != 0 {
				t.Fatalf("unexpected publish on replay: %v", f.publisher.topics)
			}
		})
	}
}

func TestHandleRedeliveryRecoversUnpublishedSync(t *testing.T) {
	f := newFixture()
	f.resolver.filter = opportunity.FilterNone
	f.publisher.err = errors.New("redis gone")
	msg := intakeMessage(t, "18-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Kerala"})

	// First delivery persists OPEN, then dies on the sync publish.
	if err := f.processor.Handle(context.Background(), msg); !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	opened := f.store.updated[0]
	if opened.Status != opportunity.StatusOpen {
		t.Fatalf("status = %s, want OPEN", opened.Status)
	}
	if len(f.publisher.topics) != 0 {
		t.Fatalf("publishes = %v, want none on the failed delivery", f.publisher.topics)
	}

	// Redelivery finds the stored row and retries only the publish.
	f.store.existing = &opened
	f.publisher.err = nil
	if err := f.processor.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle on redelivery: %v", err)
	}
	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != "leads.sync" {
		t.Fatalf("published to %v, want leads.sync", f.publisher.topics)
	}
	if f.publisher.payloads[0]["opportunityId"] != opened.ID.String() {
		t.Fatalf("payload = %v", f.publisher.payloads[0])
	}
	if len(f.store.updated) != 1 {
		t.Fatalf("updates = %d, want no second write on replay", len(f.store.updated))
	}
	if f.assigner.calls != 0 {
		t.Fatal("replay must not reassign")
	}
}

func TestHandleSameMessageIDGetsSameTraceID(t *testing.T) {
	first := uuid.NewSHA1(traceNamespace, []byte("42-0")).String()
	second := uuid.NewSHA1(traceNamespace, []byte("42-0")).String()
	other := uuid.NewSHA1(traceNamespace, []byte("42-1")).String()
	if first != second {
		t.Fatal("trace derivation is not deterministic")
	}
	if first == other {
		t.Fatal("distinct messages must get distinct trace ids")
	}
}

func TestHandleTransientResolverError(t *testing.T) {
	f := newFixture()
	f.resolver.err = apperr.Transient("db down", errors.New("conn refused"))
	msg := intakeMessage(t, "17-0", LeadData{Name: "Ravi", Phone: "9876543210", Destination: "Goa"})

	err := f.processor.Handle(context.Background(), msg)
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("err = %v, want transient (message stays pending)", err)
	}
}
