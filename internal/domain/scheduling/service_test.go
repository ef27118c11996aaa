package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// -- Test fixture --

type recordedEvent struct {
	DoctorID string
	Type     string
}

type recordingBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBus) Publish(_ context.Context, doctorID, eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{DoctorID: doctorID, Type: eventType})
}

func (b *recordingBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	bus   *recordingBus

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus: &recordingBus{},
		now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc, f.store = NewMemoryService(f.bus, Clock{Now: f.clock, Location: time.UTC})
	f.store.SetClock(f.clock)
	return f
}

// open generates slots for doctorID on date between start and end and
// returns them keyed by time.
func (f *fixture) open(t *testing.T, doctorID, date, start, end string) map[string]*Slot {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.GenerateSingle(ctx, doctorID, SingleRule{Date: date, StartTime: start, EndTime: end}); err != nil {
		t.Fatalf("GenerateSingle: %v", err)
	}
	slots, err := f.store.Slots().List(ctx, SlotFilter{DoctorID: doctorID, From: date, To: date})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make(map[string]*Slot, len(slots))
	for _, s := range slots {
		out[s.Time] = s
	}
	return out
}

func (f *fixture) slot(t *testing.T, s *Slot) *Slot {
	t.Helper()
	got, err := f.store.Slots().GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return got
}

// book holds and checks out one slot for patientID.
func (f *fixture) book(t *testing.T, patientID string, s *Slot) *Slot {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.Hold(ctx, patientID, HoldRequest{StartSlotID: s.ID, Duration: 1, Details: VisitDetails{VisitType: "consultation"}}); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	booked, err := f.svc.Checkout(ctx, patientID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	return booked[0]
}

func assertKind(t *testing.T, err error, want *Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want.Kind)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %s error, got %v", want.Kind, err)
	}
}

// -- Schedule reads --

func TestService_Schedule_BlocksFreeSlotsOnAbsenceDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "doc-1", "2026-03-02", "09:00", "10:00")
	f.open(t, "doc-1", "2026-03-03", "09:00", "10:00")

	if _, _, err := f.svc.RegisterAbsence(ctx, "doc-1", "2026-03-02", "conference"); err != nil {
		t.Fatalf("RegisterAbsence: %v", err)
	}

	slots, err := f.svc.Schedule(ctx, Principal{ID: "pat-1", Role: RolePatient}, "doc-1", "", "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	for _, s := range slots {
		wantBlocked := s.Date == "2026-03-02"
		if s.Blocked != wantBlocked {
			t.Errorf("slot %s %s: blocked = %v, want %v", s.Date, s.Time, s.Blocked, wantBlocked)
		}
	}
}

func TestService_Schedule_DateRange(t *testing.T) {
	f := newFixture(t)
	f.open(t, "doc-1", "2026-03-02", "09:00", "10:00")
	f.open(t, "doc-1", "2026-03-09", "09:00", "10:00")

	slots, err := f.svc.Schedule(context.Background(), Principal{ID: "doc-1", Role: RoleDoctor}, "doc-1", "2026-03-01", "2026-03-05")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots in range, got %d", len(slots))
	}
	if slots[0].Time != "09:00" || slots[1].Time != "09:30" {
		t.Errorf("expected ordered 09:00, 09:30; got %s, %s", slots[0].Time, slots[1].Time)
	}
}

func TestService_Schedule_InvalidDate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Schedule(context.Background(), Principal{ID: "p", Role: RolePatient}, "doc-1", "03/02/2026", "")
	assertKind(t, err, ErrValidation)
}

func TestService_Schedule_HidesOtherPatients(t *testing.T) {
	f := newFixture(t)
	slots := f.open(t, "doc-1", "2026-03-02", "09:00", "09:30")
	f.book(t, "pat-1", slots["09:00"])
	ctx := context.Background()

	tests := []struct {
		name    string
		viewer  Principal
		visible bool
	}{
		{"owner patient", Principal{ID: "pat-1", Role: RolePatient}, true},
		{"other patient", Principal{ID: "pat-2", Role: RolePatient}, false},
		{"own doctor", Principal{ID: "doc-1", Role: RoleDoctor}, true},
		{"other doctor", Principal{ID: "doc-2", Role: RoleDoctor}, false},
		{"admin", Principal{ID: "root", Role: RoleAdmin}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Schedule(ctx, tt.viewer, "doc-1", "", "")
			if err != nil {
				t.Fatalf("Schedule: %v", err)
			}
			if visible := got[0].PatientID != nil; visible != tt.visible {
				t.Errorf("patient visible = %v, want %v", visible, tt.visible)
			}
			if got[0].Status != StatusBooked {
				t.Errorf("status should always be visible, got %q", got[0].Status)
			}
		})
	}
}

// -- Appointments --

type stubRatings map[string]bool

func (s stubRatings) HasRated(_ context.Context, patientID, doctorID string) (bool, error) {
	return s[patientID+"/"+doctorID], nil
}

func TestService_PatientAppointments_Split(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	march := f.open(t, "doc-1", "2026-03-02", "09:00", "11:00")
	jan := f.open(t, "doc-2", "2026-01-05", "09:00", "10:00")

	f.book(t, "pat-1", march["09:00"])
	f.book(t, "pat-1", march["10:00"])
	f.book(t, "pat-1", jan["09:00"])
	if _, err := f.svc.Cancel(ctx, Principal{ID: "pat-1", Role: RolePatient}, march["10:00"].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Move past the January appointment.
	f.advance(10 * 24 * time.Hour)

	svc := NewService(Deps{
		Slots: f.store.Slots(), Carts: f.store.Carts(), Absences: f.store.Absences(), Tx: f.store,
		Clock:   Clock{Now: f.clock, Location: time.UTC},
		Ratings: stubRatings{"pat-1/doc-2": true},
	})
	out, err := svc.PatientAppointments(ctx, "pat-1")
	if err != nil {
		t.Fatalf("PatientAppointments: %v", err)
	}
	if len(out.Upcoming) != 1 || out.Upcoming[0].ID != march["09:00"].ID {
		t.Errorf("expected march 09:00 upcoming, got %+v", out.Upcoming)
	}
	if len(out.Past) != 1 || out.Past[0].ID != jan["09:00"].ID {
		t.Errorf("expected january 09:00 past, got %+v", out.Past)
	}
	if len(out.Cancelled) != 1 || out.Cancelled[0].ID != march["10:00"].ID {
		t.Errorf("expected march 10:00 cancelled, got %+v", out.Cancelled)
	}
	if !out.Rated["doc-2"] {
		t.Errorf("expected doc-2 flagged as rated, got %v", out.Rated)
	}
}

func TestService_PatientAppointments_Empty(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.PatientAppointments(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("PatientAppointments: %v", err)
	}
	if out.Upcoming == nil || out.Past == nil || out.Cancelled == nil {
		t.Error("expected empty, non-nil groups")
	}
	if out.Rated != nil {
		t.Error("expected no rated map without a rating checker")
	}
}

func TestService_DoctorAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slots := f.open(t, "doc-1", "2026-03-02", "09:00", "10:30")
	f.book(t, "pat-1", slots["09:00"])
	f.book(t, "pat-2", slots["10:00"])

	got, err := f.svc.DoctorAppointments(ctx, "doc-1", "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatalf("DoctorAppointments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(got))
	}
	if got[0].PatientDetails == nil || got[0].VisitType == nil || *got[0].VisitType != "consultation" {
		t.Errorf("expected visit details on booked slot, got %+v", got[0])
	}

	if _, err := f.svc.DoctorAppointments(ctx, "doc-1", "bad", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// -- Hold reaper --

func TestHoldReaper_ReleasesExpiredHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slots := f.open(t, "doc-1", "2026-03-02", "09:00", "10:00")

	if _, err := f.svc.Hold(ctx, "pat-1", HoldRequest{StartSlotID: slots["09:00"].ID, Duration: 2, Details: VisitDetails{VisitType: "checkup"}}); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	reaper := NewHoldReaper(f.svc, 15*time.Minute, time.Minute, zerolog.Nop())

	n, err := reaper.ReapOnce(ctx)
	if err != nil {
		t.Fatalf("ReapOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fresh hold to survive, released %d", n)
	}

	f.advance(16 * time.Minute)
	n, err = reaper.ReapOnce(ctx)
	if err != nil {
		t.Fatalf("ReapOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 holds released, got %d", n)
	}
	for _, tm := range []string{"09:00", "09:30"} {
		if got := f.slot(t, slots[tm]); got.Status != StatusFree {
			t.Errorf("slot %s: expected free, got %s", tm, got.Status)
		}
	}
	if items, _ := f.svc.GetCart(ctx, "pat-1"); len(items) != 0 {
		t.Errorf("expected empty cart, got %d items", len(items))
	}
	if f.bus.count(EventHoldExpired) != 1 {
		t.Errorf("expected 1 hold.expired event, got %d", f.bus.count(EventHoldExpired))
	}
}

func TestHoldReaper_Disabled(t *testing.T) {
	f := newFixture(t)
	reaper := NewHoldReaper(f.svc, 0, time.Minute, zerolog.Nop())
	if reaper.Enabled() {
		t.Fatal("expected reaper with zero TTL to be disabled")
	}
	n, err := reaper.ReapOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got n=%d err=%v", n, err)
	}

	done := make(chan struct{})
	go func() {
		reaper.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reaper should return immediately")
	}
}

func TestService_GenerateSingle_PublishesOnlyWhenCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := SingleRule{Date: "2026-03-02", StartTime: "09:00", EndTime: "10:00"}

	res, err := f.svc.GenerateSingle(ctx, "doc-1", rule)
	if err != nil {
		t.Fatalf("GenerateSingle: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("expected 2 created, got %+v", res)
	}
	res, err = f.svc.GenerateSingle(ctx, "doc-1", rule)
	if err != nil {
		t.Fatalf("GenerateSingle again: %v", err)
	}
	if res.Created != 0 || res.Skipped != 2 {
		t.Errorf("expected everything skipped, got %+v", res)
	}
	if n := f.bus.count(EventSlotsGenerated); n != 1 {
		t.Errorf("expected 1 slots.generated event, got %d", n)
	}

	_, err = f.svc.GenerateSingle(ctx, "doc-1", SingleRule{Date: "2026-03-02", StartTime: "10:00", EndTime: "09:00"})
	assertKind(t, err, ErrValidation)
}
