package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/clinic/clinic/internal/domain/scheduling")

// Service is the entry point used by the HTTP layer and background workers.
type Service struct {
	slots     SlotRepository
	generator *Generator
	engine    *BookingEngine
	absences  *AbsenceManager
	ratings   RatingChecker
	clock     Clock
}

type Deps struct {
	Slots    SlotRepository
	Carts    CartRepository
	Absences AbsenceRepository
	Tx       TxRunner
	Bus      Publisher
	Clock    Clock
	Ratings  RatingChecker
}

func NewService(d Deps) *Service {
	clock := d.Clock.orDefault()
	return &Service{
		slots:     d.Slots,
		generator: NewGenerator(d.Slots, d.Tx),
		engine:    NewBookingEngine(d.Slots, d.Carts, d.Absences, d.Tx, d.Bus, clock),
		absences:  NewAbsenceManager(d.Slots, d.Carts, d.Absences, d.Tx, d.Bus),
		ratings:   d.Ratings,
		clock:     clock,
	}
}

// NewMemoryService wires a Service to a fresh MemoryStore.
func NewMemoryService(bus Publisher, clock Clock) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(Deps{
		Slots:    store.Slots(),
		Carts:    store.Carts(),
		Absences: store.Absences(),
		Tx:       store,
		Bus:      bus,
		Clock:    clock,
	})
	return svc, store
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scheduling."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("scheduling.error_kind", string(kind)))
		}
	}
	span.End()
}

func validDate(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return Validationf("invalid %s %q", field, value)
	}
	return nil
}

// -- Availability --

func (s *Service) GenerateSingle(ctx context.Context, doctorID string, rule SingleRule) (res GenerateResult, err error) {
	ctx, span := startSpan(ctx, "GenerateSingle", attribute.String("doctor.id", doctorID))
	defer func() { endSpan(span, err) }()
	res, err = s.generator.GenerateSingle(ctx, doctorID, rule)
	s.slotsGenerated(ctx, doctorID, res, err)
	return res, err
}

func (s *Service) GenerateCyclical(ctx context.Context, doctorID string, rule CyclicalRule) (res GenerateResult, err error) {
	ctx, span := startSpan(ctx, "GenerateCyclical", attribute.String("doctor.id", doctorID))
	defer func() { endSpan(span, err) }()
	res, err = s.generator.GenerateCyclical(ctx, doctorID, rule)
	s.slotsGenerated(ctx, doctorID, res, err)
	return res, err
}

func (s *Service) slotsGenerated(ctx context.Context, doctorID string, res GenerateResult, err error) {
	if err == nil && res.Created > 0 && s.engine.bus != nil {
		s.engine.bus.Publish(ctx, doctorID, EventSlotsGenerated)
	}
}

// Schedule lists a doctor's slots between from and to inclusive. Free slots
// on absence dates are flagged Blocked. Patient data is only visible to the
// doctor, admins and the patient who booked the slot.
func (s *Service) Schedule(ctx context.Context, viewer Principal, doctorID, from, to string) (items []*Slot, err error) {
	ctx, span := startSpan(ctx, "Schedule", attribute.String("doctor.id", doctorID))
	defer func() { endSpan(span, err) }()

	if err := validDate("from", from); err != nil {
		return nil, err
	}
	if err := validDate("to", to); err != nil {
		return nil, err
	}
	items, err = s.slots.List(ctx, SlotFilter{DoctorID: doctorID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	absent, err := s.absences.absentDates(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	for _, sl := range items {
		if sl.Status == StatusFree && absent[sl.Date] {
			sl.Blocked = true
		}
		if !canSeePatient(viewer, sl) {
			sl.PatientID, sl.PatientDetails, sl.VisitType = nil, nil, nil
		}
	}
	return items, nil
}

func canSeePatient(viewer Principal, sl *Slot) bool {
	switch viewer.Role {
	case RoleAdmin:
		return true
	case RoleDoctor:
		return viewer.ID == sl.DoctorID
	}
	return sl.PatientID != nil && *sl.PatientID == viewer.ID
}

// -- Cart & booking --

func (s *Service) Hold(ctx context.Context, patientID string, req HoldRequest) (conf *HoldConfirmation, err error) {
	ctx, span := startSpan(ctx, "Hold",
		attribute.String("slot.id", req.StartSlotID.String()),
		attribute.Int("hold.duration", req.Duration))
	defer func() { endSpan(span, err) }()
	return s.engine.Hold(ctx, patientID, req)
}

func (s *Service) GetCart(ctx context.Context, patientID string) ([]*CartItem, error) {
	return s.engine.GetCart(ctx, patientID)
}

func (s *Service) RemoveFromCart(ctx context.Context, patientID string, slotID uuid.UUID) (n int, err error) {
	ctx, span := startSpan(ctx, "RemoveFromCart", attribute.String("slot.id", slotID.String()))
	defer func() { endSpan(span, err) }()
	return s.engine.Remove(ctx, patientID, slotID)
}

func (s *Service) Checkout(ctx context.Context, patientID string) (booked []*Slot, err error) {
	ctx, span := startSpan(ctx, "Checkout")
	defer func() { endSpan(span, err) }()
	booked, err = s.engine.Checkout(ctx, patientID)
	span.SetAttributes(attribute.Int("booking.count", len(booked)))
	return booked, err
}

func (s *Service) Cancel(ctx context.Context, who Principal, slotID uuid.UUID) (slot *Slot, err error) {
	ctx, span := startSpan(ctx, "Cancel",
		attribute.String("slot.id", slotID.String()),
		attribute.String("principal.role", who.Role))
	defer func() { endSpan(span, err) }()
	return s.engine.Cancel(ctx, who, slotID)
}

// ExpireHolds releases holds older than ttl.
func (s *Service) ExpireHolds(ctx context.Context, ttl time.Duration) (n int, err error) {
	ctx, span := startSpan(ctx, "ExpireHolds", attribute.String("hold.ttl", ttl.String()))
	defer func() { endSpan(span, err) }()
	return s.engine.ExpireHolds(ctx, s.clock.Now().Add(-ttl))
}

// -- Appointments --

// PatientAppointments splits the patient's bookings into upcoming, past and
// cancelled, each ordered by date and time.
func (s *Service) PatientAppointments(ctx context.Context, patientID string) (*PatientAppointments, error) {
	items, err := s.slots.List(ctx, SlotFilter{
		PatientID: patientID,
		Statuses:  []SlotStatus{StatusBooked, StatusCancelled},
	})
	if err != nil {
		return nil, err
	}

	out := &PatientAppointments{Upcoming: []*Slot{}, Past: []*Slot{}, Cancelled: []*Slot{}}
	doctors := make(map[string]bool)
	for _, sl := range items {
		if sl.Status == StatusCancelled {
			out.Cancelled = append(out.Cancelled, sl)
			continue
		}
		past, err := s.engine.elapsed(sl)
		if err != nil {
			return nil, err
		}
		if past {
			out.Past = append(out.Past, sl)
			doctors[sl.DoctorID] = true
		} else {
			out.Upcoming = append(out.Upcoming, sl)
		}
	}

	if s.ratings != nil && len(doctors) > 0 {
		ids := make([]string, 0, len(doctors))
		for id := range doctors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out.Rated = make(map[string]bool, len(ids))
		for _, id := range ids {
			rated, err := s.ratings.HasRated(ctx, patientID, id)
			if err != nil {
				return nil, err
			}
			out.Rated[id] = rated
		}
	}
	return out, nil
}

// DoctorAppointments lists booked and cancelled slots on the doctor's calendar.
func (s *Service) DoctorAppointments(ctx context.Context, doctorID, from, to string) ([]*Slot, error) {
	if err := validDate("from", from); err != nil {
		return nil, err
	}
	if err := validDate("to", to); err != nil {
		return nil, err
	}
	return s.slots.List(ctx, SlotFilter{
		DoctorID: doctorID,
		From:     from,
		To:       to,
		Statuses: []SlotStatus{StatusBooked, StatusCancelled},
	})
}

// -- Absences --

func (s *Service) RegisterAbsence(ctx context.Context, doctorID, date, reason string) (abs *Absence, cancelled int, err error) {
	ctx, span := startSpan(ctx, "RegisterAbsence",
		attribute.String("doctor.id", doctorID),
		attribute.String("absence.date", date))
	defer func() { endSpan(span, err) }()
	abs, cancelled, err = s.absences.RegisterAbsence(ctx, doctorID, date, reason)
	span.SetAttributes(attribute.Int("absence.cancelled", cancelled))
	return abs, cancelled, err
}

func (s *Service) ListAbsences(ctx context.Context, doctorID string) ([]*Absence, error) {
	return s.absences.ListAbsences(ctx, doctorID)
}
