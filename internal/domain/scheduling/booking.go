package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxHoldDuration is the longest chain a single hold may pin, in slots.
const MaxHoldDuration = 3

// BookingEngine owns every slot transition driven by patients: holds, cart
// removal, checkout, cancellation and hold expiry.
type BookingEngine struct {
	slots    SlotRepository
	carts    CartRepository
	absences AbsenceRepository
	tx       TxRunner
	bus      Publisher
	now      func() time.Time
	loc      *time.Location
}

func NewBookingEngine(slots SlotRepository, carts CartRepository, absences AbsenceRepository, tx TxRunner, bus Publisher, clock Clock) *BookingEngine {
	clock = clock.orDefault()
	return &BookingEngine{
		slots:    slots,
		carts:    carts,
		absences: absences,
		tx:       tx,
		bus:      bus,
		now:      clock.Now,
		loc:      clock.Location,
	}
}

// Clock supplies the current instant and the clinic timezone in which slot
// dates and times are interpreted.
type Clock struct {
	Now      func() time.Time
	Location *time.Location
}

func (c Clock) orDefault() Clock {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// SystemClock is time.Now in loc.
func SystemClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return Clock{Now: time.Now, Location: loc}
}

func (e *BookingEngine) elapsed(s *Slot) (bool, error) {
	start, err := s.Start(e.loc)
	if err != nil {
		return false, err
	}
	return !start.After(e.now()), nil
}

func (e *BookingEngine) publish(ctx context.Context, eventType string, doctorIDs ...string) {
	if e.bus == nil {
		return
	}
	seen := make(map[string]bool, len(doctorIDs))
	for _, id := range doctorIDs {
		if !seen[id] {
			seen[id] = true
			e.bus.Publish(ctx, id, eventType)
		}
	}
}

// chainTimes returns the start times of a chain of n slots beginning at
// start. ok is false when the chain would cross midnight.
func chainTimes(start string, n int) ([]string, bool) {
	from, err := parseClock(start)
	if err != nil {
		return nil, false
	}
	times := make([]string, n)
	for i := range times {
		t := from + time.Duration(i)*SlotLength
		if t >= 24*time.Hour {
			return nil, false
		}
		times[i] = formatClock(t)
	}
	return times, true
}

// Hold pins duration contiguous slots starting at req.StartSlotID for the
// patient. Either every slot of the chain becomes pending with a cart row,
// or nothing changes.
func (e *BookingEngine) Hold(ctx context.Context, patientID string, req HoldRequest) (*HoldConfirmation, error) {
	if req.Duration < 1 || req.Duration > MaxHoldDuration {
		return nil, Validationf("duration must be between 1 and %d slots, got %d", MaxHoldDuration, req.Duration)
	}
	if req.Details.VisitType == "" {
		return nil, Validationf("visitType is required")
	}

	conf := &HoldConfirmation{ChainID: uuid.New()}
	var doctorID string
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		start, err := e.slots.GetByID(ctx, req.StartSlotID)
		if errors.Is(err, ErrNotFound) {
			return Unavailablef("slot %s does not exist", req.StartSlotID)
		}
		if err != nil {
			return err
		}
		doctorID = start.DoctorID
		if err := e.slots.LockDay(ctx, start.DoctorID, start.Date); err != nil {
			return err
		}

		times, ok := chainTimes(start.Time, req.Duration)
		if !ok {
			return Unavailablef("a %d slot visit starting at %s runs past midnight", req.Duration, start.Time)
		}
		chain, err := e.slots.FindChain(ctx, start.DoctorID, start.Date, times)
		if err != nil {
			return err
		}

		past, err := e.elapsed(start)
		if err != nil {
			return err
		}
		if past {
			return &Error{Kind: KindPastAppointment, Message: "slot " + start.Date + " " + start.Time + " has already started"}
		}
		absent, err := e.absences.Exists(ctx, start.DoctorID, start.Date)
		if err != nil {
			return err
		}
		if absent {
			return Unavailablef("doctor is absent on %s", start.Date)
		}

		for i, s := range chain {
			switch {
			case s == nil:
				return Unavailablef("no slot at %s %s", start.Date, times[i])
			case s.Status == StatusPending:
				return Conflictf("slot %s %s is already held", s.Date, s.Time)
			case s.Status != StatusFree:
				return Unavailablef("slot %s %s is %s", s.Date, s.Time, s.Status)
			}
		}

		conf.Slots = make([]*Slot, 0, len(chain))
		for i, s := range chain {
			held, err := e.slots.Transition(ctx, s.ID, Transition{From: StatusFree, To: StatusPending})
			if err != nil {
				return err
			}
			if err := e.carts.Create(ctx, &CartHold{
				PatientID:    patientID,
				SlotID:       s.ID,
				ChainID:      conf.ChainID,
				Position:     i,
				VisitDetails: req.Details,
			}); err != nil {
				return err
			}
			conf.Slots = append(conf.Slots, held)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, EventSlotHeld, doctorID)
	return conf, nil
}

// Remove drops the patient's hold on slotID. Removing a chain head releases
// the whole chain; removing a later slot releases only that slot.
func (e *BookingEngine) Remove(ctx context.Context, patientID string, slotID uuid.UUID) (int, error) {
	var released []uuid.UUID
	var doctorID string
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := e.carts.GetBySlot(ctx, slotID)
		if err != nil {
			return err
		}
		if hold.PatientID != patientID {
			return Forbiddenf("slot %s is held by another patient", slotID)
		}

		holds := []*CartHold{hold}
		if hold.IsHead() {
			if holds, err = e.carts.ListByChain(ctx, hold.ChainID); err != nil {
				return err
			}
		}

		if err := e.lockHeldDays(ctx, holds); err != nil {
			return err
		}

		released = released[:0]
		for _, h := range holds {
			s, err := e.release(ctx, h.SlotID)
			if err != nil {
				return err
			}
			if s != nil {
				doctorID = s.DoctorID
			}
			released = append(released, h.SlotID)
		}
		_, err = e.carts.DeleteBySlots(ctx, released)
		return err
	})
	if err != nil {
		return 0, err
	}
	if doctorID != "" {
		e.publish(ctx, EventSlotReleased, doctorID)
	}
	return len(released), nil
}

// release moves a held slot back to free. A slot that is no longer pending
// is left as is and nil is returned.
func (e *BookingEngine) release(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	s, err := e.slots.Transition(ctx, slotID, Transition{From: StatusPending, To: StatusFree})
	if errors.Is(err, ErrConflict) {
		return nil, nil
	}
	return s, err
}

// GetCart lists the patient's holds with their slots, ordered by date and time.
func (e *BookingEngine) GetCart(ctx context.Context, patientID string) ([]*CartItem, error) {
	holds, err := e.carts.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	items := make([]*CartItem, 0, len(holds))
	for _, h := range holds {
		s, err := e.slots.GetByID(ctx, h.SlotID)
		if err != nil {
			return nil, err
		}
		items = append(items, &CartItem{CartHold: *h, Slot: s})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Slot, items[j].Slot
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Time < b.Time
	})
	return items, nil
}

// Checkout books every held slot of the patient. If any held slot is no
// longer pending nothing is committed and the cart is left untouched.
func (e *BookingEngine) Checkout(ctx context.Context, patientID string) ([]*Slot, error) {
	var booked []*Slot
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		holds, err := e.carts.ListByPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if len(holds) == 0 {
			return &Error{Kind: KindEmptyCart, Message: "cart is empty"}
		}

		if err := e.lockHeldDays(ctx, holds); err != nil {
			return err
		}
		for _, h := range holds {
			s, err := e.slots.GetByID(ctx, h.SlotID)
			if err != nil {
				return err
			}
			if s.Status != StatusPending {
				return Conflictf("held slot %s %s is now %s", s.Date, s.Time, s.Status)
			}
		}

		booked = make([]*Slot, 0, len(holds))
		slotIDs := make([]uuid.UUID, 0, len(holds))
		for _, h := range holds {
			details := h.VisitDetails.PatientDetails
			s, err := e.slots.Transition(ctx, h.SlotID, Transition{
				From:      StatusPending,
				To:        StatusBooked,
				PatientID: strPtr(patientID),
				VisitType: strPtr(h.VisitDetails.VisitType),
				Details:   &details,
			})
			if err != nil {
				return err
			}
			booked = append(booked, s)
			slotIDs = append(slotIDs, h.SlotID)
		}
		_, err = e.carts.DeleteBySlots(ctx, slotIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortSlots(booked)
	doctors := make([]string, 0, len(booked))
	for _, s := range booked {
		doctors = append(doctors, s.DoctorID)
	}
	e.publish(ctx, EventBookingConfirmed, doctors...)
	return booked, nil
}

// Cancel moves a booked slot to cancelled. Patients may cancel their own
// bookings, doctors bookings on their calendar, admins any booking.
func (e *BookingEngine) Cancel(ctx context.Context, who Principal, slotID uuid.UUID) (*Slot, error) {
	var cancelled *Slot
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		s, err := e.slots.GetByID(ctx, slotID)
		if err != nil {
			return err
		}
		if err := e.slots.LockDay(ctx, s.DoctorID, s.Date); err != nil {
			return err
		}
		if s, err = e.slots.GetByID(ctx, slotID); err != nil {
			return err
		}
		if !canCancel(who, s) {
			return Forbiddenf("not allowed to cancel slot %s", slotID)
		}
		if s.Status != StatusBooked {
			return Conflictf("slot %s is %s, not booked", slotID, s.Status)
		}
		past, err := e.elapsed(s)
		if err != nil {
			return err
		}
		if past {
			return &Error{Kind: KindPastAppointment, Message: "appointment has already started"}
		}
		cancelled, err = e.slots.Transition(ctx, slotID, Transition{From: StatusBooked, To: StatusCancelled})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, EventBookingCancelled, cancelled.DoctorID)
	return cancelled, nil
}

func canCancel(who Principal, s *Slot) bool {
	switch who.Role {
	case RoleAdmin:
		return true
	case RoleDoctor:
		return s.DoctorID == who.ID
	case RolePatient:
		return s.PatientID != nil && *s.PatientID == who.ID
	}
	return false
}

// ExpireHolds releases every hold created before cutoff and returns the
// number of holds removed.
func (e *BookingEngine) ExpireHolds(ctx context.Context, cutoff time.Time) (int, error) {
	var doctors []string
	var n int
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		holds, err := e.carts.ListCreatedBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		if err := e.lockHeldDays(ctx, holds); err != nil {
			return err
		}
		doctors = doctors[:0]
		slotIDs := make([]uuid.UUID, 0, len(holds))
		for _, h := range holds {
			s, err := e.release(ctx, h.SlotID)
			if err != nil {
				return err
			}
			if s != nil {
				doctors = append(doctors, s.DoctorID)
			}
			slotIDs = append(slotIDs, h.SlotID)
		}
		n, err = e.carts.DeleteBySlots(ctx, slotIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(doctors)
	e.publish(ctx, EventHoldExpired, doctors...)
	return n, nil
}

// lockHeldDays locks the calendar days of the held slots. Slot state read
// before the call may be stale once it returns.
func (e *BookingEngine) lockHeldDays(ctx context.Context, holds []*CartHold) error {
	slots := make([]*Slot, 0, len(holds))
	for _, h := range holds {
		s, err := e.slots.GetByID(ctx, h.SlotID)
		if err != nil {
			return err
		}
		slots = append(slots, s)
	}
	return lockDays(ctx, e.slots, slots)
}

func lockDays(ctx context.Context, repo SlotRepository, slots []*Slot) error {
	seen := make(map[SlotKey]bool, len(slots))
	days := make([]SlotKey, 0, len(slots))
	for _, s := range slots {
		k := SlotKey{DoctorID: s.DoctorID, Date: s.Date}
		if !seen[k] {
			seen[k] = true
			days = append(days, k)
		}
	}
	sort.Slice(days, func(i, j int) bool {
		if days[i].DoctorID != days[j].DoctorID {
			return days[i].DoctorID < days[j].DoctorID
		}
		return days[i].Date < days[j].Date
	})
	for _, d := range days {
		if err := repo.LockDay(ctx, d.DoctorID, d.Date); err != nil {
			return err
		}
	}
	return nil
}
