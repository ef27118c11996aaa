package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AbsenceManager records doctor absences and cancels what they overlap.
type AbsenceManager struct {
	slots    SlotRepository
	carts    CartRepository
	absences AbsenceRepository
	tx       TxRunner
	bus      Publisher
}

func NewAbsenceManager(slots SlotRepository, carts CartRepository, absences AbsenceRepository, tx TxRunner, bus Publisher) *AbsenceManager {
	return &AbsenceManager{slots: slots, carts: carts, absences: absences, tx: tx, bus: bus}
}

// RegisterAbsence stores the absence, cancels every pending or booked slot of
// the doctor on that date and evicts the holds on them, all in one unit of
// work. The day lock is taken first so a concurrent hold or checkout either
// commits before the cancellation sweep or observes the absence. Free slots
// stay free; reads and holds treat them as blocked.
func (m *AbsenceManager) RegisterAbsence(ctx context.Context, doctorID, date, reason string) (*Absence, int, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case doctorID == "":
		return nil, 0, Validationf("doctorId is required")
	case reason == "":
		return nil, 0, Validationf("reason is required")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, 0, Validationf("invalid date %q", date)
	}

	abs := &Absence{DoctorID: doctorID, Date: date, Reason: reason}
	var cancelled int
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := m.slots.LockDay(ctx, doctorID, date); err != nil {
			return err
		}
		if err := m.absences.Create(ctx, abs); err != nil {
			return err
		}
		affected, err := m.slots.List(ctx, SlotFilter{
			DoctorID: doctorID,
			From:     date,
			To:       date,
			Statuses: []SlotStatus{StatusPending, StatusBooked},
		})
		if err != nil {
			return err
		}

		cancelled = 0
		ids := make([]uuid.UUID, 0, len(affected))
		for _, s := range affected {
			if _, err := m.slots.Transition(ctx, s.ID, Transition{From: s.Status, To: StatusCancelled}); err != nil {
				return err
			}
			ids = append(ids, s.ID)
			cancelled++
		}
		_, err = m.carts.DeleteBySlots(ctx, ids)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if m.bus != nil {
		m.bus.Publish(ctx, doctorID, EventAbsenceRegistered)
	}
	return abs, cancelled, nil
}

func (m *AbsenceManager) ListAbsences(ctx context.Context, doctorID string) ([]*Absence, error) {
	return m.absences.ListByDoctor(ctx, doctorID)
}

// absentDates returns the set of dates on which the doctor is absent.
func (m *AbsenceManager) absentDates(ctx context.Context, doctorID string) (map[string]bool, error) {
	list, err := m.absences.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	dates := make(map[string]bool, len(list))
	for _, a := range list {
		dates[a.Date] = true
	}
	return dates, nil
}
