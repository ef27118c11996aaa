package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotFilter selects slots for listing. Empty fields do not filter.
// From and To are inclusive dates.
type SlotFilter struct {
	DoctorID  string
	PatientID string
	From      string
	To        string
	Statuses  []SlotStatus
}

type SlotRepository interface {
	// Insert writes a free slot unless one exists at the same doctor/date/time.
	Insert(ctx context.Context, s *Slot) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// FindChain returns the slots at the given times of one doctor and date,
	// locked for the current unit of work. Missing positions are nil.
	FindChain(ctx context.Context, doctorID, date string, times []string) ([]*Slot, error)
	// LockDay serializes units of work touching one doctor's calendar day.
	// The lock is held until the surrounding unit of work ends. Callers
	// locking several days take them in ascending doctor/date order.
	LockDay(ctx context.Context, doctorID, date string) error
	// Transition is a check-and-set on status. Zero affected rows yields ErrConflict.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*Slot, error)
	List(ctx context.Context, f SlotFilter) ([]*Slot, error)
}

type CartRepository interface {
	Create(ctx context.Context, h *CartHold) error
	GetBySlot(ctx context.Context, slotID uuid.UUID) (*CartHold, error)
	ListByPatient(ctx context.Context, patientID string) ([]*CartHold, error)
	ListByChain(ctx context.Context, chainID uuid.UUID) ([]*CartHold, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*CartHold, error)
	DeleteBySlots(ctx context.Context, slotIDs []uuid.UUID) (int, error)
}

type AbsenceRepository interface {
	// Create fails with ErrDuplicate when the doctor already has an absence on that date.
	Create(ctx context.Context, a *Absence) error
	Exists(ctx context.Context, doctorID, date string) (bool, error)
	ListByDoctor(ctx context.Context, doctorID string) ([]*Absence, error)
}

// TxRunner runs fn as one unit of work. Repository calls made with the ctx
// passed to fn join it; an error from fn discards every write.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RatingChecker answers whether a patient has already rated a doctor.
type RatingChecker interface {
	HasRated(ctx context.Context, patientID, doctorID string) (bool, error)
}

// Publisher receives schedule change notifications.
type Publisher interface {
	Publish(ctx context.Context, doctorID, eventType string)
}

// Event types.
const (
	EventSlotsGenerated    = "slots.generated"
	EventSlotHeld          = "slot.held"
	EventSlotReleased      = "slot.released"
	EventBookingConfirmed  = "booking.confirmed"
	EventBookingCancelled  = "booking.cancelled"
	EventAbsenceRegistered = "absence.registered"
	EventHoldExpired       = "hold.expired"
)
