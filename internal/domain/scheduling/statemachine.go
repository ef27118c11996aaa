package scheduling

// allowedTransitions lists every legal slot status change.
// free -> free is the idempotent regeneration no-op and never reaches storage.
var allowedTransitions = map[SlotStatus]map[SlotStatus]bool{
	StatusFree: {
		StatusFree:    true,
		StatusPending: true,
	},
	StatusPending: {
		StatusBooked:    true,
		StatusFree:      true,
		StatusCancelled: true,
	},
	StatusBooked: {
		StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to SlotStatus) bool {
	return allowedTransitions[from][to]
}

// checkTransition returns a ConflictError for an illegal transition.
func checkTransition(from, to SlotStatus) error {
	if !CanTransition(from, to) {
		return Conflictf("slot cannot move from %s to %s", from, to)
	}
	return nil
}

// Transition describes a check-and-set on one slot. Booking fields are only
// written on pending -> booked.
type Transition struct {
	From      SlotStatus
	To        SlotStatus
	PatientID *string
	VisitType *string
	Details   *PatientDetails
}
