package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotStatus is the lifecycle state of a slot.
type SlotStatus string

const (
	StatusFree      SlotStatus = "free"
	StatusPending   SlotStatus = "pending"
	StatusBooked    SlotStatus = "booked"
	StatusCancelled SlotStatus = "cancelled"
)

// SlotLength is the fixed duration of one slot.
const SlotLength = 30 * time.Minute

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Roles of the authenticated principal.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Principal is the authenticated caller as handed over by the auth boundary.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// PatientDetails is what the patient filled in on the reservation form.
type PatientDetails struct {
	PatientName   string `json:"patientName,omitempty"`
	PatientAge    string `json:"patientAge,omitempty"`
	PatientGender string `json:"patientGender,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// VisitDetails is shared by every hold of one reservation and copied onto the
// slots at checkout.
type VisitDetails struct {
	VisitType string `json:"visitType"`
	PatientDetails
}

// Slot maps to the slot table.
type Slot struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	DoctorID       string          `db:"doctor_id" json:"doctorId"`
	Date           string          `db:"slot_date" json:"date"`
	Time           string          `db:"slot_time" json:"time"`
	Status         SlotStatus      `db:"status" json:"status"`
	VisitType      *string         `db:"visit_type" json:"visitType,omitempty"`
	PatientID      *string         `db:"patient_id" json:"patientId,omitempty"`
	PatientDetails *PatientDetails `db:"patient_details" json:"patientDetails,omitempty"`
	Blocked        bool            `db:"-" json:"blocked,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

// Start returns the slot start in the clinic location.
func (s *Slot) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, s.Date+" "+s.Time, loc)
}

// Key identifies a slot position on a doctor's calendar.
type SlotKey struct {
	DoctorID string
	Date     string
	Time     string
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s@%s %s", k.DoctorID, k.Date, k.Time)
}

// CartHold maps to the cart_hold table. One row exists per held slot; rows of
// the same reservation share ChainID and VisitDetails.
type CartHold struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	PatientID    string       `db:"patient_id" json:"patientId"`
	SlotID       uuid.UUID    `db:"slot_id" json:"slotId"`
	ChainID      uuid.UUID    `db:"chain_id" json:"chainId"`
	Position     int          `db:"position" json:"position"`
	VisitDetails VisitDetails `db:"visit_details" json:"visitDetails"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
}

// IsHead reports whether the hold is the first slot of its chain.
func (h *CartHold) IsHead() bool { return h.Position == 0 }

// CartItem is a hold together with the slot it pins.
type CartItem struct {
	CartHold
	Slot *Slot `json:"slot"`
}

// Absence maps to the absence table.
type Absence struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DoctorID  string    `db:"doctor_id" json:"doctorId"`
	Date      string    `db:"absence_date" json:"date"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// TimeRange is a half-open [Start, End) interval of wall-clock times.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CyclicalRule is a weekly availability pattern bounded by a date range.
// Weekdays use 0 for Sunday through 6 for Saturday.
type CyclicalRule struct {
	StartDate  string      `json:"startDate"`
	EndDate    string      `json:"endDate"`
	Weekdays   []int       `json:"weekdays"`
	TimeRanges []TimeRange `json:"timeRanges"`
}

// SingleRule opens one range on one date.
type SingleRule struct {
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Cyclical expresses the single-day rule as a one-date cyclical rule.
func (r SingleRule) Cyclical() (CyclicalRule, error) {
	d, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return CyclicalRule{}, Validationf("invalid date %q", r.Date)
	}
	return CyclicalRule{
		StartDate:  r.Date,
		EndDate:    r.Date,
		Weekdays:   []int{int(d.Weekday())},
		TimeRanges: []TimeRange{{Start: r.StartTime, End: r.EndTime}},
	}, nil
}

// GenerateResult reports what a generation run wrote.
type GenerateResult struct {
	Created int `json:"createdCount"`
	Skipped int `json:"skippedCount"`
}

// HoldRequest is the input of BookingEngine.Hold.
type HoldRequest struct {
	StartSlotID uuid.UUID    `json:"startSlotId"`
	Duration    int          `json:"duration"`
	Details     VisitDetails `json:"details"`
}

// HoldConfirmation is returned by a successful hold.
type HoldConfirmation struct {
	ChainID uuid.UUID `json:"chainId"`
	Slots   []*Slot   `json:"slots"`
}

// PatientAppointments groups a patient's bookings for display.
type PatientAppointments struct {
	Upcoming  []*Slot         `json:"upcoming"`
	Past      []*Slot         `json:"past"`
	Cancelled []*Slot         `json:"cancelled"`
	Rated     map[string]bool `json:"rated,omitempty"`
}

func strPtr(s string) *string { return &s }
