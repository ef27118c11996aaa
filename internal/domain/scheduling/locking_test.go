package scheduling

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// callLog records repository calls in the order a unit of work makes them.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// index returns the position of the first call with the given name, or -1.
func (l *callLog) index(name string) int {
	for i, c := range l.snapshot() {
		if c == name {
			return i
		}
	}
	return -1
}

type loggingSlots struct {
	SlotRepository
	log *callLog
}

func (r loggingSlots) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	r.log.add("slots.GetByID")
	return r.SlotRepository.GetByID(ctx, id)
}

func (r loggingSlots) FindChain(ctx context.Context, doctorID, date string, times []string) ([]*Slot, error) {
	r.log.add("slots.FindChain")
	return r.SlotRepository.FindChain(ctx, doctorID, date, times)
}

func (r loggingSlots) LockDay(ctx context.Context, doctorID, date string) error {
	r.log.add("slots.LockDay " + doctorID + " " + date)
	return r.SlotRepository.LockDay(ctx, doctorID, date)
}

func (r loggingSlots) Transition(ctx context.Context, id uuid.UUID, t Transition) (*Slot, error) {
	r.log.add("slots.Transition")
	return r.SlotRepository.Transition(ctx, id, t)
}

func (r loggingSlots) List(ctx context.Context, f SlotFilter) ([]*Slot, error) {
	r.log.add("slots.List")
	return r.SlotRepository.List(ctx, f)
}

type loggingAbsences struct {
	AbsenceRepository
	log *callLog
}

func (r loggingAbsences) Create(ctx context.Context, a *Absence) error {
	r.log.add("absences.Create")
	return r.AbsenceRepository.Create(ctx, a)
}

func (r loggingAbsences) Exists(ctx context.Context, doctorID, date string) (bool, error) {
	r.log.add("absences.Exists")
	return r.AbsenceRepository.Exists(ctx, doctorID, date)
}

func newLoggingService(t *testing.T) (*Service, *callLog) {
	t.Helper()
	store := NewMemoryStore()
	log := &callLog{}
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(Deps{
		Slots:    loggingSlots{SlotRepository: store.Slots(), log: log},
		Carts:    store.Carts(),
		Absences: loggingAbsences{AbsenceRepository: store.Absences(), log: log},
		Tx:       store,
		Clock:    Clock{Now: func() time.Time { return now }, Location: time.UTC},
	})
	return svc, log
}

// mustOpen opens 09:00-10:00 for doctorID on date and returns the slots in
// time order.
func mustOpen(t *testing.T, svc *Service, doctorID, date string) []*Slot {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.GenerateSingle(ctx, doctorID, SingleRule{Date: date, StartTime: "09:00", EndTime: "10:00"}); err != nil {
		t.Fatalf("GenerateSingle: %v", err)
	}
	slots, err := svc.slots.List(ctx, SlotFilter{DoctorID: doctorID, From: date, To: date})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return slots
}

func assertBefore(t *testing.T, log *callLog, first, then string) {
	t.Helper()
	i, j := log.index(first), log.index(then)
	if i < 0 || j < 0 || i > j {
		t.Errorf("expected %q before %q, got %v", first, then, log.snapshot())
	}
}

func TestLockOrder_HoldLocksDayBeforeChainAndAbsenceCheck(t *testing.T) {
	svc, log := newLoggingService(t)
	slots := mustOpen(t, svc, "doc-1", "2026-03-02")
	log.reset()

	if _, err := svc.Hold(context.Background(), "pat-1", holdReq(slots[0], 2)); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	assertBefore(t, log, "slots.LockDay doc-1 2026-03-02", "slots.FindChain")
	assertBefore(t, log, "slots.LockDay doc-1 2026-03-02", "absences.Exists")
	assertBefore(t, log, "absences.Exists", "slots.Transition")
}

func TestLockOrder_AbsenceLocksDayBeforeWritingAndSweeping(t *testing.T) {
	svc, log := newLoggingService(t)

	if _, _, err := svc.RegisterAbsence(context.Background(), "doc-1", "2026-03-02", "conference"); err != nil {
		t.Fatalf("RegisterAbsence: %v", err)
	}
	calls := log.snapshot()
	if len(calls) == 0 || calls[0] != "slots.LockDay doc-1 2026-03-02" {
		t.Fatalf("expected the day lock first, got %v", calls)
	}
	assertBefore(t, log, "absences.Create", "slots.List")
}

func TestLockOrder_CheckoutRereadsAfterLocking(t *testing.T) {
	svc, log := newLoggingService(t)
	ctx := context.Background()
	slots := mustOpen(t, svc, "doc-1", "2026-03-02")
	if _, err := svc.Hold(ctx, "pat-1", holdReq(slots[0], 1)); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	log.reset()

	if _, err := svc.Checkout(ctx, "pat-1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	calls := log.snapshot()
	lock := log.index("slots.LockDay doc-1 2026-03-02")
	if lock < 0 {
		t.Fatalf("expected a day lock, got %v", calls)
	}
	if lock+1 >= len(calls) || calls[lock+1] != "slots.GetByID" {
		t.Errorf("expected a status read right after the lock, got %v", calls)
	}
	assertBefore(t, log, "slots.LockDay doc-1 2026-03-02", "slots.Transition")
}

func TestLockOrder_CancelLocksDayBeforeTransition(t *testing.T) {
	svc, log := newLoggingService(t)
	ctx := context.Background()
	slots := mustOpen(t, svc, "doc-1", "2026-03-02")
	if _, err := svc.Hold(ctx, "pat-1", holdReq(slots[0], 1)); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if _, err := svc.Checkout(ctx, "pat-1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	log.reset()

	if _, err := svc.Cancel(ctx, Principal{ID: "pat-1", Role: RolePatient}, slots[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	assertBefore(t, log, "slots.LockDay doc-1 2026-03-02", "slots.Transition")
}

func TestLockDays_SortedAndDistinct(t *testing.T) {
	log := &callLog{}
	repo := loggingSlots{SlotRepository: NewMemoryStore().Slots(), log: log}
	slots := []*Slot{
		{DoctorID: "doc-2", Date: "2026-03-03", Time: "09:00"},
		{DoctorID: "doc-1", Date: "2026-03-04", Time: "09:00"},
		{DoctorID: "doc-1", Date: "2026-03-02", Time: "10:00"},
		{DoctorID: "doc-1", Date: "2026-03-02", Time: "09:00"},
	}
	if err := lockDays(context.Background(), repo, slots); err != nil {
		t.Fatalf("lockDays: %v", err)
	}
	want := []string{
		"slots.LockDay doc-1 2026-03-02",
		"slots.LockDay doc-1 2026-03-04",
		"slots.LockDay doc-2 2026-03-03",
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
