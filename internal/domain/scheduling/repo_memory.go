package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps slots, holds and absences in process. A single mutex
// serializes every call; WithinTx holds it for the whole unit of work and
// replays an undo log of the touched keys when fn fails.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	undo []func()

	slots      map[uuid.UUID]Slot
	slotKeys   map[SlotKey]uuid.UUID
	holds      map[uuid.UUID]CartHold
	holdBySlot map[uuid.UUID]uuid.UUID
	absences   map[uuid.UUID]Absence
	absentOn   map[[2]string]uuid.UUID
}

type memTxKey struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		slots:      make(map[uuid.UUID]Slot),
		slotKeys:   make(map[SlotKey]uuid.UUID),
		holds:      make(map[uuid.UUID]CartHold),
		holdBySlot: make(map[uuid.UUID]uuid.UUID),
		absences:   make(map[uuid.UUID]Absence),
		absentOn:   make(map[[2]string]uuid.UUID),
	}
}

func (m *MemoryStore) Slots() SlotRepository       { return memSlotRepo{m} }
func (m *MemoryStore) Carts() CartRepository       { return memCartRepo{m} }
func (m *MemoryStore) Absences() AbsenceRepository { return memAbsenceRepo{m} }

// lock acquires the store mutex unless ctx already runs inside this store's
// unit of work.
func (m *MemoryStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) == m {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) == m {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.undo = make([]func(), 0, 8)
	defer func() { m.undo = nil }()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		for i := len(m.undo) - 1; i >= 0; i-- {
			m.undo[i]()
		}
		return err
	}
	return nil
}

// put writes dst[k] = v, logging the previous entry when a unit of work is open.
func put[K comparable, V any](m *MemoryStore, dst map[K]V, k K, v V) {
	remember(m, dst, k)
	dst[k] = v
}

// del removes dst[k], logging the previous entry when a unit of work is open.
func del[K comparable, V any](m *MemoryStore, dst map[K]V, k K) {
	remember(m, dst, k)
	delete(dst, k)
}

func remember[K comparable, V any](m *MemoryStore, dst map[K]V, k K) {
	if m.undo == nil {
		return
	}
	old, had := dst[k]
	m.undo = append(m.undo, func() {
		if had {
			dst[k] = old
		} else {
			delete(dst, k)
		}
	})
}

// SetStatus overwrites a slot's status without checks. It exists for
// operational repair and tests.
func (m *MemoryStore) SetStatus(id uuid.UUID, status SlotStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return false
	}
	s.Status = status
	m.slots[id] = s
	return true
}

// =========== Slots ===========

type memSlotRepo struct{ m *MemoryStore }

func (r memSlotRepo) Insert(ctx context.Context, s *Slot) (bool, error) {
	defer r.m.lock(ctx)()
	key := SlotKey{DoctorID: s.DoctorID, Date: s.Date, Time: s.Time}
	if _, exists := r.m.slotKeys[key]; exists {
		return false, nil
	}
	s.ID = uuid.New()
	s.Status = StatusFree
	s.CreatedAt = r.m.now()
	s.UpdatedAt = s.CreatedAt
	put(r.m, r.m.slots, s.ID, *s)
	put(r.m, r.m.slotKeys, key, s.ID)
	return true, nil
}

func (r memSlotRepo) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer r.m.lock(ctx)()
	s, ok := r.m.slots[id]
	if !ok {
		return nil, NotFoundf("slot %s not found", id)
	}
	return &s, nil
}

func (r memSlotRepo) FindChain(ctx context.Context, doctorID, date string, times []string) ([]*Slot, error) {
	defer r.m.lock(ctx)()
	chain := make([]*Slot, len(times))
	for i, t := range times {
		if id, ok := r.m.slotKeys[SlotKey{DoctorID: doctorID, Date: date, Time: t}]; ok {
			s := r.m.slots[id]
			chain[i] = &s
		}
	}
	return chain, nil
}

// LockDay is a no-op: the store mutex already serializes units of work.
func (r memSlotRepo) LockDay(ctx context.Context, doctorID, date string) error { return nil }

func (r memSlotRepo) Transition(ctx context.Context, id uuid.UUID, t Transition) (*Slot, error) {
	if err := checkTransition(t.From, t.To); err != nil {
		return nil, err
	}
	defer r.m.lock(ctx)()
	s, ok := r.m.slots[id]
	if !ok || s.Status != t.From {
		return nil, Conflictf("slot %s is no longer %s", id, t.From)
	}
	s.Status = t.To
	if t.PatientID != nil {
		s.PatientID = t.PatientID
	}
	if t.VisitType != nil {
		s.VisitType = t.VisitType
	}
	if t.Details != nil {
		d := *t.Details
		s.PatientDetails = &d
	}
	s.UpdatedAt = r.m.now()
	put(r.m, r.m.slots, id, s)
	return &s, nil
}

func (r memSlotRepo) List(ctx context.Context, f SlotFilter) ([]*Slot, error) {
	defer r.m.lock(ctx)()
	var statuses map[SlotStatus]bool
	if len(f.Statuses) > 0 {
		statuses = make(map[SlotStatus]bool, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses[st] = true
		}
	}

	var items []*Slot
	for _, s := range r.m.slots {
		switch {
		case f.DoctorID != "" && s.DoctorID != f.DoctorID:
			continue
		case f.PatientID != "" && (s.PatientID == nil || *s.PatientID != f.PatientID):
			continue
		case f.From != "" && s.Date < f.From:
			continue
		case f.To != "" && s.Date > f.To:
			continue
		case statuses != nil && !statuses[s.Status]:
			continue
		}
		s := s
		items = append(items, &s)
	}
	sortSlots(items)
	return items, nil
}

func sortSlots(items []*Slot) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.DoctorID < b.DoctorID
	})
}

// =========== Cart ===========

type memCartRepo struct{ m *MemoryStore }

func (r memCartRepo) Create(ctx context.Context, h *CartHold) error {
	defer r.m.lock(ctx)()
	if _, held := r.m.holdBySlot[h.SlotID]; held {
		return Conflictf("slot %s is already held", h.SlotID)
	}
	h.ID = uuid.New()
	h.CreatedAt = r.m.now()
	put(r.m, r.m.holds, h.ID, *h)
	put(r.m, r.m.holdBySlot, h.SlotID, h.ID)
	return nil
}

func (r memCartRepo) GetBySlot(ctx context.Context, slotID uuid.UUID) (*CartHold, error) {
	defer r.m.lock(ctx)()
	id, ok := r.m.holdBySlot[slotID]
	if !ok {
		return nil, NotFoundf("no hold on slot %s", slotID)
	}
	h := r.m.holds[id]
	return &h, nil
}

func (r memCartRepo) filter(ctx context.Context, keep func(*CartHold) bool) []*CartHold {
	defer r.m.lock(ctx)()
	var items []*CartHold
	for _, h := range r.m.holds {
		h := h
		if keep(&h) {
			items = append(items, &h)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ChainID != b.ChainID {
			return a.ChainID.String() < b.ChainID.String()
		}
		return a.Position < b.Position
	})
	return items
}

func (r memCartRepo) ListByPatient(ctx context.Context, patientID string) ([]*CartHold, error) {
	return r.filter(ctx, func(h *CartHold) bool { return h.PatientID == patientID }), nil
}

func (r memCartRepo) ListByChain(ctx context.Context, chainID uuid.UUID) ([]*CartHold, error) {
	return r.filter(ctx, func(h *CartHold) bool { return h.ChainID == chainID }), nil
}

func (r memCartRepo) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*CartHold, error) {
	return r.filter(ctx, func(h *CartHold) bool { return h.CreatedAt.Before(cutoff) }), nil
}

func (r memCartRepo) DeleteBySlots(ctx context.Context, slotIDs []uuid.UUID) (int, error) {
	defer r.m.lock(ctx)()
	n := 0
	for _, sid := range slotIDs {
		id, ok := r.m.holdBySlot[sid]
		if !ok {
			continue
		}
		del(r.m, r.m.holds, id)
		del(r.m, r.m.holdBySlot, sid)
		n++
	}
	return n, nil
}

// =========== Absences ===========

type memAbsenceRepo struct{ m *MemoryStore }

func (r memAbsenceRepo) Create(ctx context.Context, a *Absence) error {
	defer r.m.lock(ctx)()
	key := [2]string{a.DoctorID, a.Date}
	if _, exists := r.m.absentOn[key]; exists {
		return &Error{Kind: KindDuplicate, Message: "doctor already absent on " + a.Date}
	}
	a.ID = uuid.New()
	a.CreatedAt = r.m.now()
	put(r.m, r.m.absences, a.ID, *a)
	put(r.m, r.m.absentOn, key, a.ID)
	return nil
}

func (r memAbsenceRepo) Exists(ctx context.Context, doctorID, date string) (bool, error) {
	defer r.m.lock(ctx)()
	_, ok := r.m.absentOn[[2]string{doctorID, date}]
	return ok, nil
}

func (r memAbsenceRepo) ListByDoctor(ctx context.Context, doctorID string) ([]*Absence, error) {
	defer r.m.lock(ctx)()
	var items []*Absence
	for _, a := range r.m.absences {
		if a.DoctorID == doctorID {
			a := a
			items = append(items, &a)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date < items[j].Date })
	return items, nil
}

// SetClock replaces the clock used to stamp created_at and updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
