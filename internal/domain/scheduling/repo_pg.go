package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const slotCols = `id, doctor_id, to_char(slot_date, 'YYYY-MM-DD'), to_char(slot_time, 'HH24:MI'),
	status, visit_type, patient_id, patient_details, created_at, updated_at`

func (r *slotRepoPG) scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.Date, &s.Time,
		&s.Status, &s.VisitType, &s.PatientID, &s.PatientDetails, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *slotRepoPG) Insert(ctx context.Context, s *Slot) (bool, error) {
	s.ID = uuid.New()
	s.Status = StatusFree
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO slot (id, doctor_id, slot_date, slot_time, status)
		VALUES ($1, $2, $3::date, $4::time, $5)
		ON CONFLICT (doctor_id, slot_date, slot_time) DO NOTHING
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.Date, s.Time, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert slot %s %s: %w", s.Date, s.Time, err)
	}
	return true, nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundf("slot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

func (r *slotRepoPG) FindChain(ctx context.Context, doctorID, date string, times []string) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM slot
		WHERE doctor_id = $1 AND slot_date = $2::date AND to_char(slot_time, 'HH24:MI') = ANY($3)
		ORDER BY slot_time
		FOR UPDATE`, doctorID, date, times)
	if err != nil {
		return nil, fmt.Errorf("lock slot chain: %w", err)
	}
	defer rows.Close()

	byTime := make(map[string]*Slot, len(times))
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		byTime[s.Time] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chain := make([]*Slot, len(times))
	for i, t := range times {
		chain[i] = byTime[t]
	}
	return chain, nil
}

// LockDay takes a transaction-scoped advisory lock keyed on doctor and date.
// It covers dates without any slot rows, which a row lock could not.
func (r *slotRepoPG) LockDay(ctx context.Context, doctorID, date string) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("lock day: no transaction in context")
	}
	if _, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`, doctorID, date); err != nil {
		return fmt.Errorf("lock day %s %s: %w", doctorID, date, err)
	}
	return nil
}

func (r *slotRepoPG) Transition(ctx context.Context, id uuid.UUID, t Transition) (*Slot, error) {
	if err := checkTransition(t.From, t.To); err != nil {
		return nil, err
	}
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `
		UPDATE slot SET status = $3,
			patient_id = COALESCE($4, patient_id),
			visit_type = COALESCE($5, visit_type),
			patient_details = COALESCE($6, patient_details),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+slotCols,
		id, t.From, t.To, t.PatientID, t.VisitType, t.Details))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Conflictf("slot %s is no longer %s", id, t.From)
	}
	if err != nil {
		return nil, fmt.Errorf("transition slot %s: %w", id, err)
	}
	return s, nil
}

func (r *slotRepoPG) List(ctx context.Context, f SlotFilter) ([]*Slot, error) {
	var where []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.DoctorID != "" {
		add("doctor_id = $%d", f.DoctorID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.From != "" {
		add("slot_date >= $%d::date", f.From)
	}
	if f.To != "" {
		add("slot_date <= $%d::date", f.To)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + slotCols + ` FROM slot`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY slot_date, slot_time, doctor_id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Cart Repository ===========

type cartRepoPG struct{ pool *pgxpool.Pool }

func NewCartRepoPG(pool *pgxpool.Pool) CartRepository { return &cartRepoPG{pool: pool} }

func (r *cartRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const holdCols = `id, patient_id, slot_id, chain_id, position, visit_details, created_at`

func (r *cartRepoPG) scanHold(row pgx.Row) (*CartHold, error) {
	var h CartHold
	err := row.Scan(&h.ID, &h.PatientID, &h.SlotID, &h.ChainID, &h.Position, &h.VisitDetails, &h.CreatedAt)
	return &h, err
}

func (r *cartRepoPG) Create(ctx context.Context, h *CartHold) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cart_hold (id, patient_id, slot_id, chain_id, position, visit_details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		h.ID, h.PatientID, h.SlotID, h.ChainID, h.Position, h.VisitDetails).Scan(&h.CreatedAt)
	if isUniqueViolation(err) {
		return Conflictf("slot %s is already held", h.SlotID)
	}
	if err != nil {
		return fmt.Errorf("insert cart hold: %w", err)
	}
	return nil
}

func (r *cartRepoPG) GetBySlot(ctx context.Context, slotID uuid.UUID) (*CartHold, error) {
	h, err := r.scanHold(r.conn(ctx).QueryRow(ctx, `SELECT `+holdCols+` FROM cart_hold WHERE slot_id = $1`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundf("no hold on slot %s", slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("get cart hold: %w", err)
	}
	return h, nil
}

func (r *cartRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*CartHold, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cart holds: %w", err)
	}
	defer rows.Close()
	var items []*CartHold
	for rows.Next() {
		h, err := r.scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart hold: %w", err)
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

func (r *cartRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*CartHold, error) {
	return r.list(ctx, `SELECT `+holdCols+` FROM cart_hold WHERE patient_id = $1 ORDER BY created_at, chain_id, position`, patientID)
}

func (r *cartRepoPG) ListByChain(ctx context.Context, chainID uuid.UUID) ([]*CartHold, error) {
	return r.list(ctx, `SELECT `+holdCols+` FROM cart_hold WHERE chain_id = $1 ORDER BY position`, chainID)
}

func (r *cartRepoPG) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*CartHold, error) {
	return r.list(ctx, `SELECT `+holdCols+` FROM cart_hold WHERE created_at < $1 ORDER BY created_at, chain_id, position`, cutoff)
}

func (r *cartRepoPG) DeleteBySlots(ctx context.Context, slotIDs []uuid.UUID) (int, error) {
	if len(slotIDs) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM cart_hold WHERE slot_id = ANY($1)`, slotIDs)
	if err != nil {
		return 0, fmt.Errorf("delete cart holds: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Absence Repository ===========

type absenceRepoPG struct{ pool *pgxpool.Pool }

func NewAbsenceRepoPG(pool *pgxpool.Pool) AbsenceRepository { return &absenceRepoPG{pool: pool} }

func (r *absenceRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *absenceRepoPG) Create(ctx context.Context, a *Absence) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO absence (id, doctor_id, absence_date, reason)
		VALUES ($1, $2, $3::date, $4)
		RETURNING created_at`,
		a.ID, a.DoctorID, a.Date, a.Reason).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return &Error{Kind: KindDuplicate, Message: fmt.Sprintf("doctor already absent on %s", a.Date)}
	}
	if err != nil {
		return fmt.Errorf("insert absence: %w", err)
	}
	return nil
}

func (r *absenceRepoPG) Exists(ctx context.Context, doctorID, date string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM absence WHERE doctor_id = $1 AND absence_date = $2::date)`,
		doctorID, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check absence: %w", err)
	}
	return exists, nil
}

func (r *absenceRepoPG) ListByDoctor(ctx context.Context, doctorID string) ([]*Absence, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, doctor_id, to_char(absence_date, 'YYYY-MM-DD'), reason, created_at
		FROM absence WHERE doctor_id = $1 ORDER BY absence_date`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list absences: %w", err)
	}
	defer rows.Close()
	var items []*Absence
	for rows.Next() {
		var a Absence
		if err := rows.Scan(&a.ID, &a.DoctorID, &a.Date, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan absence: %w", err)
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}
