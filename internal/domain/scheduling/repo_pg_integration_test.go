//go:build integration

package scheduling

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/domain/scheduling/

func newPGService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 8, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, "../../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(Deps{
		Slots:    NewSlotRepoPG(pool),
		Carts:    NewCartRepoPG(pool),
		Absences: NewAbsenceRepoPG(pool),
		Tx:       db.NewTxRunner(pool),
		Clock:    Clock{Now: func() time.Time { return now }, Location: time.UTC},
	})
	return svc, pool
}

func TestSlotRepoPG_TransitionIsCheckAndSet(t *testing.T) {
	svc, pool := newPGService(t)
	ctx := context.Background()
	doctor := "doc-" + uuid.NewString()
	slots := mustOpen(t, svc, doctor, "2026-03-02")
	repo := NewSlotRepoPG(pool)

	if _, err := repo.Transition(ctx, slots[0].ID, Transition{From: StatusFree, To: StatusPending}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	_, err := repo.Transition(ctx, slots[0].ID, Transition{From: StatusFree, To: StatusPending})
	assertKind(t, err, ErrConflict)
}

func TestAbsenceRepoPG_DuplicateMapped(t *testing.T) {
	_, pool := newPGService(t)
	ctx := context.Background()
	repo := NewAbsenceRepoPG(pool)
	doctor := "doc-" + uuid.NewString()
	if err := repo.Create(ctx, &Absence{DoctorID: doctor, Date: "2026-03-02", Reason: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, &Absence{DoctorID: doctor, Date: "2026-03-02", Reason: "y"})
	assertKind(t, err, ErrDuplicate)
}

func TestSlotRepoPG_LockDayNeedsTransaction(t *testing.T) {
	_, pool := newPGService(t)
	if err := NewSlotRepoPG(pool).LockDay(context.Background(), "doc-1", "2026-03-02"); err == nil {
		t.Fatal("expected an error outside a transaction")
	}
}

func TestPG_AbsenceRacesHold(t *testing.T) {
	svc, pool := newPGService(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		doctor := "doc-" + uuid.NewString()
		slots := mustOpen(t, svc, doctor, "2026-03-02")

		var wg sync.WaitGroup
		var absErr, holdErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() { defer wg.Done(); <-start; _, _, absErr = svc.RegisterAbsence(ctx, doctor, "2026-03-02", "sick") }()
		go func() { defer wg.Done(); <-start; _, holdErr = svc.Hold(ctx, "pat-"+doctor, holdReq(slots[0], 2)) }()
		close(start)
		wg.Wait()

		if absErr != nil {
			t.Fatalf("RegisterAbsence: %v", absErr)
		}
		if holdErr != nil && !errors.Is(holdErr, ErrUnavailable) {
			t.Errorf("hold lost with %v, want unavailable", holdErr)
		}
		left, err := NewSlotRepoPG(pool).List(ctx, SlotFilter{
			DoctorID: doctor, From: "2026-03-02", To: "2026-03-02",
			Statuses: []SlotStatus{StatusPending, StatusBooked},
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(left) != 0 {
			t.Errorf("round %d: %d held or booked slots survived the absence", round, len(left))
		}
	}
}
