package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
)

func TestUnitRepository_MutateCreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnitRepository()

	u, err := repo.MutateByPosition(ctx, 7, 2, func(u *domain.Unit) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	if u.ID == 0 || u.Status != domain.UnitStatusAvailable {
		t.Fatalf("expected created available row, got %+v", u)
	}
	again, err := repo.GetByPosition(ctx, 7, 2)
	if err != nil || again.ID != u.ID {
		t.Fatalf("row must persist after creation (%v)", err)
	}
}

func TestUnitRepository_MutationErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnitRepository()
	boom := errors.New("boom")

	_, err := repo.MutateByPosition(ctx, 1, 0, func(u *domain.Unit) (bool, error) {
		u.Status = domain.UnitStatusPaid
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	u, _ := repo.GetByPosition(ctx, 1, 0)
	if u.Status != domain.UnitStatusAvailable {
		t.Fatal("failed mutation must not be stored")
	}

	_, err = repo.MutateByID(ctx, u.ID, func(u *domain.Unit) (bool, error) {
		u.Status = domain.UnitStatusPaid
		return true, nil
	})
	if !errors.Is(err, domain.ErrUnitInvariant) {
		t.Fatalf("paid without dates must violate invariants, got %v", err)
	}
	if _, err := repo.MutateByID(ctx, 999, func(*domain.Unit) (bool, error) { return true, nil }); !errors.Is(err, domain.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestUnitRepository_ConcurrentReserveSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnitRepository()
	now := time.Now().UTC()

	const workers = 32
	var (
		wg      sync.WaitGroup
		winners int32
		locked  int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.MutateByPosition(ctx, 1, 0, func(u *domain.Unit) (bool, error) {
				return true, u.Reserve(now, 30*time.Minute, domain.Hold{
					AttemptToken:   "token-" + string(rune('a'+i)),
					Price:          decimal.NewFromInt(10),
					DurationMonths: 1,
				})
			})
			switch {
			case err == nil:
				atomic.AddInt32(&winners, 1)
			case errors.Is(err, domain.ErrUnitLocked):
				atomic.AddInt32(&locked, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 || locked != workers-1 {
		t.Fatalf("expected exactly one winner, got winners=%d locked=%d", winners, locked)
	}
}

func TestUnitRepository_EnsureAndShrink(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnitRepository()
	now := time.Now().UTC()

	created, err := repo.EnsureUnits(ctx, 3, 4)
	if err != nil || created != 4 {
		t.Fatalf("expected 4 created, got %d (%v)", created, err)
	}
	if created, _ = repo.EnsureUnits(ctx, 3, 4); created != 0 {
		t.Fatal("ensure must be idempotent")
	}

	_, err = repo.MutateByPosition(ctx, 3, 3, func(u *domain.Unit) (bool, error) {
		return true, u.Reserve(now, time.Minute, domain.Hold{AttemptToken: "t"})
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	deleted, err := repo.DeleteAvailableFrom(ctx, 3, 2)
	if err != nil || deleted != 1 {
		t.Fatalf("expected only the available unit to go, got %d (%v)", deleted, err)
	}
	units, _ := repo.ListBySlot(ctx, 3)
	if len(units) != 3 || units[2].PositionKey != 3 {
		t.Fatalf("occupied unit must survive shrink: %+v", units)
	}

	if err := repo.DeleteBySlot(ctx, 3); err != nil {
		t.Fatalf("delete by slot failed: %v", err)
	}
	if units, _ = repo.ListBySlot(ctx, 3); len(units) != 0 {
		t.Fatal("all units must be deleted")
	}
}

func TestUnitRepository_SweepQueries(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUnitRepository()
	start := time.Now().UTC().Add(-40 * 24 * time.Hour)

	pay := func(key int, at time.Time, months int) {
		t.Helper()
		_, err := repo.MutateByPosition(ctx, 1, key, func(u *domain.Unit) (bool, error) {
			_, err := u.ConfirmPaid(at, domain.PaidConfirmation{OrderRef: "R" + string(rune('0'+key)), DurationMonths: months})
			return true, err
		})
		if err != nil {
			t.Fatalf("confirm failed: %v", err)
		}
	}
	pay(0, start, 1)
	pay(1, start, 2)
	_, err := repo.MutateByPosition(ctx, 1, 2, func(u *domain.Unit) (bool, error) {
		return true, u.Reserve(start, time.Minute, domain.Hold{AttemptToken: "t"})
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	now := time.Now().UTC()
	due, _ := repo.ListPaidDue(ctx, now, 10)
	if len(due) != 1 || due[0].PositionKey != 0 {
		t.Fatalf("expected position 0 due, got %+v", due)
	}
	lapsed, _ := repo.ListPendingLapsed(ctx, now, 10)
	if len(lapsed) != 1 || lapsed[0].PositionKey != 2 {
		t.Fatalf("expected position 2 lapsed, got %+v", lapsed)
	}
	ending, _ := repo.ListPaidEndingBetween(ctx, now, now.Add(30*24*time.Hour), 10)
	if len(ending) != 1 || ending[0].PositionKey != 1 {
		t.Fatalf("expected position 1 ending soon, got %+v", ending)
	}
}
