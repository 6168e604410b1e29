package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/registry"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
)

func newRegistry() (*registry.Registry, domain.UnitRepository) {
	units := memory.NewUnitRepository()
	return registry.New(memory.NewSlotRepository(), units, nil), units
}

func gridSlot(rows, perRow int) domain.Slot {
	return domain.Slot{
		Title:           "Header",
		Enabled:         true,
		Layout:          domain.Layout{Rows: rows, PerRow: perRow},
		SingleMonthRate: decimal.RequireFromString("15"),
	}
}

func TestRegistry_CreateEnsuresUnits(t *testing.T) {
	reg, units := newRegistry()
	ctx := context.Background()

	slot, err := reg.Create(ctx, gridSlot(2, 3))
	require.NoError(t, err)
	require.NotZero(t, slot.ID)

	list, err := units.ListBySlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Len(t, list, 6)
	for i, u := range list {
		require.Equal(t, i, u.PositionKey)
		require.Equal(t, domain.UnitStatusAvailable, u.Status)
	}
}

func TestRegistry_CreateRejectsInvalidSlot(t *testing.T) {
	reg, _ := newRegistry()

	_, err := reg.Create(context.Background(), gridSlot(0, 3))
	require.ErrorIs(t, err, domain.ErrSlotInvalid)
	require.ErrorIs(t, err, domain.ErrValidation)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "layout", verr.Field)
}

func TestRegistry_ShrinkKeepsOccupiedUnits(t *testing.T) {
	reg, units := newRegistry()
	ctx := context.Background()

	slot, err := reg.Create(ctx, gridSlot(1, 4))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = units.MutateByPosition(ctx, slot.ID, 3, func(u *domain.Unit) (bool, error) {
		return true, u.Reserve(now, time.Hour, domain.Hold{AttemptToken: "t-3"})
	})
	require.NoError(t, err)

	slot.Layout.PerRow = 2
	_, report, err := reg.Update(ctx, slot)
	require.NoError(t, err)
	require.Equal(t, registry.ResizeReport{Deleted: 1, Retained: 1}, report)

	list, err := units.ListBySlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	public, err := reg.PublicUnits(ctx, slot.ID)
	require.NoError(t, err)
	require.Len(t, public, 2, "public view is bounded by capacity")

	slot.Layout.PerRow = 5
	_, report, err = reg.Update(ctx, slot)
	require.NoError(t, err)
	require.Equal(t, 2, report.Created)
}

func TestRegistry_DeleteRemovesUnits(t *testing.T) {
	reg, units := newRegistry()
	ctx := context.Background()

	slot, err := reg.Create(ctx, gridSlot(1, 2))
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, slot.ID))

	_, err = reg.Get(ctx, slot.ID)
	require.ErrorIs(t, err, domain.ErrSlotNotFound)

	list, err := units.ListBySlot(ctx, slot.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRegistry_PublicUnitsHidesDisabledSlot(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	s := gridSlot(1, 1)
	s.Enabled = false
	slot, err := reg.Create(ctx, s)
	require.NoError(t, err)

	_, err = reg.PublicUnits(ctx, slot.ID)
	require.ErrorIs(t, err, domain.ErrSlotDisabled)
}
