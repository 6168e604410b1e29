package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
	"github.com/vladislavdragonenkov/adslots/internal/token"
)

type fixture struct {
	now    time.Time
	units  domain.UnitRepository
	orders domain.OrderRepository
	box    *memory.OutboxRepository
	alloc  *allocator.Allocator
	ledger *ledger.Ledger
	slot   domain.Slot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		units:  memory.NewUnitRepository(),
		orders: memory.NewOrderRepository(),
		box:    memory.NewOutboxRepository(),
	}
	clock := func() time.Time { return f.now }

	slots := memory.NewSlotRepository()
	slot := domain.Slot{
		Title:           "Footer",
		Enabled:         true,
		Layout:          domain.Layout{Rows: 1, PerRow: 2},
		SingleMonthRate: decimal.RequireFromString("10"),
	}
	slot.Normalize()
	created, err := slots.Create(context.Background(), slot)
	require.NoError(t, err)
	f.slot = created

	signer, err := token.NewSigner("ledger-secret")
	require.NoError(t, err)
	f.alloc = allocator.New(slots, f.units, signer, allocator.WithClock(clock))
	f.ledger = ledger.New(f.orders, f.units, f.alloc,
		ledger.WithClock(clock),
		ledger.WithEmitter(outbox.NewEmitter(f.box)),
	)
	return f
}

func (f *fixture) reserve(t *testing.T, key int, name string) domain.Reservation {
	t.Helper()
	total := decimal.RequireFromString("10")
	res, err := f.alloc.Reserve(context.Background(), allocator.ReserveRequest{
		SlotID:         f.slot.ID,
		PositionKey:    key,
		PlanType:       domain.PlanTypeCustom,
		DurationMonths: 1,
		Content:        domain.UnitContent{WebsiteName: name, ContactType: domain.ContactEmail, ContactValue: "ads@example.com"},
		Price:          domain.PriceBreakdown{Base: total, Total: total},
		Timeout:        30 * time.Minute,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) payment(res domain.Reservation, ref string) ledger.Payment {
	return ledger.Payment{
		ExternalRef: ledger.ExternalRef{
			AttemptToken: res.Claims.TokenID,
			UnitID:       res.Unit.ID,
			SlotID:       res.Unit.SlotID,
			PositionKey:  res.Unit.PositionKey,
			Ref:          ref,
		},
		PlanType:       res.Claims.PlanType,
		DurationMonths: res.Claims.DurationMonths,
		Price:          res.Claims.Price,
		Snapshot:       domain.CustomerSnapshot{Content: res.Claims.Content},
	}
}

func TestLedger_PendingThenPaidInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	pending, err := f.ledger.CreatePending(ctx, res.Claims, domain.PaymentMethodAlipay)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, pending.Status)

	attached, err := f.ledger.AttachExternalReference(ctx, ledger.ExternalRef{
		AttemptToken: res.Claims.TokenID,
		Ref:          "P-1",
		OrderNumber:  "N-1",
	})
	require.NoError(t, err)
	require.Equal(t, pending.ID, attached.ID)
	require.Equal(t, "N-1", attached.ExternalOrderNumber)

	paid, changed, err := f.ledger.MarkPaid(ctx, f.payment(res, "P-1"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, pending.ID, paid.ID, "pending row is promoted in place")
	require.Equal(t, domain.OrderStatusPaid, paid.Status)
	require.Equal(t, f.now, paid.PaidAt)

	again, changed, err := f.ledger.MarkPaid(ctx, f.payment(res, "P-1"))
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, paid.ID, again.ID)

	page, err := f.ledger.Query(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
}

func TestLedger_AttachInsertsWhenNothingMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.ledger.AttachExternalReference(ctx, ledger.ExternalRef{
		AttemptToken: "adslot_0_1_deadbeef",
		UnitID:       99,
		SlotID:       f.slot.ID,
		Ref:          "P-orphan",
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, "P-orphan", order.ExternalRef)

	_, err = f.ledger.AttachExternalReference(ctx, ledger.ExternalRef{})
	require.ErrorIs(t, err, domain.ErrExternalRefRequired)
}

func TestLedger_MarkPaidFallbackInsertIsRaceSafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 1, "B")
	p := f.payment(res, "P-race")
	p.AttemptToken = ""

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := f.ledger.MarkPaid(ctx, p)
			if err != nil {
				t.Errorf("mark paid: %v", err)
				return
			}
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, changes)
	counts, err := f.ledger.CountByStatus(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, counts[domain.OrderStatusPaid])
}

func TestLedger_TimedOutRowRejectsLatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	_, err := f.ledger.CreatePending(ctx, res.Claims, "")
	require.NoError(t, err)
	_, err = f.ledger.AttachExternalReference(ctx, ledger.ExternalRef{AttemptToken: res.Claims.TokenID, Ref: "P-late"})
	require.NoError(t, err)

	f.now = f.now.Add(41 * time.Minute)
	n, err := f.ledger.SweepTimedOut(ctx, f.now.Add(-40*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = f.ledger.MarkPaid(ctx, f.payment(res, "P-late"))
	require.ErrorIs(t, err, domain.ErrOrderTransition)
}

func TestLedger_TakedownReleasesUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	order, _, err := f.ledger.MarkPaid(ctx, f.payment(res, "P-7"))
	require.NoError(t, err)
	_, _, err = f.alloc.ConfirmPaid(ctx, res.Unit.ID, allocator.ConfirmRequest{OrderRef: "P-7", DurationMonths: 1})
	require.NoError(t, err)

	closed, err := f.ledger.MarkRefundedOrTakedown(ctx, order.ID, domain.OrderStatusTakedown)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusTakedown, closed.Status)
	require.Equal(t, f.now, closed.ClosedAt)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusAvailable, unit.Status)
	require.True(t, unit.Content.IsZero())

	_, err = f.ledger.MarkRefundedOrTakedown(ctx, order.ID, domain.OrderStatusRefunded)
	require.ErrorIs(t, err, domain.ErrOrderTransition)

	view, err := f.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "A", view.Content.WebsiteName, "snapshot survives the cleared unit")

	events := f.box.AllPending()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventTypeOrderClosed, events[0].EventType)
}

func TestLedger_TakedownRequiresUnitPaidByOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	order, _, err := f.ledger.MarkPaid(ctx, f.payment(res, "P-8"))
	require.NoError(t, err)

	_, err = f.ledger.MarkRefundedOrTakedown(ctx, order.ID, domain.OrderStatusTakedown)
	require.ErrorIs(t, err, domain.ErrUnitNotPaid)
}

func TestLedger_DeleteDenyListsRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	order, _, err := f.ledger.MarkPaid(ctx, f.payment(res, "P-9"))
	require.NoError(t, err)

	_, err = f.ledger.Delete(ctx, order.ID)
	require.NoError(t, err)

	_, _, err = f.ledger.MarkPaid(ctx, f.payment(res, "P-9"))
	require.ErrorIs(t, err, domain.ErrDenyListed)

	unknown, known, denied, err := f.ledger.UnknownRefs(ctx, []string{"P-9", "P-10"}, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"P-10"}, unknown)
	require.Zero(t, known)
	require.Equal(t, 1, denied)
}

func TestLedger_CloseByExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0, "A")

	_, err := f.ledger.CreatePending(ctx, res.Claims, "")
	require.NoError(t, err)

	closed, err := f.ledger.CloseByExternalRef(ctx, "P-unknown", res.Claims.TokenID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusTimeout, closed.Status)
}
