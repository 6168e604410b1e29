package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/policy"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/checkout"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
	"github.com/vladislavdragonenkov/adslots/internal/token"
)

type fixture struct {
	slots    domain.SlotRepository
	units    domain.UnitRepository
	orders   domain.OrderRepository
	settings domain.SettingsRepository
	store    *memory.TTLStore
	box      *memory.OutboxRepository
	signer   *token.Signer
	checkout *checkout.Service
	ledger   *ledger.Ledger
	proc     *payment.Processor
	slot     domain.Slot
	first    domain.Reservation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		slots:    memory.NewSlotRepository(),
		units:    memory.NewUnitRepository(),
		orders:   memory.NewOrderRepository(),
		settings: memory.NewSettingsRepository(),
		store:    memory.NewTTLStore(),
		box:      memory.NewOutboxRepository(),
	}
	slot := domain.Slot{
		Title:           "Top banner",
		Enabled:         true,
		Layout:          domain.Layout{Rows: 1, PerRow: 2},
		SingleMonthRate: decimal.RequireFromString("30"),
		PaymentMethods:  []string{domain.PaymentMethodBalance, domain.PaymentMethodAlipay},
	}
	slot.Normalize()
	created, err := f.slots.Create(ctx, slot)
	require.NoError(t, err)
	f.slot = created

	signer, err := token.NewSigner("payment-secret")
	require.NoError(t, err)
	f.signer = signer

	events := outbox.NewEmitter(f.box)
	rules := policy.NewRolePolicy()
	alloc := allocator.New(f.slots, f.units, signer)
	f.ledger = ledger.New(f.orders, f.units, alloc, ledger.WithEmitter(events))
	f.checkout = checkout.New(f.slots, f.settings, rules, alloc, f.ledger, f.store, nil)
	f.proc = payment.NewProcessor(payment.Deps{
		Slots:    f.slots,
		Units:    f.units,
		Settings: f.settings,
		Policy:   rules,
		Alloc:    alloc,
		Ledger:   f.ledger,
		Store:    f.store,
		Signer:   signer,
		Events:   events,
	}, payment.WithRetry(payment.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2}))
	return f
}

func (f *fixture) reserve(t *testing.T, key int) domain.Reservation {
	t.Helper()
	res, err := f.checkout.Reserve(context.Background(), domain.Guest(), checkout.ReserveRequest{
		QuoteRequest: checkout.QuoteRequest{
			SlotID:         f.slot.ID,
			PositionKey:    key,
			PlanType:       domain.PlanTypeCustom,
			DurationMonths: 1,
		},
		Content: domain.UnitContent{
			WebsiteName:  "Gopher Shop",
			WebsiteURL:   "https://shop.example",
			ContactType:  domain.ContactEmail,
			ContactValue: "owner@shop.example",
			ImageURL:     "https://shop.example/ad.png",
			TargetURL:    "https://shop.example/landing",
		},
	})
	require.NoError(t, err)
	return res
}

func paidOrder(ref string, res domain.Reservation) domain.ProviderOrder {
	return paidOrderAt(ref, res, time.Time{})
}

func paidOrderAt(ref string, res domain.Reservation, paidAt time.Time) domain.ProviderOrder {
	meta := res.Claims.AdRequest()
	return domain.ProviderOrder{
		ID:            ref,
		OrderNumber:   "N-" + ref,
		OrderType:     domain.AdOrderType,
		ProductID:     domain.FormatProductID(res.Claims.SlotID, res.Claims.PositionKey),
		PaymentMethod: domain.PaymentMethodAlipay,
		Status:        domain.ProviderStatusPaid,
		Price:         res.Claims.Price.Total,
		PaidAt:        paidAt,
		Meta:          &meta,
	}
}

func (f *fixture) events(eventType string) []domain.OutboxMessage {
	var out []domain.OutboxMessage
	for _, m := range f.box.AllPending() {
		if m.EventType == eventType {
			out = append(out, m)
		}
	}
	return out
}

func TestPrepareIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 1)

	req := payment.IntentRequest{
		AttemptToken:  res.Claims.TokenID,
		SlotID:        f.slot.ID,
		PositionKey:   1,
		PaymentMethod: domain.PaymentMethodAlipay,
		PostID:        42,
	}
	payload, err := f.proc.PrepareIntent(ctx, domain.Guest(), req)
	require.NoError(t, err)
	require.Equal(t, domain.AdOrderType, payload.OrderType)
	require.True(t, payload.Price.Equal(decimal.RequireFromString("30")))
	require.Equal(t, domain.FormatProductID(f.slot.ID, 1), payload.ProductID)
	require.Equal(t, "Ad slot - Top banner (position 2)", payload.OrderName)
	require.Equal(t, res.Claims.TokenID, payload.Request.Token)

	mismatch := req
	mismatch.PositionKey = 0
	_, err = f.proc.PrepareIntent(ctx, domain.Guest(), mismatch)
	require.ErrorIs(t, err, domain.ErrOrderMismatch)

	guestBalance := req
	guestBalance.PaymentMethod = domain.PaymentMethodBalance
	_, err = f.proc.PrepareIntent(ctx, domain.Guest(), guestBalance)
	require.ErrorIs(t, err, domain.ErrInvalidPaymentMethod)

	missing := req
	missing.AttemptToken = "adslot_1_0_00000000"
	_, err = f.proc.PrepareIntent(ctx, domain.Guest(), missing)
	require.ErrorIs(t, err, domain.ErrOrderExpired)
}

func TestPrepareIntent_RejectsTamperedAndRepricedTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0)
	req := payment.IntentRequest{AttemptToken: res.Claims.TokenID, SlotID: f.slot.ID}

	tampered := res.Claims
	tampered.Price.Total = decimal.RequireFromString("1")
	require.NoError(t, f.store.Put(ctx, tampered, time.Hour))
	_, err := f.proc.PrepareIntent(ctx, domain.Guest(), req)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	require.NoError(t, f.store.Put(ctx, res.Claims, time.Hour))
	slot := f.slot
	slot.SingleMonthRate = decimal.RequireFromString("35")
	require.NoError(t, f.slots.Update(ctx, slot))
	_, err = f.proc.PrepareIntent(ctx, domain.Guest(), req)
	require.ErrorIs(t, err, domain.ErrOrderMismatch)
}

func TestHandlePaymentSucceeded_WithMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0)

	_, err := f.proc.AttachExternalReference(ctx, res.Claims.TokenID, paidOrder("ZB-1", res))
	require.NoError(t, err)

	out, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-1", res))
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, res.OrderID, out.OrderID, "pending row is promoted")

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusPaid, unit.Status)
	require.Equal(t, "ZB-1", unit.OrderRef)
	require.Equal(t, "Gopher Shop", unit.Content.WebsiteName)

	_, err = f.store.Get(ctx, res.Claims.TokenID)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)

	again, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-1", res))
	require.NoError(t, err)
	require.False(t, again.Changed)
	require.Len(t, f.events(domain.EventTypePaymentCompleted), 1)

	counts, err := f.ledger.CountByStatus(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCounts{domain.OrderStatusPaid: 1}, counts)
}

func TestHandlePaymentSucceeded_ProductIDFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 1)

	order := paidOrder("ZB-2", res)
	order.Meta = nil
	order.OrderType = "1"

	out, err := f.proc.HandlePaymentSucceeded(ctx, order)
	require.NoError(t, err)
	require.True(t, out.Changed)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusPaid, unit.Status)
	require.Equal(t, "Gopher Shop", unit.Content.WebsiteName, "pending content is kept")
	require.Equal(t, 1, unit.DurationMonths)

	recorded, err := f.ledger.Get(ctx, out.OrderID)
	require.NoError(t, err)
	require.Equal(t, res.OrderID, recorded.ID, "attempt token found from the unit hold")
}

func TestHandlePaymentSucceeded_ConflictStillRecordsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0)

	_, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-A", res))
	require.NoError(t, err)

	out, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-B", res))
	require.NoError(t, err)
	require.True(t, out.Conflict)

	_, err = f.ledger.GetByExternalRef(ctx, "ZB-B")
	require.NoError(t, err, "conflicting payment stays visible in the ledger")
	require.Len(t, f.events(domain.EventTypePaymentConflict), 1)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, "ZB-A", unit.OrderRef)
}

func TestHandlePaymentSucceeded_SkipsDenyListedAndClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 0)

	out, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-3", res))
	require.NoError(t, err)

	closed, err := f.proc.HandleOrderClosed(ctx, "", paidOrder("ZB-3", res))
	require.NoError(t, err)
	require.True(t, closed.Changed)

	replay, err := f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-3", res))
	require.NoError(t, err)
	require.Equal(t, payment.SkipOrderClosed, replay.Skipped)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusAvailable, unit.Status)

	_, err = f.ledger.Delete(ctx, out.OrderID)
	require.NoError(t, err)
	replay, err = f.proc.HandlePaymentSucceeded(ctx, paidOrder("ZB-3", res))
	require.NoError(t, err)
	require.Equal(t, payment.SkipDenyListed, replay.Skipped)
}

// expireUnit переводит оплаченную позицию в expired, как плановый проход.
func (f *fixture) expireUnit(t *testing.T, unitID int64) {
	t.Helper()
	_, err := f.units.MutateByID(context.Background(), unitID, func(u *domain.Unit) (bool, error) {
		return true, u.MarkExpired(time.Now())
	})
	require.NoError(t, err)
}

func TestHandlePaymentSucceeded_ReplayKeepsLaterBuyer(t *testing.T) {
	cases := map[string]struct {
		paidAgo  time.Duration
		prepare  func(t *testing.T, f *fixture, unitID int64)
		rehold   bool
		skipped  string
		conflict bool
	}{
		"after expiry": {
			paidAgo: 40 * 24 * time.Hour,
			prepare: func(t *testing.T, f *fixture, unitID int64) { f.expireUnit(t, unitID) },
			skipped: payment.SkipAlreadyServed,
		},
		"another attempt holds the unit": {
			paidAgo: 40 * 24 * time.Hour,
			prepare: func(t *testing.T, f *fixture, unitID int64) { f.expireUnit(t, unitID) },
			rehold:  true,
			skipped: payment.SkipAlreadyServed,
		},
		"another attempt holds a released unit": {
			prepare: func(t *testing.T, f *fixture, unitID int64) {
				_, err := f.units.MutateByID(context.Background(), unitID, func(u *domain.Unit) (bool, error) {
					u.Release(time.Now(), true)
					return true, nil
				})
				require.NoError(t, err)
			},
			rehold:   true,
			conflict: true,
		},
		"after refund": {
			prepare: func(t *testing.T, f *fixture, _ int64) {
				_, err := f.proc.HandleOrderClosed(context.Background(), "", paidOrderAt("ZB-R", f.first, time.Time{}))
				require.NoError(t, err)
			},
			rehold:  true,
			skipped: payment.SkipOrderClosed,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.first = f.reserve(t, 0)

			var paidAt time.Time
			if tc.paidAgo > 0 {
				paidAt = time.Now().Add(-tc.paidAgo)
			}
			out, err := f.proc.HandlePaymentSucceeded(ctx, paidOrderAt("ZB-R", f.first, paidAt))
			require.NoError(t, err)
			require.True(t, out.Changed)

			tc.prepare(t, f, f.first.Unit.ID)
			var later domain.Reservation
			if tc.rehold {
				later = f.reserve(t, 0)
			}
			before, err := f.units.Get(ctx, f.first.Unit.ID)
			require.NoError(t, err)

			replay, err := f.proc.HandlePaymentSucceeded(ctx, paidOrderAt("ZB-R", f.first, paidAt))
			require.NoError(t, err)
			require.False(t, replay.Changed)
			require.Equal(t, tc.skipped, replay.Skipped)
			require.Equal(t, tc.conflict, replay.Conflict)

			after, err := f.units.Get(ctx, f.first.Unit.ID)
			require.NoError(t, err)
			require.Equal(t, before.Status, after.Status, "replay must not touch the unit")
			require.Empty(t, after.OrderRef)
			if tc.rehold {
				require.True(t, after.HeldBy(later.Claims.TokenID), "later buyer keeps the hold")
			}
			require.Len(t, f.events(domain.EventTypePaymentCompleted), 1)
		})
	}
}

func TestHandleOrderClosed_UsesLedgerAttemptToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 1)

	_, err := f.proc.AttachExternalReference(ctx, res.Claims.TokenID, paidOrder("ZB-5", res))
	require.NoError(t, err)

	order := paidOrder("ZB-5", res)
	order.Meta = nil
	order.Status = domain.ProviderStatusClosed
	out, err := f.proc.HandleOrderClosed(ctx, "", order)
	require.NoError(t, err)
	require.True(t, out.Changed)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusAvailable, unit.Status, "hold found through the ledger row")

	_, err = f.store.Get(ctx, res.Claims.TokenID)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestHandleOrderClosed_ReleasesPendingHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.reserve(t, 1)

	order := paidOrder("ZB-4", res)
	order.Status = domain.ProviderStatusClosed
	out, err := f.proc.Dispatch(ctx, domain.Guest(), domain.ProviderEvent{
		Kind:         domain.EventOrderClosed,
		AttemptToken: res.Claims.TokenID,
		Order:        order,
	})
	require.NoError(t, err)
	require.True(t, out.Changed)

	unit, err := f.units.Get(ctx, res.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusAvailable, unit.Status)

	row, err := f.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusTimeout, row.Status)
	require.Len(t, f.events(domain.EventTypeOrderClosed), 1)
}

func TestHandlers_IgnoreNonAdOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := domain.ProviderOrder{ID: "X-1", OrderType: "1", ProductID: "sku-7", Status: domain.ProviderStatusPaid}
	out, err := f.proc.HandlePaymentSucceeded(ctx, other)
	require.NoError(t, err)
	require.Equal(t, payment.SkipNotAdOrder, out.Skipped)

	out, err = f.proc.HandleOrderClosed(ctx, "", other)
	require.NoError(t, err)
	require.Equal(t, payment.SkipNotAdOrder, out.Skipped)
}

func TestFilterPaymentMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	all := []string{domain.PaymentMethodBalance, domain.PaymentMethodAlipay, domain.PaymentMethodWechat}
	buyer := domain.Principal{UserID: 3, Role: domain.RoleBuyer}

	got, err := f.proc.FilterPaymentMethods(ctx, domain.Guest(), all, domain.AdOrderType, f.slot.ID, payment.FilterOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{domain.PaymentMethodAlipay}, got)

	got, err = f.proc.FilterPaymentMethods(ctx, buyer, all, domain.AdOrderType, f.slot.ID, payment.FilterOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{domain.PaymentMethodBalance, domain.PaymentMethodAlipay}, got)

	got, err = f.proc.FilterPaymentMethods(ctx, domain.Guest(), all, "1", f.slot.ID, payment.FilterOptions{})
	require.NoError(t, err)
	require.Equal(t, all, got, "non-ad orders are untouched")

	got, err = f.proc.FilterPaymentMethods(ctx, domain.Guest(), all, domain.AdOrderType, f.slot.ID, payment.FilterOptions{Nested: true})
	require.NoError(t, err)
	require.Equal(t, all, got)

	s := domain.DefaultSettings()
	s.AllowBalancePayment = false
	require.NoError(t, f.settings.Save(ctx, s))
	got, err = f.proc.FilterPaymentMethods(ctx, buyer, all, domain.AdOrderType, 0, payment.FilterOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{domain.PaymentMethodAlipay, domain.PaymentMethodWechat}, got)
}
