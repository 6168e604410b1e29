package expiry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/expiry"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
	"github.com/vladislavdragonenkov/adslots/internal/token"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *clock
	units    domain.UnitRepository
	settings domain.SettingsRepository
	box      *memory.OutboxRepository
	alloc    *allocator.Allocator
	runner   *expiry.Runner
	slot     domain.Slot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
		units:    memory.NewUnitRepository(),
		settings: memory.NewSettingsRepository(),
		box:      memory.NewOutboxRepository(),
	}
	slots := memory.NewSlotRepository()
	slot := domain.Slot{
		Title:           "Grid",
		Enabled:         true,
		Layout:          domain.Layout{Rows: 1, PerRow: 3},
		SingleMonthRate: decimal.RequireFromString("5"),
	}
	slot.Normalize()
	created, err := slots.Create(context.Background(), slot)
	require.NoError(t, err)
	f.slot = created

	signer, err := token.NewSigner("expiry-secret")
	require.NoError(t, err)
	f.alloc = allocator.New(slots, f.units, signer, allocator.WithClock(f.clock.Now))
	f.runner = expiry.NewRunner(f.alloc, f.units, f.settings,
		memory.NewTTLStoreWithClock(f.clock.Now), outbox.NewEmitter(f.box),
		expiry.WithClock(f.clock.Now), expiry.WithBatchSize(1))
	return f
}

func (f *fixture) reserve(t *testing.T, key int, contact domain.UnitContent) domain.Reservation {
	t.Helper()
	total := decimal.RequireFromString("5")
	res, err := f.alloc.Reserve(context.Background(), allocator.ReserveRequest{
		SlotID:         f.slot.ID,
		PositionKey:    key,
		PlanType:       domain.PlanTypeCustom,
		DurationMonths: 1,
		Content:        contact,
		Price:          domain.PriceBreakdown{Base: total, Total: total},
		Timeout:        30 * time.Minute,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) buy(t *testing.T, key int, contact domain.UnitContent, ref string) domain.Unit {
	t.Helper()
	res := f.reserve(t, key, contact)
	unit, _, err := f.alloc.ConfirmPaid(context.Background(), res.Unit.ID, allocator.ConfirmRequest{OrderRef: ref, DurationMonths: 1})
	require.NoError(t, err)
	return unit
}

func (f *fixture) notices() []domain.OutboxMessage {
	var out []domain.OutboxMessage
	for _, m := range f.box.AllPending() {
		if m.EventType == domain.EventTypeExpiryNotice {
			out = append(out, m)
		}
	}
	return out
}

func TestSweepOnce_NoticesOnlyEmailContactsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	emailUnit := f.buy(t, 0, domain.UnitContent{WebsiteName: "Mail", ContactType: domain.ContactEmail, ContactValue: "a@example.com"}, "P-1")
	f.buy(t, 1, domain.UnitContent{WebsiteName: "QQ", ContactType: domain.ContactQQ, ContactValue: "123456"}, "P-2")

	f.clock.Advance(20 * 24 * time.Hour)
	report, err := f.runner.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Notified, "outside the notice window")

	f.clock.Advance(5 * 24 * time.Hour)
	report, err = f.runner.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, expiry.Report{Notified: 1}, report)

	notices := f.notices()
	require.Len(t, notices, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(notices[0].Payload, &payload))
	require.Equal(t, "a@example.com", payload["email"])
	require.EqualValues(t, emailUnit.ID, payload["unit_id"])

	f.clock.Advance(time.Hour)
	report, err = f.runner.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Notified, "marker suppresses repeats")
}

func TestSweepOnce_ExpiresDueAndReleasesLapsedHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := domain.DefaultSettings()
	s.EnableExpiryNotification = false
	require.NoError(t, f.settings.Save(ctx, s))

	f.buy(t, 0, domain.UnitContent{WebsiteName: "A"}, "P-1")
	f.buy(t, 1, domain.UnitContent{WebsiteName: "B"}, "P-2")
	f.clock.Advance(30*24*time.Hour - time.Hour)
	held := f.reserve(t, 2, domain.UnitContent{WebsiteName: "C"})

	f.clock.Advance(time.Hour)
	report, err := f.runner.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Expired, "batches are drained")
	require.Equal(t, 1, report.Released)

	unit, err := f.units.Get(ctx, held.Unit.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusAvailable, unit.Status)
	require.True(t, unit.Content.IsZero())

	expired, err := f.units.GetByPosition(ctx, f.slot.ID, 0)
	require.NoError(t, err)
	require.Equal(t, domain.UnitStatusExpired, expired.Status)
	require.Equal(t, "A", expired.Content.WebsiteName, "expired unit keeps its content")

	report, err = f.runner.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, expiry.Report{}, report)
}

func TestNoticeKeyChangesWithRenewal(t *testing.T) {
	u := domain.Unit{ID: 4, EndsAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	first := expiry.NoticeKey(u)
	u.EndsAt = u.EndsAt.Add(30 * 24 * time.Hour)
	require.NotEqual(t, first, expiry.NoticeKey(u))
}
