// Package allocator владеет жизненным циклом позиций: резервация,
// подтверждение оплаты, освобождение и истечение. Любая смена статуса
// позиции проходит через этот пакет под блокировкой строки.
package allocator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/metrics"
	"github.com/vladislavdragonenkov/adslots/internal/token"
)

// ReserveRequest — параметры резервации. Цена уже пересчитана на сервере.
type ReserveRequest struct {
	SlotID         int64
	PositionKey    int
	BuyerID        int64
	PlanType       domain.PlanType
	DurationMonths int
	ColorKey       string
	Content        domain.UnitContent
	Price          domain.PriceBreakdown
	Timeout        time.Duration
}

// ConfirmRequest — данные подтверждённой оплаты.
type ConfirmRequest struct {
	OrderRef       string
	OrderNumber    string
	AttemptToken   string
	Content        *domain.UnitContent
	Price          domain.PriceBreakdown
	DurationMonths int
}

// Allocator меняет статусы позиций.
type Allocator struct {
	slots    domain.SlotRepository
	units    domain.UnitRepository
	timeline domain.UnitTimelineRepository
	signer   *token.Signer
	metrics  *metrics.AllocationMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Allocator.
type Option func(*Allocator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithTimeline включает запись истории переходов.
func WithTimeline(timeline domain.UnitTimelineRepository) Option {
	return func(a *Allocator) {
		a.timeline = timeline
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		a.now = now
	}
}

// New создаёт Allocator.
func New(slots domain.SlotRepository, units domain.UnitRepository, signer *token.Signer, options ...Option) *Allocator {
	a := &Allocator{
		slots:  slots,
		units:  units,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(a)
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "allocator")
	}
	return a
}

// Reserve атомарно переводит позицию в pending и возвращает подписанный токен.
// Оплаченная позиция с прошедшим сроком истекает в том же шаге.
func (a *Allocator) Reserve(ctx context.Context, req ReserveRequest) (domain.Reservation, error) {
	slot, err := a.slots.Get(ctx, req.SlotID)
	if err != nil {
		a.metrics.RecordReservation("invalid")
		return domain.Reservation{}, err
	}
	if !slot.Enabled {
		a.metrics.RecordReservation("invalid")
		return domain.Reservation{}, domain.ErrSlotDisabled
	}
	if !slot.ValidPosition(req.PositionKey) {
		a.metrics.RecordReservation("invalid")
		return domain.Reservation{}, domain.ErrInvalidPosition
	}
	if req.Timeout <= 0 {
		req.Timeout = domain.DefaultSettings().OrderTimeout()
	}

	now := a.now()
	tokenID := token.NewTokenID(req.PositionKey, now)

	var (
		from        domain.UnitStatus
		lazyExpired bool
		expiredRef  string
	)
	unit, err := a.units.MutateByPosition(ctx, req.SlotID, req.PositionKey, func(u *domain.Unit) (bool, error) {
		from = u.Status
		lazyExpired = u.PaidDue(now)
		expiredRef = u.OrderRef
		hold := domain.Hold{
			AttemptToken:   tokenID,
			Content:        req.Content,
			Price:          req.Price.Total,
			DurationMonths: req.DurationMonths,
		}
		if err := u.Reserve(now, req.Timeout, hold); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		a.recordReserveFailure(req, err)
		return domain.Reservation{}, err
	}

	if lazyExpired {
		a.metrics.RecordExpiry("lazy")
		a.record(ctx, unit, domain.UnitEventLazyExpired, domain.UnitStatusPaid, domain.UnitStatusExpired, expiredRef, "paid period ended")
		from = domain.UnitStatusExpired
	}
	a.record(ctx, unit, domain.UnitEventReserved, from, unit.Status, "", tokenID)
	a.metrics.RecordReservation("ok")

	claims := domain.ReservationClaims{
		TokenID:        tokenID,
		SlotID:         req.SlotID,
		UnitID:         unit.ID,
		PositionKey:    req.PositionKey,
		PlanType:       req.PlanType,
		DurationMonths: req.DurationMonths,
		ColorKey:       req.ColorKey,
		Price:          req.Price,
		Content:        req.Content,
		BuyerID:        req.BuyerID,
		CreatedAt:      now.Unix(),
		ExpiresAt:      unit.PendingExpiresAt.Unix(),
	}
	signed, err := a.signer.Sign(claims)
	if err != nil {
		// Позиция уже удерживается: отпускаем её, чтобы не ждать таймаута.
		if _, _, relErr := a.ReleaseHold(ctx, unit.ID, tokenID); relErr != nil {
			a.logger.WithError(relErr).WithField("unit_id", unit.ID).Warn("failed to release hold after signing error")
		}
		return domain.Reservation{}, err
	}

	a.logger.WithFields(log.Fields{
		"slot_id":       req.SlotID,
		"unit_id":       unit.ID,
		"position_key":  req.PositionKey,
		"attempt_token": tokenID,
	}).Info("unit reserved")

	return domain.Reservation{Unit: unit, Claims: signed}, nil
}

func (a *Allocator) recordReserveFailure(req ReserveRequest, err error) {
	var (
		locked   *domain.UnitLockedError
		occupied *domain.UnitOccupiedError
	)
	fields := log.Fields{"slot_id": req.SlotID, "position_key": req.PositionKey}
	switch {
	case errors.As(err, &locked):
		a.metrics.RecordReservation("locked")
		a.logger.WithFields(fields).WithField("retry_after", locked.RetryAfter).Debug("unit is locked")
	case errors.As(err, &occupied):
		a.metrics.RecordReservation("occupied")
		a.logger.WithFields(fields).WithField("occupied_until", occupied.Until).Debug("unit is occupied")
	case errors.Is(err, domain.ErrSlotNotFound):
		a.metrics.RecordReservation("invalid")
	default:
		a.metrics.RecordReservation("error")
		a.logger.WithError(err).WithFields(fields).Warn("reserve failed")
	}
}

// ConfirmPaid переводит позицию в paid. Повтор с той же ссылкой ничего не меняет,
// changed=false. Позиция, оплаченная другой ссылкой и ещё не истёкшая, даёт
// ErrUnitAlreadyPaid. Живое удержание другой попытки даёт ErrUnitUnavailable,
// если в запросе есть AttemptToken; без токена оплата снимает удержание.
func (a *Allocator) ConfirmPaid(ctx context.Context, unitID int64, req ConfirmRequest) (domain.Unit, bool, error) {
	now := a.now()
	var (
		from    domain.UnitStatus
		changed bool
	)
	unit, err := a.units.MutateByID(ctx, unitID, func(u *domain.Unit) (bool, error) {
		from = u.Status
		var err error
		changed, err = u.ConfirmPaid(now, domain.PaidConfirmation{
			OrderRef:       req.OrderRef,
			OrderNumber:    req.OrderNumber,
			AttemptToken:   req.AttemptToken,
			Content:        req.Content,
			Price:          req.Price.Total,
			DurationMonths: req.DurationMonths,
		})
		return changed, err
	})
	switch {
	case errors.Is(err, domain.ErrUnitAlreadyPaid):
		a.metrics.RecordConfirmation("conflict")
		a.logger.WithFields(log.Fields{
			"unit_id":      unitID,
			"order_ref":    req.OrderRef,
			"current_ref":  unit.OrderRef,
			"current_ends": unit.EndsAt,
		}).Error("payment for a unit already paid by another order")
		return unit, false, err
	case errors.Is(err, domain.ErrUnitUnavailable):
		a.metrics.RecordConfirmation("conflict")
		a.logger.WithFields(log.Fields{
			"unit_id":       unitID,
			"order_ref":     req.OrderRef,
			"attempt_token": req.AttemptToken,
			"current_token": unit.AttemptToken,
		}).Error("payment for a unit held by another attempt")
		return unit, false, err
	case err != nil:
		a.metrics.RecordConfirmation("error")
		return unit, false, err
	case !changed:
		a.metrics.RecordConfirmation("noop")
		return unit, false, nil
	}

	a.metrics.RecordConfirmation("changed")
	a.record(ctx, unit, domain.UnitEventPaid, from, unit.Status, req.OrderRef, "")
	a.logger.WithFields(log.Fields{
		"unit_id":   unit.ID,
		"slot_id":   unit.SlotID,
		"order_ref": req.OrderRef,
		"ends_at":   unit.EndsAt,
	}).Info("unit confirmed as paid")
	return unit, true, nil
}

// Release возвращает позицию в available без дополнительных условий.
func (a *Allocator) Release(ctx context.Context, unitID int64, clear bool) (domain.Unit, error) {
	unit, _, err := a.release(ctx, unitID, clear, "manual", func(*domain.Unit) bool { return true })
	return unit, err
}

// ReleaseHold освобождает позицию, только если она удерживается этой попыткой.
func (a *Allocator) ReleaseHold(ctx context.Context, unitID int64, attemptToken string) (domain.Unit, bool, error) {
	return a.release(ctx, unitID, true, "hold released", func(u *domain.Unit) bool {
		return u.HeldBy(attemptToken)
	})
}

// ReleasePaid освобождает позицию, только если она оплачена заказом orderRef.
func (a *Allocator) ReleasePaid(ctx context.Context, unitID int64, orderRef string) (domain.Unit, bool, error) {
	return a.release(ctx, unitID, true, "order closed", func(u *domain.Unit) bool {
		return u.PaidBy(orderRef)
	})
}

func (a *Allocator) release(ctx context.Context, unitID int64, clear bool, reason string, guard func(*domain.Unit) bool) (domain.Unit, bool, error) {
	now := a.now()
	var (
		from    domain.UnitStatus
		prevRef string
	)
	unit, err := a.units.MutateByID(ctx, unitID, func(u *domain.Unit) (bool, error) {
		if !guard(u) {
			return false, nil
		}
		from, prevRef = u.Status, u.OrderRef
		u.Release(now, clear)
		return true, nil
	})
	if err != nil {
		return unit, false, err
	}
	if from == "" {
		return unit, false, nil
	}

	a.metrics.RecordRelease()
	a.record(ctx, unit, domain.UnitEventReleased, from, unit.Status, prevRef, reason)
	a.logger.WithFields(log.Fields{
		"unit_id": unit.ID,
		"from":    from,
		"clear":   clear,
	}).Info("unit released")
	return unit, true, nil
}

// MarkExpired переводит оплаченную позицию в expired; контент сохраняется.
func (a *Allocator) MarkExpired(ctx context.Context, unitID int64) (domain.Unit, error) {
	now := a.now()
	var prevRef string
	unit, err := a.units.MutateByID(ctx, unitID, func(u *domain.Unit) (bool, error) {
		prevRef = u.OrderRef
		if err := u.MarkExpired(now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return unit, err
	}
	a.metrics.RecordExpiry("manual")
	a.record(ctx, unit, domain.UnitEventExpired, domain.UnitStatusPaid, unit.Status, prevRef, "")
	return unit, nil
}

// ExpireDue переводит в expired оплаченные позиции со сроком <= now.
// Условие перепроверяется под блокировкой: позиция могла быть продлена
// или уже истечь лениво в Reserve.
func (a *Allocator) ExpireDue(ctx context.Context, now time.Time, batch int) (int, error) {
	due, err := a.units.ListPaidDue(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	var expired int
	for _, candidate := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		var prevRef string
		changed := false
		unit, err := a.units.MutateByID(ctx, candidate.ID, func(u *domain.Unit) (bool, error) {
			if !u.PaidDue(now) {
				return false, nil
			}
			prevRef = u.OrderRef
			changed = true
			return true, u.MarkExpired(now)
		})
		if err != nil {
			if errors.Is(err, domain.ErrUnitNotFound) {
				continue
			}
			a.logger.WithError(err).WithField("unit_id", candidate.ID).Warn("failed to expire unit")
			continue
		}
		if !changed {
			continue
		}
		expired++
		a.metrics.RecordExpiry("scheduled")
		a.record(ctx, unit, domain.UnitEventExpired, domain.UnitStatusPaid, unit.Status, prevRef, "paid period ended")
	}
	return expired, nil
}

// ReleaseStalePending освобождает pending-позиции с истёкшим удержанием,
// очищая контент.
func (a *Allocator) ReleaseStalePending(ctx context.Context, now time.Time, batch int) (int, error) {
	lapsed, err := a.units.ListPendingLapsed(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	var released int
	for _, candidate := range lapsed {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		var attempt string
		unit, err := a.units.MutateByID(ctx, candidate.ID, func(u *domain.Unit) (bool, error) {
			if !u.PendingLapsed(now) {
				return false, nil
			}
			attempt = u.AttemptToken
			u.Release(now, true)
			return true, nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrUnitNotFound) {
				continue
			}
			a.logger.WithError(err).WithField("unit_id", candidate.ID).Warn("failed to release stale pending unit")
			continue
		}
		if attempt == "" {
			continue
		}
		released++
		a.metrics.RecordExpiry("pending")
		a.record(ctx, unit, domain.UnitEventPendingTimeout, domain.UnitStatusPending, unit.Status, "", attempt)
	}
	return released, nil
}

// Timeline возвращает историю переходов позиции.
func (a *Allocator) Timeline(ctx context.Context, unitID int64) ([]domain.UnitEvent, error) {
	if _, err := a.units.Get(ctx, unitID); err != nil {
		return nil, err
	}
	if a.timeline == nil {
		return nil, nil
	}
	return a.timeline.List(ctx, unitID)
}

func (a *Allocator) record(ctx context.Context, u domain.Unit, eventType string, from, to domain.UnitStatus, orderRef, reason string) {
	if a.timeline == nil {
		return
	}
	event := domain.UnitEvent{
		UnitID:      u.ID,
		SlotID:      u.SlotID,
		PositionKey: u.PositionKey,
		Type:        eventType,
		From:        from,
		To:          to,
		OrderRef:    orderRef,
		Reason:      reason,
		Occurred:    a.now(),
	}
	if err := a.timeline.Append(ctx, event); err != nil {
		a.logger.WithError(err).WithFields(log.Fields{
			"unit_id": u.ID,
			"event":   eventType,
		}).Warn("append timeline event failed")
		return
	}
	a.metrics.RecordTimelineEvent()
}
