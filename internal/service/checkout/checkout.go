// Package checkout ведёт покупателя от расчёта цены до удержания позиции:
// проверки доступа и входных данных, серверный пересчёт цены, резервация,
// pending-строка журнала и сохранение подписанного токена.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/pricing"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/token"
	"github.com/vladislavdragonenkov/adslots/internal/validation"
)

// QuoteRequest — параметры расчёта цены.
type QuoteRequest struct {
	SlotID         int64           `json:"slot_id"`
	PositionKey    int             `json:"unit_key"`
	PlanType       domain.PlanType `json:"plan_type"`
	DurationMonths int             `json:"duration"`
	ColorKey       string          `json:"color_key,omitempty"`
}

// ReserveRequest — запрос покупателя на удержание позиции.
type ReserveRequest struct {
	QuoteRequest
	Content       domain.UnitContent `json:"content"`
	PaymentMethod string             `json:"payment_method,omitempty"`
}

// Service проводит сценарий оформления покупки.
type Service struct {
	slots    domain.SlotRepository
	settings domain.SettingsRepository
	policy   domain.Policy
	alloc    *allocator.Allocator
	ledger   *ledger.Ledger
	store    domain.ReservationStore
	logger   *log.Entry
}

// New создаёт Service.
func New(
	slots domain.SlotRepository,
	settings domain.SettingsRepository,
	policy domain.Policy,
	alloc *allocator.Allocator,
	orders *ledger.Ledger,
	store domain.ReservationStore,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{
		slots:    slots,
		settings: settings,
		policy:   policy,
		alloc:    alloc,
		ledger:   orders,
		store:    store,
		logger:   logger,
	}
}

// Quote считает цену для места и позиции.
func (s *Service) Quote(ctx context.Context, principal domain.Principal, req QuoteRequest) (domain.PriceBreakdown, error) {
	if err := s.policy.Authorize(ctx, principal, domain.ActionQuote).Err(); err != nil {
		return domain.PriceBreakdown{}, err
	}
	slot, err := s.enabledSlot(ctx, req.SlotID)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	return quote(slot, req)
}

func quote(slot domain.Slot, req QuoteRequest) (domain.PriceBreakdown, error) {
	if !slot.ValidPosition(req.PositionKey) {
		return domain.PriceBreakdown{}, domain.ErrInvalidPosition
	}
	price, err := pricing.Calculate(slot, pricing.Request{
		PlanType:       req.PlanType,
		DurationMonths: req.DurationMonths,
		ColorKey:       req.ColorKey,
		PositionKey:    req.PositionKey,
	})
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	return price, nil
}

// Reserve удерживает позицию за покупателем. При сбое после резервации
// удержание снимается, чтобы позиция не висела до таймаута.
func (s *Service) Reserve(ctx context.Context, principal domain.Principal, req ReserveRequest) (domain.Reservation, error) {
	if err := s.policy.Authorize(ctx, principal, domain.ActionReserve).Err(); err != nil {
		return domain.Reservation{}, err
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return domain.Reservation{}, err
	}
	settings = settings.Normalize()
	if settings.GlobalPausePurchase {
		return domain.Reservation{}, domain.ErrPurchasePaused
	}
	if principal.IsGuest() && !settings.AllowGuestPurchase {
		return domain.Reservation{}, domain.ErrGuestPurchaseDisabled
	}

	slot, err := s.enabledSlot(ctx, req.SlotID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if method := strings.ToLower(strings.TrimSpace(req.PaymentMethod)); method != "" {
		if !settings.PaymentMethodAllowed(method) || !slot.PaymentMethodAllowed(method) {
			return domain.Reservation{}, domain.ErrInvalidPaymentMethod
		}
		req.PaymentMethod = method
	}

	content := validation.Normalize(req.Content)
	if req.ColorKey != "" {
		content.ColorKey = req.ColorKey
	}
	if err := validation.Duration(req.DurationMonths); err != nil {
		return domain.Reservation{}, err
	}
	if err := validation.Content(slot, content); err != nil {
		return domain.Reservation{}, err
	}

	price, err := quote(slot, req.QuoteRequest)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !price.Total.IsPositive() {
		return domain.Reservation{}, domain.ErrPriceInvalid
	}

	timeout := settings.OrderTimeout()
	res, err := s.alloc.Reserve(ctx, allocator.ReserveRequest{
		SlotID:         slot.ID,
		PositionKey:    req.PositionKey,
		BuyerID:        principal.UserID,
		PlanType:       req.PlanType,
		DurationMonths: req.DurationMonths,
		ColorKey:       content.ColorKey,
		Content:        content,
		Price:          price,
		Timeout:        timeout,
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	order, err := s.ledger.CreatePending(ctx, res.Claims, req.PaymentMethod)
	if err != nil {
		return domain.Reservation{}, s.compensate(ctx, res, fmt.Errorf("record pending order: %w", err))
	}
	res.OrderID = order.ID

	if err := s.store.Put(ctx, res.Claims, token.StoreTTL(timeout)); err != nil {
		return domain.Reservation{}, s.compensate(ctx, res, fmt.Errorf("store reservation token: %w", err))
	}

	s.logger.WithFields(log.Fields{
		"slot_id":       slot.ID,
		"unit_id":       res.Unit.ID,
		"order_id":      order.ID,
		"attempt_token": res.Claims.TokenID,
		"buyer_id":      principal.UserID,
	}).Info("unit reserved")
	return res, nil
}

// Claims возвращает сохранённый токен резервации.
func (s *Service) Claims(ctx context.Context, tokenID string) (domain.ReservationClaims, error) {
	claims, err := s.store.Get(ctx, tokenID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return domain.ReservationClaims{}, domain.ErrOrderExpired
	}
	return claims, err
}

func (s *Service) compensate(ctx context.Context, res domain.Reservation, cause error) error {
	_, released, err := s.alloc.ReleaseHold(ctx, res.Unit.ID, res.Claims.TokenID)
	entry := s.logger.WithFields(log.Fields{
		"unit_id":       res.Unit.ID,
		"attempt_token": res.Claims.TokenID,
		"released":      released,
	})
	if err != nil {
		entry.WithError(err).Error("compensating release failed")
		return errors.Join(cause, err)
	}
	entry.WithError(cause).Warn("reservation rolled back")
	return cause
}

func (s *Service) enabledSlot(ctx context.Context, id int64) (domain.Slot, error) {
	slot, err := s.slots.Get(ctx, id)
	if err != nil {
		return domain.Slot{}, err
	}
	if !slot.Enabled {
		return domain.Slot{}, domain.ErrSlotDisabled
	}
	return slot, nil
}
