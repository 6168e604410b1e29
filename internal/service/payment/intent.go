package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/pricing"
)

// IntentRequest — данные, с которыми провайдер создаёт заказ.
type IntentRequest struct {
	AttemptToken  string `json:"token"`
	SlotID        int64  `json:"slot_id"`
	PositionKey   int    `json:"unit_key"`
	PaymentMethod string `json:"payment_method,omitempty"`
	PostID        int64  `json:"post_id,omitempty"`
}

// IntentPayload — то, что провайдер запишет в свой заказ.
type IntentPayload struct {
	OrderType string           `json:"order_type"`
	Price     decimal.Decimal  `json:"order_price"`
	ProductID string           `json:"product_id"`
	PostID    int64            `json:"post_id,omitempty"`
	OrderName string           `json:"order_name"`
	Request   domain.AdRequest `json:"ad_request"`
}

// PrepareIntent проверяет резервацию перед созданием заказа у провайдера
// и заново считает цену на сервере.
func (p *Processor) PrepareIntent(ctx context.Context, principal domain.Principal, req IntentRequest) (IntentPayload, error) {
	if err := p.policy.Authorize(ctx, principal, domain.ActionPaymentIntent).Err(); err != nil {
		return IntentPayload{}, err
	}
	settings, err := p.settings.Get(ctx)
	if err != nil {
		return IntentPayload{}, err
	}
	settings = settings.Normalize()
	if settings.GlobalPausePurchase {
		return IntentPayload{}, domain.ErrPurchasePaused
	}

	entry := p.logger.WithFields(log.Fields{
		"attempt_token": req.AttemptToken,
		"slot_id":       req.SlotID,
		"position_key":  req.PositionKey,
	})

	claims, err := p.store.Get(ctx, strings.TrimSpace(req.AttemptToken))
	if errors.Is(err, domain.ErrReservationNotFound) {
		return IntentPayload{}, domain.ErrOrderExpired
	}
	if err != nil {
		return IntentPayload{}, err
	}
	if claims.Expired(p.now()) {
		return IntentPayload{}, domain.ErrOrderExpired
	}
	if err := p.signer.Verify(claims); err != nil {
		entry.WithError(err).Warn("reservation token signature mismatch")
		return IntentPayload{}, err
	}
	if claims.SlotID != req.SlotID || claims.PositionKey != req.PositionKey {
		entry.WithFields(log.Fields{
			"token_slot_id":      claims.SlotID,
			"token_position_key": claims.PositionKey,
		}).Warn("intent does not match reservation")
		return IntentPayload{}, domain.ErrOrderMismatch
	}

	slot, err := p.slots.Get(ctx, claims.SlotID)
	if err != nil {
		return IntentPayload{}, err
	}
	if !slot.Enabled {
		return IntentPayload{}, domain.ErrSlotDisabled
	}

	unit, err := p.units.GetByPosition(ctx, claims.SlotID, claims.PositionKey)
	if errors.Is(err, domain.ErrUnitNotFound) {
		return IntentPayload{}, domain.ErrUnitUnavailable
	}
	if err != nil {
		return IntentPayload{}, err
	}
	if unit.ID != claims.UnitID || !unit.HeldBy(claims.TokenID) || unit.PendingLapsed(p.now()) {
		return IntentPayload{}, domain.ErrUnitUnavailable
	}

	if method := strings.ToLower(strings.TrimSpace(req.PaymentMethod)); method != "" {
		allowed := FilterMethods([]string{method}, principal, settings, slot)
		if len(allowed) == 0 {
			return IntentPayload{}, domain.ErrInvalidPaymentMethod
		}
	}

	price, err := pricing.Calculate(slot, pricing.Request{
		PlanType:       claims.PlanType,
		DurationMonths: claims.DurationMonths,
		ColorKey:       claims.ColorKey,
		PositionKey:    claims.PositionKey,
	})
	if err != nil {
		return IntentPayload{}, err
	}
	if !price.Total.Equal(claims.Price.Total) {
		entry.WithFields(log.Fields{
			"signed_total": claims.Price.Total.String(),
			"server_total": price.Total.String(),
		}).Warn("signed price differs from current price")
		return IntentPayload{}, domain.ErrOrderMismatch
	}
	if !price.Total.IsPositive() {
		return IntentPayload{}, domain.ErrPriceInvalid
	}

	return IntentPayload{
		OrderType: domain.AdOrderType,
		Price:     price.Total,
		ProductID: domain.FormatProductID(slot.ID, claims.PositionKey),
		PostID:    req.PostID,
		OrderName: OrderName(slot, claims.PositionKey),
		Request:   claims.AdRequest(),
	}, nil
}

// OrderName строит название заказа у провайдера, позиция считается с единицы.
func OrderName(slot domain.Slot, key int) string {
	return fmt.Sprintf("Ad slot - %s (position %d)", slot.Title, key+1)
}

// FilterOptions — параметры одного вызова фильтра способов оплаты.
type FilterOptions struct {
	// Nested выставляется, когда фильтр вызван изнутри другого прохода
	// фильтрации; такой вызов возвращает список без изменений.
	Nested bool
}

// FilterPaymentMethods оставляет способы оплаты, доступные для рекламного
// заказа. Заказы других типов не трогаются.
func (p *Processor) FilterPaymentMethods(ctx context.Context, principal domain.Principal, methods []string, orderType string, slotID int64, opts FilterOptions) ([]string, error) {
	if opts.Nested || orderType != domain.AdOrderType {
		return methods, nil
	}
	settings, err := p.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	var slot domain.Slot
	if slotID != 0 {
		if slot, err = p.slots.Get(ctx, slotID); err != nil {
			return nil, err
		}
	}
	return FilterMethods(methods, principal, settings.Normalize(), slot), nil
}

// FilterMethods применяет правила: гостям недоступен баланс, баланс можно
// выключить глобально, глобальный список и список места пересекаются.
func FilterMethods(methods []string, principal domain.Principal, settings domain.Settings, slot domain.Slot) []string {
	out := make([]string, 0, len(methods))
	for _, raw := range methods {
		m := strings.ToLower(strings.TrimSpace(raw))
		if m == domain.PaymentMethodBalance && (principal.IsGuest() || !settings.AllowBalancePayment) {
			continue
		}
		if !settings.PaymentMethodAllowed(m) || !slot.PaymentMethodAllowed(m) {
			continue
		}
		out = append(out, raw)
	}
	return out
}
