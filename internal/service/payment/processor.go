// Package payment обрабатывает входящие события платёжного провайдера.
// Webhook, Kafka-консьюмер и сверка приходят в один и тот же код, поэтому
// повтор любого события безопасен.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
	"github.com/vladislavdragonenkov/adslots/internal/token"
)

// Причины, по которым событие пропущено без изменений.
const (
	SkipNotAdOrder    = "not_ad_order"
	SkipDenyListed    = "deny_listed"
	SkipOrderClosed   = "order_closed"
	SkipNothingToFree = "nothing_to_release"
	SkipAlreadyServed = "already_served"
)

// Outcome описывает результат обработки одного события.
type Outcome struct {
	Kind     domain.EventKind `json:"kind"`
	OrderID  int64            `json:"order_id,omitempty"`
	UnitID   int64            `json:"unit_id,omitempty"`
	Changed  bool             `json:"changed"`
	Conflict bool             `json:"conflict,omitempty"`
	Skipped  string           `json:"skipped,omitempty"`
}

// Processor обрабатывает события провайдера.
type Processor struct {
	slots    domain.SlotRepository
	units    domain.UnitRepository
	settings domain.SettingsRepository
	policy   domain.Policy
	alloc    *allocator.Allocator
	ledger   *ledger.Ledger
	store    domain.ReservationStore
	signer   *token.Signer
	events   *outbox.Emitter
	retry    *Retrier
	logger   *log.Entry
	now      func() time.Time
}

// Deps — зависимости Processor.
type Deps struct {
	Slots    domain.SlotRepository
	Units    domain.UnitRepository
	Settings domain.SettingsRepository
	Policy   domain.Policy
	Alloc    *allocator.Allocator
	Ledger   *ledger.Ledger
	Store    domain.ReservationStore
	Signer   *token.Signer
	Events   *outbox.Emitter
}

// Option настраивает Processor.
type Option func(*Processor)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetry задаёт политику повторов.
func WithRetry(cfg RetryConfig) Option {
	return func(p *Processor) { p.retry = NewRetrier(cfg, p.logger) }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor создаёт Processor.
func NewProcessor(deps Deps, options ...Option) *Processor {
	p := &Processor{
		slots:    deps.Slots,
		units:    deps.Units,
		settings: deps.Settings,
		policy:   deps.Policy,
		alloc:    deps.Alloc,
		ledger:   deps.Ledger,
		store:    deps.Store,
		signer:   deps.Signer,
		events:   deps.Events,
		logger:   log.WithField("component", "payment-processor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(p)
	}
	if p.retry == nil {
		p.retry = NewRetrier(DefaultRetryConfig(), p.logger)
	}
	return p
}

// Dispatch направляет нормализованное событие в нужный обработчик.
func (p *Processor) Dispatch(ctx context.Context, principal domain.Principal, ev domain.ProviderEvent) (Outcome, error) {
	switch ev.Kind {
	case domain.EventIntentCreated:
		req := IntentRequest{AttemptToken: ev.AttemptToken, PaymentMethod: ev.Order.PaymentMethod, PostID: ev.Order.PostID}
		if meta := ev.Order.Meta; meta != nil {
			req.SlotID, req.PositionKey = meta.SlotID, meta.PositionKey
			if req.AttemptToken == "" {
				req.AttemptToken = meta.Token
			}
		}
		if _, err := p.PrepareIntent(ctx, principal, req); err != nil {
			return Outcome{Kind: ev.Kind}, err
		}
		return Outcome{Kind: ev.Kind}, nil
	case domain.EventOrderCreated:
		order, err := p.AttachExternalReference(ctx, ev.AttemptToken, ev.Order)
		if err != nil {
			return Outcome{Kind: ev.Kind}, err
		}
		return Outcome{Kind: ev.Kind, OrderID: order.ID, UnitID: order.UnitID, Changed: true}, nil
	case domain.EventPaymentSucceeded:
		return p.HandlePaymentSucceeded(ctx, ev.Order)
	case domain.EventOrderClosed:
		return p.HandleOrderClosed(ctx, ev.AttemptToken, ev.Order)
	default:
		return Outcome{Kind: ev.Kind}, fmt.Errorf("unsupported event kind %q: %w", ev.Kind, domain.ErrValidation)
	}
}

// target — позиция, к которой относится заказ провайдера.
type target struct {
	slotID int64
	key    int
	unitID int64
	token  string
}

func (p *Processor) resolve(ctx context.Context, order domain.ProviderOrder, attemptToken string) (target, error) {
	t := target{token: attemptToken}
	if meta := order.Meta; meta != nil {
		t.slotID, t.key, t.unitID = meta.SlotID, meta.PositionKey, meta.UnitID
		if t.token == "" {
			t.token = meta.Token
		}
	} else {
		slotID, key, ok := domain.ParseProductID(order.ProductID)
		if !ok {
			return t, fmt.Errorf("product id %q: %w", order.ProductID, domain.ErrOrderMismatch)
		}
		t.slotID, t.key = slotID, key
	}
	if t.unitID == 0 {
		unit, err := p.units.GetByPosition(ctx, t.slotID, t.key)
		if err != nil {
			return t, err
		}
		t.unitID = unit.ID
	}
	return t, nil
}

// AttachExternalReference связывает созданный провайдером заказ с pending-строкой журнала.
func (p *Processor) AttachExternalReference(ctx context.Context, attemptToken string, order domain.ProviderOrder) (domain.Order, error) {
	if !order.IsAdOrder() {
		return domain.Order{}, nil
	}
	t, err := p.resolve(ctx, order, attemptToken)
	if err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		return domain.Order{}, err
	}
	return p.ledger.AttachExternalReference(ctx, ledger.ExternalRef{
		AttemptToken:  t.token,
		UnitID:        t.unitID,
		SlotID:        t.slotID,
		PositionKey:   t.key,
		BuyerID:       order.UserID,
		Ref:           order.ID,
		PaymentRef:    order.PaymentID,
		OrderNumber:   order.OrderNumber,
		PaymentMethod: order.PaymentMethod,
	})
}

// HandlePaymentSucceeded записывает оплату в журнал и подтверждает позицию.
// С метаданными объявления данные берутся из них; без метаданных позиция
// определяется по product id, а контент берётся из её pending-удержания.
func (p *Processor) HandlePaymentSucceeded(ctx context.Context, order domain.ProviderOrder) (Outcome, error) {
	out := Outcome{Kind: domain.EventPaymentSucceeded}
	if !order.IsAdOrder() {
		out.Skipped = SkipNotAdOrder
		return out, nil
	}
	if order.ID == "" {
		return out, domain.ErrExternalRefRequired
	}
	entry := p.logger.WithFields(log.Fields{
		"order_ref":  order.ID,
		"product_id": order.ProductID,
	})

	t, err := p.resolve(ctx, order, "")
	if err != nil {
		entry.WithError(err).Warn("cannot resolve unit for payment")
		return out, err
	}
	out.UnitID = t.unitID

	payment, confirm, err := p.paymentData(ctx, order, t)
	if err != nil {
		return out, err
	}

	var (
		recorded      domain.Order
		ledgerChanged bool
	)
	ledgerConflict := false
	err = p.retry.Do(ctx, "ledger.mark_paid", order.ID, func(ctx context.Context) error {
		var err error
		recorded, ledgerChanged, err = p.ledger.MarkPaid(ctx, payment)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrDenyListed):
		entry.Info("payment for deleted order ignored")
		out.Skipped = SkipDenyListed
		return out, nil
	case errors.Is(err, domain.ErrOrderTransition):
		closed, getErr := p.ledger.GetByExternalRef(ctx, order.ID)
		if getErr != nil {
			return out, errors.Join(err, getErr)
		}
		out.OrderID = closed.ID
		if closed.Status != domain.OrderStatusTimeout {
			// возврат или снятие уже освободили позицию
			entry.WithField("status", closed.Status).Info("payment replay for closed order ignored")
			out.Skipped = SkipOrderClosed
			return out, nil
		}
		// Попытка закрыта по таймауту, но деньги пришли: позицию подтверждаем.
		entry.WithError(err).Warn("late payment for timed out ledger row")
		ledgerConflict = true
		recorded = closed
	case err != nil:
		return out, err
	}
	out.OrderID = recorded.ID

	confirm.AttemptToken = recorded.AttemptToken
	if confirm.AttemptToken == "" {
		confirm.AttemptToken = payment.AttemptToken
	}
	if !ledgerChanged && !ledgerConflict {
		served, err := p.alreadyServed(ctx, t.unitID, order.ID, recorded)
		if err != nil {
			return out, err
		}
		if served {
			entry.WithField("order_id", recorded.ID).Info("payment replay after paid period ignored")
			out.Skipped = SkipAlreadyServed
			return out, nil
		}
	}

	var changed bool
	err = p.retry.Do(ctx, "allocator.confirm_paid", order.ID, func(ctx context.Context) error {
		var err error
		_, changed, err = p.alloc.ConfirmPaid(ctx, t.unitID, confirm)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrUnitAlreadyPaid):
		out.Conflict = true
		p.emitConflict(ctx, order, t, "unit already paid by another order")
		return out, nil
	case errors.Is(err, domain.ErrUnitUnavailable):
		out.Conflict = true
		p.emitConflict(ctx, order, t, "unit held by another attempt")
		return out, nil
	case err != nil:
		return out, err
	}
	out.Changed = changed

	if t.token != "" {
		if err := p.store.Delete(ctx, t.token); err != nil {
			entry.WithError(err).Warn("drop reservation token failed")
		}
	}

	if ledgerConflict {
		out.Conflict = true
		p.emitConflict(ctx, order, t, "ledger row already closed")
		return out, nil
	}
	if changed {
		p.emit(ctx, domain.AggregateOrder, order.ID, domain.EventTypePaymentCompleted, map[string]any{
			"order_id":       out.OrderID,
			"external_ref":   order.ID,
			"unit_id":        t.unitID,
			"slot_id":        t.slotID,
			"position_key":   t.key,
			"payment_method": order.PaymentMethod,
			"total":          payment.Price.Total.String(),
		})
	}
	return out, nil
}

// alreadyServed сообщает, что повтор оплаты относится к уже отработанному
// периоду: строка журнала оплачена, позиция не за этой ссылкой и не под
// удержанием этой попытки, а оплаченный срок по журналу прошёл.
func (p *Processor) alreadyServed(ctx context.Context, unitID int64, ref string, recorded domain.Order) (bool, error) {
	unit, err := p.units.Get(ctx, unitID)
	if err != nil {
		return false, err
	}
	if unit.PaidBy(ref) || unit.HeldBy(recorded.AttemptToken) {
		return false, nil
	}
	until := recorded.PaidUntil()
	return !until.IsZero() && !until.After(p.now()), nil
}

// paymentData собирает данные для журнала и позиции.
func (p *Processor) paymentData(ctx context.Context, order domain.ProviderOrder, t target) (ledger.Payment, allocator.ConfirmRequest, error) {
	payment := ledger.Payment{
		ExternalRef: ledger.ExternalRef{
			AttemptToken:  t.token,
			UnitID:        t.unitID,
			SlotID:        t.slotID,
			PositionKey:   t.key,
			BuyerID:       order.UserID,
			Ref:           order.ID,
			PaymentRef:    order.PaymentID,
			OrderNumber:   order.OrderNumber,
			PaymentMethod: order.PaymentMethod,
		},
		PaidAt: order.PaidAt,
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = p.now()
	}

	if meta := order.Meta; meta != nil {
		content := meta.Content
		payment.PlanType = meta.PlanType
		payment.DurationMonths = meta.DurationMonths
		payment.Price = meta.Price
		payment.Snapshot = domain.CustomerSnapshot{Content: content, Request: meta}
		return payment, allocator.ConfirmRequest{
			OrderRef:       order.ID,
			OrderNumber:    order.OrderNumber,
			Content:        &content,
			Price:          meta.Price,
			DurationMonths: meta.DurationMonths,
		}, nil
	}

	unit, err := p.units.Get(ctx, t.unitID)
	if err != nil {
		return payment, allocator.ConfirmRequest{}, err
	}
	months := unit.DurationMonths
	if months <= 0 {
		months = domain.MinDurationMonths
	}
	price := domain.PriceBreakdown{Base: unit.Price, Total: unit.Price}
	if !order.Price.IsZero() {
		price = domain.PriceBreakdown{Base: order.Price, Total: order.Price}
	}
	if unit.Status == domain.UnitStatusPending && payment.AttemptToken == "" {
		payment.AttemptToken = unit.AttemptToken
	}
	payment.DurationMonths = months
	payment.Price = price
	payment.Snapshot = domain.CustomerSnapshot{Content: unit.Content}
	return payment, allocator.ConfirmRequest{
		OrderRef:       order.ID,
		OrderNumber:    order.OrderNumber,
		Price:          price,
		DurationMonths: months,
	}, nil
}

// HandleOrderClosed отменяет покупку: pending-удержание попытки снимается,
// оплата по этой ссылке возвращается, pending-строка журнала уходит в timeout.
func (p *Processor) HandleOrderClosed(ctx context.Context, attemptToken string, order domain.ProviderOrder) (Outcome, error) {
	out := Outcome{Kind: domain.EventOrderClosed}
	if !order.IsAdOrder() {
		out.Skipped = SkipNotAdOrder
		return out, nil
	}

	t, err := p.resolve(ctx, order, attemptToken)
	if err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		return out, err
	}
	out.UnitID = t.unitID

	refunded := false
	if order.ID != "" || t.token != "" {
		closed, err := p.ledger.CloseByExternalRef(ctx, order.ID, t.token)
		switch {
		case err == nil:
			out.OrderID = closed.ID
			refunded = closed.Status == domain.OrderStatusRefunded
			out.Changed = true
			if t.token == "" {
				t.token = closed.AttemptToken
			}
		case !errors.Is(err, domain.ErrOrderNotFound):
			return out, err
		}
	}

	if t.unitID != 0 {
		released, err := p.releaseUnit(ctx, t.unitID, t.token, order.ID)
		if err != nil {
			return out, err
		}
		out.Changed = out.Changed || released
	}
	if t.token != "" {
		if err := p.store.Delete(ctx, t.token); err != nil {
			p.logger.WithError(err).WithField("attempt_token", t.token).Warn("drop reservation token failed")
		}
	}

	if !out.Changed {
		out.Skipped = SkipNothingToFree
		return out, nil
	}
	if !refunded {
		// оплаченное закрытие уже опубликовал журнал
		p.emit(ctx, domain.AggregateOrder, order.ID, domain.EventTypeOrderClosed, map[string]any{
			"order_id":      out.OrderID,
			"external_ref":  order.ID,
			"unit_id":       t.unitID,
			"attempt_token": t.token,
		})
	}
	return out, nil
}

func (p *Processor) releaseUnit(ctx context.Context, unitID int64, attemptToken, ref string) (bool, error) {
	if attemptToken != "" {
		_, released, err := p.alloc.ReleaseHold(ctx, unitID, attemptToken)
		if err != nil || released {
			return released, err
		}
	}
	if ref != "" {
		_, released, err := p.alloc.ReleasePaid(ctx, unitID, ref)
		return released, err
	}
	return false, nil
}

func (p *Processor) emitConflict(ctx context.Context, order domain.ProviderOrder, t target, reason string) {
	p.logger.WithFields(log.Fields{
		"order_ref": order.ID,
		"unit_id":   t.unitID,
		"slot_id":   t.slotID,
		"reason":    reason,
	}).Error("payment needs operator attention")
	p.emit(ctx, domain.AggregateUnit, strconv.FormatInt(t.unitID, 10), domain.EventTypePaymentConflict, map[string]any{
		"external_ref": order.ID,
		"unit_id":      t.unitID,
		"slot_id":      t.slotID,
		"position_key": t.key,
		"reason":       reason,
	})
}

func (p *Processor) emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload map[string]any) {
	if err := p.events.Emit(ctx, aggregateType, aggregateID, eventType, payload); err != nil {
		p.logger.WithError(err).WithField("event", eventType).Warn("event not enqueued")
	}
}
