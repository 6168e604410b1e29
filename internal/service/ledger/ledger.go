// Package ledger ведёт журнал заказов: одна запись на попытку покупки.
// Статус записи двигается только вперёд, внешняя ссылка провайдера уникальна.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
)

// maxCASAttempts ограничивает повторы при гонке за статус записи.
const maxCASAttempts = 3

// UnitReleaser освобождает позицию, оплаченную конкретным заказом.
type UnitReleaser interface {
	ReleasePaid(ctx context.Context, unitID int64, orderRef string) (domain.Unit, bool, error)
}

// ExternalRef — ссылки провайдера, пришедшие при создании его заказа.
type ExternalRef struct {
	AttemptToken  string
	UnitID        int64
	SlotID        int64
	PositionKey   int
	BuyerID       int64
	Ref           string
	PaymentRef    string
	OrderNumber   string
	PaymentMethod string
}

// Payment — подтверждённая оплата для журнала.
type Payment struct {
	ExternalRef
	PlanType       domain.PlanType
	DurationMonths int
	Price          domain.PriceBreakdown
	Snapshot       domain.CustomerSnapshot
	PaidAt         time.Time
}

// Ledger ведёт журнал заказов.
type Ledger struct {
	orders   domain.OrderRepository
	units    domain.UnitRepository
	releaser UnitReleaser
	events   *outbox.Emitter
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEmitter включает публикацию событий журнала.
func WithEmitter(e *outbox.Emitter) Option {
	return func(l *Ledger) { l.events = e }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New создаёт Ledger. units используется для представлений, releaser при возврате и снятии.
func New(orders domain.OrderRepository, units domain.UnitRepository, releaser UnitReleaser, options ...Option) *Ledger {
	l := &Ledger{
		orders:   orders,
		units:    units,
		releaser: releaser,
		logger:   log.WithField("component", "order-ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// CreatePending записывает pending-строку для свежей резервации.
func (l *Ledger) CreatePending(ctx context.Context, claims domain.ReservationClaims, paymentMethod string) (domain.Order, error) {
	order := domain.Order{
		UnitID:         claims.UnitID,
		SlotID:         claims.SlotID,
		PositionKey:    claims.PositionKey,
		BuyerID:        claims.BuyerID,
		Snapshot:       domain.CustomerSnapshot{Content: claims.Content},
		AttemptToken:   claims.TokenID,
		PlanType:       claims.PlanType,
		DurationMonths: claims.DurationMonths,
		Price:          claims.Price,
		PaymentMethod:  paymentMethod,
		Status:         domain.OrderStatusPending,
		CreatedAt:      l.now(),
	}
	created, err := l.orders.Insert(ctx, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert pending order: %w", err)
	}
	return created, nil
}

// AttachExternalReference связывает заказ провайдера с pending-строкой:
// сначала по токену попытки, затем по самой свежей pending-строке позиции.
// Если ничего не нашлось, вставляется новая pending-строка, чтобы попытка
// оставалась видна в журнале.
func (l *Ledger) AttachExternalReference(ctx context.Context, ref ExternalRef) (domain.Order, error) {
	ref.Ref = strings.TrimSpace(ref.Ref)
	if ref.Ref == "" {
		return domain.Order{}, domain.ErrExternalRefRequired
	}
	if existing, err := l.orders.GetByExternalRef(ctx, ref.Ref); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.Order{}, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		pending, err := l.findPending(ctx, ref)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			return l.insertAttached(ctx, ref)
		case err != nil:
			return domain.Order{}, err
		}

		applyRefs(&pending, ref)
		err = l.orders.Update(ctx, pending, domain.OrderStatusPending)
		if err == nil {
			return pending, nil
		}
		if !errors.Is(err, domain.ErrOrderTransition) {
			return domain.Order{}, err
		}
	}
	return domain.Order{}, fmt.Errorf("attach %s: %w", ref.Ref, domain.ErrOrderTransition)
}

func (l *Ledger) insertAttached(ctx context.Context, ref ExternalRef) (domain.Order, error) {
	order := domain.Order{
		UnitID:       ref.UnitID,
		SlotID:       ref.SlotID,
		PositionKey:  ref.PositionKey,
		BuyerID:      ref.BuyerID,
		AttemptToken: ref.AttemptToken,
		Status:       domain.OrderStatusPending,
		CreatedAt:    l.now(),
	}
	applyRefs(&order, ref)
	created, err := l.orders.Insert(ctx, order)
	if errors.Is(err, domain.ErrExternalRefConflict) {
		return l.orders.GetByExternalRef(ctx, ref.Ref)
	}
	return created, err
}

func (l *Ledger) findPending(ctx context.Context, ref ExternalRef) (domain.Order, error) {
	if ref.AttemptToken != "" {
		order, err := l.orders.FindPendingByAttemptToken(ctx, ref.AttemptToken)
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return order, err
		}
	}
	if ref.UnitID == 0 || ref.SlotID == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return l.orders.FindLatestPending(ctx, ref.UnitID, ref.SlotID)
}

func applyRefs(o *domain.Order, ref ExternalRef) {
	o.ExternalRef = ref.Ref
	if ref.PaymentRef != "" {
		o.ExternalPaymentRef = ref.PaymentRef
	}
	if ref.OrderNumber != "" {
		o.ExternalOrderNumber = ref.OrderNumber
	}
	if ref.PaymentMethod != "" {
		o.PaymentMethod = ref.PaymentMethod
	}
}

// MarkPaid записывает оплату. Повтор по той же ссылке ничего не меняет
// (changed=false). Порядок поиска: по внешней ссылке, по pending-строке
// попытки, иначе вставка новой paid-строки. Одновременные вставки
// разрешает уникальность внешней ссылки.
func (l *Ledger) MarkPaid(ctx context.Context, p Payment) (domain.Order, bool, error) {
	p.Ref = strings.TrimSpace(p.Ref)
	if p.Ref == "" {
		return domain.Order{}, false, domain.ErrExternalRefRequired
	}
	denied, err := l.orders.IsDenied(ctx, p.Ref)
	if err != nil {
		return domain.Order{}, false, err
	}
	if denied {
		return domain.Order{}, false, domain.ErrDenyListed
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = l.now()
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		order, changed, err := l.markPaidOnce(ctx, p)
		if errors.Is(err, errRetry) {
			continue
		}
		if err != nil {
			return domain.Order{}, false, err
		}
		if changed {
			l.logger.WithFields(log.Fields{
				"order_id":  order.ID,
				"order_ref": order.ExternalRef,
				"unit_id":   order.UnitID,
			}).Info("order marked paid")
		}
		return order, changed, nil
	}
	return domain.Order{}, false, fmt.Errorf("mark %s paid: %w", p.Ref, domain.ErrOrderTransition)
}

var errRetry = errors.New("ledger: retry")

func (l *Ledger) markPaidOnce(ctx context.Context, p Payment) (domain.Order, bool, error) {
	existing, err := l.orders.GetByExternalRef(ctx, p.Ref)
	switch {
	case err == nil:
		return l.promote(ctx, existing, p)
	case !errors.Is(err, domain.ErrOrderNotFound):
		return domain.Order{}, false, err
	}

	if p.AttemptToken != "" {
		pending, err := l.orders.FindPendingByAttemptToken(ctx, p.AttemptToken)
		switch {
		case err == nil:
			return l.promote(ctx, pending, p)
		case !errors.Is(err, domain.ErrOrderNotFound):
			return domain.Order{}, false, err
		}
	}

	order := domain.Order{Status: domain.OrderStatusPending, CreatedAt: p.PaidAt}
	fillPayment(&order, p)
	if err := order.Transition(domain.OrderStatusPaid, p.PaidAt); err != nil {
		return domain.Order{}, false, err
	}
	created, err := l.orders.Insert(ctx, order)
	if errors.Is(err, domain.ErrExternalRefConflict) {
		return domain.Order{}, false, errRetry
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("insert paid order: %w", err)
	}
	return created, true, nil
}

// promote переводит найденную строку в paid. Уже оплаченная строка не меняется,
// для закрытой возвращается ErrOrderTransition.
func (l *Ledger) promote(ctx context.Context, order domain.Order, p Payment) (domain.Order, bool, error) {
	if order.Status == domain.OrderStatusPaid {
		return order, false, nil
	}
	if order.Status != domain.OrderStatusPending {
		return order, false, fmt.Errorf("order %d is %s: %w", order.ID, order.Status, domain.ErrOrderTransition)
	}
	fillPayment(&order, p)
	if err := order.Transition(domain.OrderStatusPaid, p.PaidAt); err != nil {
		return order, false, err
	}
	err := l.orders.Update(ctx, order, domain.OrderStatusPending)
	switch {
	case err == nil:
		return order, true, nil
	case errors.Is(err, domain.ErrOrderTransition), errors.Is(err, domain.ErrExternalRefConflict):
		return domain.Order{}, false, errRetry
	default:
		return domain.Order{}, false, err
	}
}

// fillPayment переносит данные оплаты, не затирая известные поля пустыми.
func fillPayment(o *domain.Order, p Payment) {
	applyRefs(o, p.ExternalRef)
	if p.AttemptToken != "" && o.AttemptToken == "" {
		o.AttemptToken = p.AttemptToken
	}
	if p.UnitID != 0 {
		o.UnitID = p.UnitID
	}
	if p.SlotID != 0 {
		o.SlotID = p.SlotID
		o.PositionKey = p.PositionKey
	}
	if p.BuyerID != 0 {
		o.BuyerID = p.BuyerID
	}
	if p.PlanType != "" {
		o.PlanType = p.PlanType
	}
	if p.DurationMonths > 0 {
		o.DurationMonths = p.DurationMonths
	}
	if !p.Price.Total.IsZero() {
		o.Price = p.Price
	}
	if !p.Snapshot.Content.IsZero() {
		o.Snapshot.Content = p.Snapshot.Content
	}
	if p.Snapshot.Request != nil {
		o.Snapshot.Request = p.Snapshot.Request
	}
}

// MarkRefundedOrTakedown закрывает оплаченный заказ и освобождает позицию
// с очисткой контента. Снятие требует, чтобы позиция была оплачена именно
// этим заказом; при возврате чужая позиция не трогается.
func (l *Ledger) MarkRefundedOrTakedown(ctx context.Context, orderID int64, to domain.OrderStatus) (domain.Order, error) {
	if to != domain.OrderStatusRefunded && to != domain.OrderStatusTakedown {
		return domain.Order{}, fmt.Errorf("close order as %s: %w", to, domain.ErrOrderTransition)
	}
	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return l.close(ctx, order, to)
}

// CloseByExternalRef закрывает заказ по ссылке провайдера. Pending-строка
// уходит в timeout, оплаченная в refunded.
func (l *Ledger) CloseByExternalRef(ctx context.Context, ref, attemptToken string) (domain.Order, error) {
	order, err := l.orders.GetByExternalRef(ctx, strings.TrimSpace(ref))
	if errors.Is(err, domain.ErrOrderNotFound) && attemptToken != "" {
		order, err = l.orders.FindPendingByAttemptToken(ctx, attemptToken)
	}
	if err != nil {
		return domain.Order{}, err
	}
	switch order.Status {
	case domain.OrderStatusPaid:
		return l.close(ctx, order, domain.OrderStatusRefunded)
	case domain.OrderStatusPending:
		if err := order.Transition(domain.OrderStatusTimeout, l.now()); err != nil {
			return order, err
		}
		if err := l.orders.Update(ctx, order, domain.OrderStatusPending); err != nil {
			return domain.Order{}, err
		}
		return order, nil
	default:
		return order, nil
	}
}

func (l *Ledger) close(ctx context.Context, order domain.Order, to domain.OrderStatus) (domain.Order, error) {
	if order.Status != domain.OrderStatusPaid {
		return order, fmt.Errorf("order %d is %s: %w", order.ID, order.Status, domain.ErrOrderTransition)
	}
	if to == domain.OrderStatusTakedown {
		unit, err := l.units.Get(ctx, order.UnitID)
		if err != nil {
			return order, err
		}
		if order.ExternalRef == "" || !unit.PaidBy(order.ExternalRef) {
			return order, fmt.Errorf("takedown order %d: %w", order.ID, domain.ErrUnitNotPaid)
		}
	}

	closed := order
	if err := closed.Transition(to, l.now()); err != nil {
		return order, err
	}
	if err := l.orders.Update(ctx, closed, domain.OrderStatusPaid); err != nil {
		return order, err
	}

	released := false
	if order.ExternalRef != "" && l.releaser != nil {
		var err error
		_, released, err = l.releaser.ReleasePaid(ctx, order.UnitID, order.ExternalRef)
		if err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
			l.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"unit_id":  order.UnitID,
			}).Error("release unit after close failed")
			return closed, err
		}
	}

	l.logger.WithFields(log.Fields{
		"order_id":  closed.ID,
		"order_ref": closed.ExternalRef,
		"status":    closed.Status,
		"released":  released,
	}).Info("order closed")
	l.emit(ctx, closed, domain.EventTypeOrderClosed, map[string]any{"released": released})
	return closed, nil
}

// Delete удаляет запись и заносит её внешнюю ссылку в deny-list,
// чтобы сверка не восстановила заказ.
func (l *Ledger) Delete(ctx context.Context, id int64) (domain.Order, error) {
	order, err := l.orders.Delete(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	l.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"order_ref": order.ExternalRef,
	}).Warn("order deleted by admin")
	l.emit(ctx, order, domain.EventTypeOrderDeleted, nil)
	return order, nil
}

// Get возвращает представление одного заказа.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.OrderView, error) {
	order, err := l.orders.Get(ctx, id)
	if err != nil {
		return domain.OrderView{}, err
	}
	views, err := l.views(ctx, []domain.Order{order})
	if err != nil {
		return domain.OrderView{}, err
	}
	return views[0], nil
}

// GetByExternalRef возвращает запись по ссылке провайдера.
func (l *Ledger) GetByExternalRef(ctx context.Context, ref string) (domain.Order, error) {
	return l.orders.GetByExternalRef(ctx, ref)
}

// Query возвращает страницу журнала.
func (l *Ledger) Query(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	f := filter.Normalize()
	orders, total, err := l.orders.Query(ctx, f)
	if err != nil {
		return domain.OrderPage{}, err
	}
	views, err := l.views(ctx, orders)
	if err != nil {
		return domain.OrderPage{}, err
	}
	return domain.OrderPage{Orders: views, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

// CountByStatus считает заказы с теми же фильтрами, кроме статуса.
func (l *Ledger) CountByStatus(ctx context.Context, filter domain.OrderFilter) (domain.StatusCounts, error) {
	return l.orders.CountByStatus(ctx, filter)
}

// SweepTimedOut закрывает pending-строки, созданные раньше cutoff.
func (l *Ledger) SweepTimedOut(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := l.orders.MarkTimedOut(ctx, cutoff, l.now())
	if err != nil {
		return n, fmt.Errorf("sweep timed out orders: %w", err)
	}
	if n > 0 {
		l.logger.WithField("count", n).Info("pending orders timed out")
	}
	return n, nil
}

// UnknownRefs отбрасывает ссылки, которые уже есть в журнале или в
// последних denyCap записях deny-list. Возвращает оставшиеся и причины отказа.
func (l *Ledger) UnknownRefs(ctx context.Context, refs []string, denyCap int) (unknown []string, known, denied int, err error) {
	if len(refs) == 0 {
		return nil, 0, 0, nil
	}
	inLedger, err := l.orders.KnownExternalRefs(ctx, refs)
	if err != nil {
		return nil, 0, 0, err
	}
	deny, err := l.orders.DeniedRefs(ctx, denyCap)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, ref := range refs {
		if _, ok := inLedger[ref]; ok {
			known++
			continue
		}
		if _, ok := deny[ref]; ok {
			denied++
			continue
		}
		unknown = append(unknown, ref)
	}
	return unknown, known, denied, nil
}

func (l *Ledger) views(ctx context.Context, orders []domain.Order) ([]domain.OrderView, error) {
	now := l.now()
	cache := make(map[int64]*domain.Unit)
	views := make([]domain.OrderView, 0, len(orders))
	for _, o := range orders {
		unit, seen := cache[o.UnitID]
		if !seen && o.UnitID != 0 && l.units != nil {
			u, err := l.units.Get(ctx, o.UnitID)
			switch {
			case err == nil:
				unit = &u
			case !errors.Is(err, domain.ErrUnitNotFound):
				return nil, err
			}
			cache[o.UnitID] = unit
		}
		views = append(views, domain.NewOrderView(o, unit, now))
	}
	return views, nil
}

func (l *Ledger) emit(ctx context.Context, o domain.Order, eventType string, extra map[string]any) {
	payload := map[string]any{
		"order_id":     o.ID,
		"external_ref": o.ExternalRef,
		"unit_id":      o.UnitID,
		"slot_id":      o.SlotID,
		"status":       o.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := l.events.Emit(ctx, domain.AggregateOrder, strconv.FormatInt(o.ID, 10), eventType, payload); err != nil {
		l.logger.WithError(err).WithField("order_id", o.ID).Warn("order event not enqueued")
	}
}
