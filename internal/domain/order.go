package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает исход одной попытки покупки в журнале.
type OrderStatus string

const (
	// Позиция зарезервирована, оплата ещё не пришла.
	OrderStatusPending OrderStatus = "pending"
	// Оплата подтверждена провайдером.
	OrderStatusPaid OrderStatus = "paid"
	// Оплата возвращена, позиция освобождена.
	OrderStatusRefunded OrderStatus = "refunded"
	// Объявление снято администратором.
	OrderStatusTakedown OrderStatus = "takedown"
	// Попытка брошена и закрыта по таймауту.
	OrderStatusTimeout OrderStatus = "timeout"
)

// Valid сообщает, что статус входит в допустимый набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusRefunded, OrderStatusTakedown, OrderStatusTimeout:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusRefunded || s == OrderStatusTakedown || s == OrderStatusTimeout
}

// CanTransition проверяет, что переход идёт только вперёд:
// pending → paid|timeout, paid → refunded|takedown.
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case OrderStatusPending:
		return to == OrderStatusPaid || to == OrderStatusTimeout
	case OrderStatusPaid:
		return to == OrderStatusRefunded || to == OrderStatusTakedown
	default:
		return false
	}
}

// PlanType — способ расчёта цены.
type PlanType string

const (
	// Фиксированный пакет из списка места.
	PlanTypePackage PlanType = "package"
	// Месячная ставка, умноженная на длительность.
	PlanTypeCustom PlanType = "custom"
)

// Valid сообщает, что тип тарифа известен.
func (p PlanType) Valid() bool {
	return p == PlanTypePackage || p == PlanTypeCustom
}

// PriceBreakdown — результат расчёта цены.
type PriceBreakdown struct {
	Base         decimal.Decimal `json:"base"`
	Color        decimal.Decimal `json:"color"`
	PositionDiff decimal.Decimal `json:"position_diff"`
	Total        decimal.Decimal `json:"total"`
}

// Equal сравнивает разбивки по значению.
func (p PriceBreakdown) Equal(other PriceBreakdown) bool {
	return p.Base.Equal(other.Base) &&
		p.Color.Equal(other.Color) &&
		p.PositionDiff.Equal(other.PositionDiff) &&
		p.Total.Equal(other.Total)
}

// CustomerSnapshot сохраняет то, что покупатель прислал, чтобы заказ
// отображался и после очистки позиции. Request заполнен, если оплата
// пришла с метаданными объявления.
type CustomerSnapshot struct {
	Content UnitContent `json:"content"`
	Request *AdRequest  `json:"request,omitempty"`
}

// Order — запись журнала об одной попытке покупки.
type Order struct {
	ID                  int64            `json:"id"`
	UnitID              int64            `json:"unit_id"`
	SlotID              int64            `json:"slot_id"`
	PositionKey         int              `json:"position_key"`
	ExternalRef         string           `json:"external_ref,omitempty"`
	ExternalPaymentRef  string           `json:"external_payment_ref,omitempty"`
	ExternalOrderNumber string           `json:"external_order_number,omitempty"`
	BuyerID             int64            `json:"buyer_id"`
	Snapshot            CustomerSnapshot `json:"snapshot"`
	AttemptToken        string           `json:"attempt_token,omitempty"`
	PlanType            PlanType         `json:"plan_type"`
	DurationMonths      int              `json:"duration_months"`
	Price               PriceBreakdown   `json:"price"`
	PaymentMethod       string           `json:"payment_method,omitempty"`
	Status              OrderStatus      `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	PaidAt              time.Time        `json:"paid_at"`
	ClosedAt            time.Time        `json:"closed_at"`
}

// Transition меняет статус с проверкой направления и проставляет метки времени.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return ErrOrderTransition
	}
	o.Status = to
	switch to {
	case OrderStatusPaid:
		o.PaidAt = now
	case OrderStatusRefunded, OrderStatusTakedown, OrderStatusTimeout:
		o.ClosedAt = now
	}
	return nil
}

// PaidUntil возвращает предполагаемое окончание показа по данным заказа.
func (o *Order) PaidUntil() time.Time {
	if o.PaidAt.IsZero() || o.DurationMonths <= 0 {
		return time.Time{}
	}
	return o.PaidAt.Add(PaidPeriod(o.DurationMonths))
}

// Сортировка журнала.
const (
	OrderByID         = "id"
	OrderByCreatedAt  = "created_at"
	OrderByPaidAt     = "paid_at"
	OrderByTotalPrice = "total_price"

	DefaultOrdersPerPage = 20
	MaxOrdersPerPage     = 200
)

// OrderFilter задаёт фильтры выборки журнала.
type OrderFilter struct {
	Keyword       string      `json:"keyword,omitempty"`
	SlotID        int64       `json:"slot_id,omitempty"`
	Status        OrderStatus `json:"status,omitempty"`
	PaymentMethod string      `json:"payment_method,omitempty"`
	From          time.Time   `json:"from"`
	To            time.Time   `json:"to"`
	OrderBy       string      `json:"order_by,omitempty"`
	Asc           bool        `json:"asc,omitempty"`
	Page          int         `json:"page,omitempty"`
	PerPage       int         `json:"per_page,omitempty"`
}

// Normalize подставляет значения по умолчанию для сортировки и пагинации.
func (f OrderFilter) Normalize() OrderFilter {
	f.Keyword = strings.TrimSpace(f.Keyword)
	switch f.OrderBy {
	case OrderByID, OrderByCreatedAt, OrderByPaidAt, OrderByTotalPrice:
	default:
		f.OrderBy = OrderByID
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = DefaultOrdersPerPage
	}
	if f.PerPage > MaxOrdersPerPage {
		f.PerPage = MaxOrdersPerPage
	}
	return f
}

// Offset возвращает смещение текущей страницы.
func (f OrderFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// Matches проверяет заказ против фильтра. Используется in-memory хранилищем.
func (f OrderFilter) Matches(o Order) bool {
	if f.SlotID != 0 && o.SlotID != f.SlotID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.PaymentMethod != "" && o.PaymentMethod != f.PaymentMethod {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && o.CreatedAt.After(f.To) {
		return false
	}
	if f.Keyword == "" {
		return true
	}
	kw := strings.ToLower(f.Keyword)
	c := o.Snapshot.Content
	for _, field := range []string{
		o.ExternalRef, o.ExternalPaymentRef, o.ExternalOrderNumber,
		c.CustomerName, c.WebsiteName, c.WebsiteURL, c.ContactValue, c.TextContent,
	} {
		if strings.Contains(strings.ToLower(field), kw) {
			return true
		}
	}
	return false
}

// OrderPage — страница результатов выборки.
type OrderPage struct {
	Orders  []OrderView `json:"orders"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
}

// OrderView — заказ вместе с содержимым для отображения.
type OrderView struct {
	Order
	Content       UnitContent `json:"display_content"`
	DisplayStatus string      `json:"display_status"`
}

// DisplayExpired — статус для оплаченного заказа, срок показа которого прошёл.
const DisplayExpired = "expired"

// NewOrderView собирает представление заказа: сначала снимок покупателя,
// пустые поля берутся из текущей позиции, если она всё ещё связана с заказом.
func NewOrderView(o Order, unit *Unit, now time.Time) OrderView {
	view := OrderView{
		Order:         o,
		Content:       o.Snapshot.Content,
		DisplayStatus: string(o.Status),
	}

	linked := unit != nil && unit.ID == o.UnitID &&
		((o.ExternalRef != "" && unit.OrderRef == o.ExternalRef) ||
			(o.AttemptToken != "" && unit.AttemptToken == o.AttemptToken))
	if linked {
		view.Content = view.Content.FillFrom(unit.Content)
	}

	if o.Status == OrderStatusPaid {
		end := o.PaidUntil()
		if linked && unit.Status == UnitStatusPaid {
			end = unit.EndsAt
		}
		if linked && unit.Status == UnitStatusExpired {
			view.DisplayStatus = DisplayExpired
		} else if !end.IsZero() && !end.After(now) {
			view.DisplayStatus = DisplayExpired
		}
	}
	return view
}

// StatusCounts — число заказов по статусам.
type StatusCounts map[OrderStatus]int

// Total возвращает сумму по всем статусам.
func (c StatusCounts) Total() int {
	var n int
	for _, v := range c {
		n += v
	}
	return n
}
