package domain

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AdOrderType — тип заказа провайдера, под которым проходят покупки рекламы.
const AdOrderType = "31"

// Статусы заказа на стороне провайдера.
const (
	ProviderStatusPending  = "pending"
	ProviderStatusPaid     = "paid"
	ProviderStatusClosed   = "closed"
	ProviderStatusRefunded = "refunded"
)

var productIDPattern = regexp.MustCompile(`^(\d+):(\d+)$`)

// AdRequest — метаданные объявления, которые провайдер возвращает вместе с заказом.
type AdRequest struct {
	Token          string         `json:"token"`
	SlotID         int64          `json:"slot_id"`
	UnitID         int64          `json:"unit_id"`
	PositionKey    int            `json:"position_key"`
	PlanType       PlanType       `json:"plan_type"`
	DurationMonths int            `json:"duration_months"`
	Price          PriceBreakdown `json:"price"`
	Content        UnitContent    `json:"content"`
}

// ProviderOrder — заказ платёжного провайдера в том виде, в каком он
// приходит в webhook и в ленте сверки.
type ProviderOrder struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"payment_id,omitempty"`
	OrderNumber   string          `json:"order_number,omitempty"`
	OrderType     string          `json:"order_type"`
	ProductID     string          `json:"product_id,omitempty"`
	PostID        int64           `json:"post_id,omitempty"`
	UserID        int64           `json:"user_id"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Meta          *AdRequest      `json:"ad_request,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PaidAt        time.Time       `json:"paid_at"`
}

// IsAdOrder определяет рекламный заказ по типу, метаданным или формату product id.
func (p ProviderOrder) IsAdOrder() bool {
	if p.OrderType == AdOrderType || p.Meta != nil {
		return true
	}
	_, _, ok := ParseProductID(p.ProductID)
	return ok
}

// Buyer — субъект, от имени которого обрабатывается заказ: покупатель
// из заказа или гость.
func (p ProviderOrder) Buyer() Principal {
	if p.UserID > 0 {
		return Principal{UserID: p.UserID, Role: RoleBuyer}
	}
	return Guest()
}

// ParseProductID разбирает product id вида "<slot>:<position>".
func ParseProductID(productID string) (int64, int, bool) {
	m := productIDPattern.FindStringSubmatch(strings.TrimSpace(productID))
	if m == nil {
		return 0, 0, false
	}
	slotID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || slotID <= 0 {
		return 0, 0, false
	}
	key, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return slotID, key, true
}

// FormatProductID собирает product id для провайдера.
func FormatProductID(slotID int64, key int) string {
	return strconv.FormatInt(slotID, 10) + ":" + strconv.Itoa(key)
}

// EventKind — внутренний тип входящего события провайдера.
type EventKind string

const (
	EventIntentCreated    EventKind = "intent_created"
	EventOrderCreated     EventKind = "order_created"
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventOrderClosed      EventKind = "order_closed"
)

var eventAliases = map[string]EventKind{
	"order.intent.created":     EventIntentCreated,
	"intent_created":           EventIntentCreated,
	"order.created":            EventOrderCreated,
	"order_created":            EventOrderCreated,
	"payment_order_created":    EventOrderCreated,
	"payment.succeeded":        EventPaymentSucceeded,
	"payment_succeeded":        EventPaymentSucceeded,
	"payment_success":          EventPaymentSucceeded,
	"order.paid":               EventPaymentSucceeded,
	"payment_order_success":    EventPaymentSucceeded,
	"order.closed":             EventOrderClosed,
	"order_closed":             EventOrderClosed,
	"order.refunded":           EventOrderClosed,
	"refund.succeeded":         EventOrderClosed,
	"order.closed_or_refunded": EventOrderClosed,
}

// NormalizeEventKind сводит варианты имён событий провайдера к одному типу.
func NormalizeEventKind(name string) (EventKind, bool) {
	kind, ok := eventAliases[strings.ToLower(strings.TrimSpace(name))]
	return kind, ok
}

// ProviderEvent — входящее событие после нормализации имени.
type ProviderEvent struct {
	Kind         EventKind     `json:"kind"`
	AttemptToken string        `json:"attempt_token,omitempty"`
	Order        ProviderOrder `json:"order"`
}

// ProviderOrderFeed — лента оплаченных заказов провайдера для сверки,
// от новых к старым.
type ProviderOrderFeed interface {
	ListPaid(ctx context.Context, orderType string, offset, limit int) ([]ProviderOrder, error)
}
