package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnitStatus описывает состояние позиции внутри рекламного места.
type UnitStatus string

const (
	// Позиция свободна.
	UnitStatusAvailable UnitStatus = "available"
	// Удерживается до оплаты или истечения таймаута.
	UnitStatusPending UnitStatus = "pending"
	// Оплачена и показывается до EndsAt.
	UnitStatusPaid UnitStatus = "paid"
	// Срок показа закончился, позицию можно купить снова.
	UnitStatusExpired UnitStatus = "expired"
)

// Valid сообщает, что статус входит в допустимый набор.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitStatusAvailable, UnitStatusPending, UnitStatusPaid, UnitStatusExpired:
		return true
	default:
		return false
	}
}

const (
	// MinDurationMonths и MaxDurationMonths ограничивают длительность покупки.
	MinDurationMonths = 1
	MaxDurationMonths = 120

	// Один оплаченный месяц равен 30 суткам.
	DaysPerMonth = 30
)

// PaidPeriod возвращает длительность показа для заданного числа месяцев.
func PaidPeriod(months int) time.Duration {
	return time.Duration(months) * DaysPerMonth * 24 * time.Hour
}

// Контактные типы покупателя.
const (
	ContactQQ     = "qq"
	ContactWechat = "wechat"
	ContactEmail  = "email"
)

// UnitContent — данные объявления, которые покупатель прислал при резервации.
type UnitContent struct {
	CustomerName string `json:"customer_name,omitempty"`
	WebsiteName  string `json:"website_name,omitempty"`
	WebsiteURL   string `json:"website_url,omitempty"`
	ContactType  string `json:"contact_type,omitempty"`
	ContactValue string `json:"contact_value,omitempty"`
	ColorKey     string `json:"color_key,omitempty"`
	ImageID      int64  `json:"image_id,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	TextContent  string `json:"text_content,omitempty"`
	TargetURL    string `json:"target_url,omitempty"`
}

// IsZero сообщает, что контент не заполнен.
func (c UnitContent) IsZero() bool {
	return c == UnitContent{}
}

// Email возвращает адрес для уведомлений, если покупатель оставил email.
func (c UnitContent) Email() (string, bool) {
	if c.ContactType != ContactEmail {
		return "", false
	}
	addr := strings.TrimSpace(c.ContactValue)
	return addr, addr != ""
}

// FillFrom дополняет пустые поля значениями из fallback.
func (c UnitContent) FillFrom(fallback UnitContent) UnitContent {
	pick := func(v, alt string) string {
		if v != "" {
			return v
		}
		return alt
	}
	c.CustomerName = pick(c.CustomerName, fallback.CustomerName)
	c.WebsiteName = pick(c.WebsiteName, fallback.WebsiteName)
	c.WebsiteURL = pick(c.WebsiteURL, fallback.WebsiteURL)
	c.ContactType = pick(c.ContactType, fallback.ContactType)
	c.ContactValue = pick(c.ContactValue, fallback.ContactValue)
	c.ColorKey = pick(c.ColorKey, fallback.ColorKey)
	c.ImageURL = pick(c.ImageURL, fallback.ImageURL)
	c.TextContent = pick(c.TextContent, fallback.TextContent)
	c.TargetURL = pick(c.TargetURL, fallback.TargetURL)
	if c.ImageID == 0 {
		c.ImageID = fallback.ImageID
	}
	return c
}

// Unit — одна покупаемая позиция. Единственная сущность, статус которой
// меняет аллокатор.
type Unit struct {
	ID               int64           `json:"id"`
	SlotID           int64           `json:"slot_id"`
	PositionKey      int             `json:"position_key"`
	Status           UnitStatus      `json:"status"`
	Content          UnitContent     `json:"content"`
	Price            decimal.Decimal `json:"price"`
	DurationMonths   int             `json:"duration_months"`
	StartsAt         time.Time       `json:"starts_at"`
	EndsAt           time.Time       `json:"ends_at"`
	PendingExpiresAt time.Time       `json:"pending_expires_at"`
	AttemptToken     string          `json:"attempt_token,omitempty"`
	OrderRef         string          `json:"order_ref,omitempty"`
	OrderNumber      string          `json:"order_number,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewAvailableUnit создаёт свободную позицию.
func NewAvailableUnit(slotID int64, key int, now time.Time) Unit {
	return Unit{
		SlotID:      slotID,
		PositionKey: key,
		Status:      UnitStatusAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Hold — данные удержания, которые записываются при резервации.
type Hold struct {
	AttemptToken   string
	Content        UnitContent
	Price          decimal.Decimal
	DurationMonths int
}

// PaidConfirmation — данные подтверждённой оплаты. AttemptToken пустой
// только при ручном подтверждении администратором.
type PaidConfirmation struct {
	OrderRef       string
	OrderNumber    string
	AttemptToken   string
	Content        *UnitContent
	Price          decimal.Decimal
	DurationMonths int
}

// PaidDue сообщает, что оплаченный срок закончился.
func (u *Unit) PaidDue(now time.Time) bool {
	return u.Status == UnitStatusPaid && !u.EndsAt.After(now)
}

// PendingLapsed сообщает, что удержание истекло.
func (u *Unit) PendingLapsed(now time.Time) bool {
	return u.Status == UnitStatusPending && !u.PendingExpiresAt.After(now)
}

// HeldBy сообщает, что позиция удерживается именно этой попыткой покупки.
func (u *Unit) HeldBy(attemptToken string) bool {
	return attemptToken != "" && u.Status == UnitStatusPending && u.AttemptToken == attemptToken
}

// PaidBy сообщает, что позиция оплачена заказом с этой внешней ссылкой.
func (u *Unit) PaidBy(orderRef string) bool {
	return orderRef != "" && u.Status == UnitStatusPaid && u.OrderRef == orderRef
}

// Reserve переводит позицию в pending. Истёкшая оплата сначала
// переводится в expired в том же шаге.
func (u *Unit) Reserve(now time.Time, timeout time.Duration, hold Hold) error {
	if u.PaidDue(now) {
		u.expire(now)
	}

	switch u.Status {
	case UnitStatusPaid:
		return &UnitOccupiedError{Until: u.EndsAt}
	case UnitStatusPending:
		if u.PendingExpiresAt.After(now) {
			return &UnitLockedError{RetryAfter: u.PendingExpiresAt.Sub(now)}
		}
	}

	u.Status = UnitStatusPending
	u.PendingExpiresAt = now.Add(timeout)
	u.AttemptToken = hold.AttemptToken
	u.Content = hold.Content
	u.Price = hold.Price
	u.DurationMonths = hold.DurationMonths
	u.StartsAt = time.Time{}
	u.EndsAt = time.Time{}
	u.OrderRef = ""
	u.OrderNumber = ""
	u.UpdatedAt = now
	return nil
}

// ConfirmPaid переводит позицию в paid. Повтор с той же ссылкой ничего
// не меняет и возвращает false. Подтверждение с токеном попытки не снимает
// живое удержание другой попытки.
func (u *Unit) ConfirmPaid(now time.Time, c PaidConfirmation) (bool, error) {
	if strings.TrimSpace(c.OrderRef) == "" {
		return false, ErrExternalRefRequired
	}
	if u.PaidBy(c.OrderRef) {
		return false, nil
	}
	if u.Status == UnitStatusPaid && u.EndsAt.After(now) {
		return false, ErrUnitAlreadyPaid
	}
	if c.AttemptToken != "" && u.Status == UnitStatusPending &&
		u.PendingExpiresAt.After(now) && u.AttemptToken != c.AttemptToken {
		return false, ErrUnitUnavailable
	}
	if c.DurationMonths < MinDurationMonths || c.DurationMonths > MaxDurationMonths {
		return false, ErrInvalidDuration
	}

	u.Status = UnitStatusPaid
	u.StartsAt = now
	u.EndsAt = now.Add(PaidPeriod(c.DurationMonths))
	u.PendingExpiresAt = time.Time{}
	u.AttemptToken = ""
	u.DurationMonths = c.DurationMonths
	u.Price = c.Price
	if c.Content != nil {
		u.Content = *c.Content
	}
	u.OrderRef = c.OrderRef
	u.OrderNumber = c.OrderNumber
	u.UpdatedAt = now
	return true, nil
}

// Release возвращает позицию в available. При clear очищаются контент,
// цена, сроки и привязка к заказу.
func (u *Unit) Release(now time.Time, clear bool) {
	u.Status = UnitStatusAvailable
	u.PendingExpiresAt = time.Time{}
	u.AttemptToken = ""
	if clear {
		u.Content = UnitContent{}
		u.Price = decimal.Zero
		u.DurationMonths = 0
		u.StartsAt = time.Time{}
		u.EndsAt = time.Time{}
		u.OrderRef = ""
		u.OrderNumber = ""
	}
	u.UpdatedAt = now
}

// MarkExpired переводит оплаченную позицию в expired, контент остаётся.
func (u *Unit) MarkExpired(now time.Time) error {
	if u.Status != UnitStatusPaid {
		return ErrUnitNotPaid
	}
	u.expire(now)
	return nil
}

// expire — общий шаг для ленивого и планового истечения.
func (u *Unit) expire(now time.Time) {
	u.Status = UnitStatusExpired
	u.OrderRef = ""
	u.OrderNumber = ""
	u.AttemptToken = ""
	u.PendingExpiresAt = time.Time{}
	u.UpdatedAt = now
}

// CheckInvariants проверяет обязательные поля для текущего статуса.
func (u *Unit) CheckInvariants() error {
	switch u.Status {
	case UnitStatusPaid:
		if u.StartsAt.IsZero() || u.EndsAt.IsZero() || !u.EndsAt.After(u.StartsAt) {
			return fmt.Errorf("%w: paid unit %d needs start < end", ErrUnitInvariant, u.ID)
		}
	case UnitStatusPending:
		if u.PendingExpiresAt.IsZero() {
			return fmt.Errorf("%w: pending unit %d needs expiry", ErrUnitInvariant, u.ID)
		}
	case UnitStatusAvailable, UnitStatusExpired:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrUnitInvariant, u.Status)
	}
	return nil
}

// DisplayStatus возвращает статус для показа: оплаченная позиция с прошедшим
// сроком видна как expired ещё до прохода планировщика.
func (u *Unit) DisplayStatus(now time.Time) UnitStatus {
	if u.PaidDue(now) {
		return UnitStatusExpired
	}
	if u.PendingLapsed(now) {
		return UnitStatusAvailable
	}
	return u.Status
}

// PublicUnit — представление позиции для витрины.
type PublicUnit struct {
	PositionKey int         `json:"position_key"`
	Status      UnitStatus  `json:"status"`
	Content     UnitContent `json:"content,omitempty"`
	EndsAt      time.Time   `json:"ends_at"`
}

// Public скрывает контакты и служебные поля.
func (u *Unit) Public(now time.Time) PublicUnit {
	status := u.DisplayStatus(now)
	pu := PublicUnit{PositionKey: u.PositionKey, Status: status}
	if status == UnitStatusPaid {
		pu.EndsAt = u.EndsAt
		pu.Content = UnitContent{
			WebsiteName: u.Content.WebsiteName,
			WebsiteURL:  u.Content.WebsiteURL,
			ColorKey:    u.Content.ColorKey,
			ImageURL:    u.Content.ImageURL,
			TextContent: u.Content.TextContent,
			TargetURL:   u.Content.TargetURL,
		}
	}
	return pu
}
