package domain

import (
	"context"
	"time"
)

// ReservationClaims — содержимое подписанного токена резервации. Подпись
// покрывает каноническую сериализацию всех полей, кроме Signature.
type ReservationClaims struct {
	TokenID        string         `json:"token_id"`
	SlotID         int64          `json:"slot_id"`
	UnitID         int64          `json:"unit_id"`
	PositionKey    int            `json:"position_key"`
	PlanType       PlanType       `json:"plan_type"`
	DurationMonths int            `json:"duration_months"`
	ColorKey       string         `json:"color_key,omitempty"`
	Price          PriceBreakdown `json:"price"`
	Content        UnitContent    `json:"content"`
	BuyerID        int64          `json:"buyer_id"`
	OrderID        int64          `json:"order_id,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	ExpiresAt      int64          `json:"expires_at"`
	Signature      string         `json:"signature,omitempty"`
}

// Expired сообщает, что срок удержания по токену прошёл.
func (c ReservationClaims) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// AdRequest превращает токен в метаданные для провайдера.
func (c ReservationClaims) AdRequest() AdRequest {
	return AdRequest{
		Token:          c.TokenID,
		SlotID:         c.SlotID,
		UnitID:         c.UnitID,
		PositionKey:    c.PositionKey,
		PlanType:       c.PlanType,
		DurationMonths: c.DurationMonths,
		Price:          c.Price,
		Content:        c.Content,
	}
}

// Reservation — результат успешного резервирования.
type Reservation struct {
	Unit    Unit              `json:"unit"`
	Claims  ReservationClaims `json:"claims"`
	OrderID int64             `json:"order_id"`
}

// ReservationStore хранит подписанные токены с TTL.
type ReservationStore interface {
	Put(ctx context.Context, claims ReservationClaims, ttl time.Duration) error
	// Get возвращает ErrReservationNotFound, если токен отсутствует или истёк.
	Get(ctx context.Context, tokenID string) (ReservationClaims, error)
	Delete(ctx context.Context, tokenID string) error
}

// NoticeMarkers помечает разосланные уведомления.
type NoticeMarkers interface {
	// MarkOnce возвращает true, если метки ещё не было и она поставлена.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Throttle ограничивает частоту фоновых запусков между экземплярами сервиса.
type Throttle interface {
	// Allow возвращает true, если за последний interval запуска не было.
	Allow(ctx context.Context, key string, interval time.Duration) (bool, error)
}
