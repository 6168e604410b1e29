package domain

import "time"

// Типы событий, которые публикуются через outbox.
const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentConflict  = "payment.conflict"
	EventTypeOrderClosed      = "order.closed"
	EventTypeOrderDeleted     = "order.deleted"
	EventTypeExpiryNotice     = "unit.expiry_notice"
)

// Типы агрегатов в outbox.
const (
	AggregateOrder = "order"
	AggregateUnit  = "unit"
)

// OutboxLease — сколько захваченное событие скрыто от других воркеров.
const OutboxLease = 30 * time.Second

// OutboxMessage — событие, ожидающее публикации.
// DedupKey непустой у событий, которые случаются с агрегатом один раз:
// повторная постановка возвращает ErrOutboxDuplicate.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	DedupKey      string
	Attempts      int
	CreatedAt     time.Time
}

// OutboxDedupKey строит ключ для одноразовых событий. Пустая строка
// означает, что событие можно ставить повторно.
func OutboxDedupKey(eventType, aggregateID, discriminator string) string {
	switch eventType {
	case EventTypePaymentCompleted, EventTypeOrderClosed, EventTypeOrderDeleted:
		return eventType + ":" + aggregateID
	case EventTypeExpiryNotice:
		if discriminator == "" {
			return ""
		}
		return eventType + ":" + aggregateID + ":" + discriminator
	default:
		return ""
	}
}

// OutboxStats описывает backlog outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
