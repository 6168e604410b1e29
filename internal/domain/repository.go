package domain

import (
	"context"
	"time"
)

// SlotRepository описывает требования к хранилищу рекламных мест.
type SlotRepository interface {
	// Create сохраняет новое место и возвращает его с присвоенным ID.
	Create(ctx context.Context, slot Slot) (Slot, error)
	Update(ctx context.Context, slot Slot) error
	// Get возвращает место или ErrSlotNotFound.
	Get(ctx context.Context, id int64) (Slot, error)
	// List сортирует по SortOrder, затем по ID.
	List(ctx context.Context, enabledOnly bool) ([]Slot, error)
	Delete(ctx context.Context, id int64) error
}

// UnitMutation меняет позицию под блокировкой строки. Вернув false или
// ошибку, функция отменяет запись.
type UnitMutation func(u *Unit) (bool, error)

// UnitRepository хранит позиции. Все изменения статуса проходят через
// Mutate*, которые сериализуют доступ к одной строке.
type UnitRepository interface {
	// MutateByPosition блокирует строку (slot_id, position_key), создавая её
	// при отсутствии, и применяет fn. Возвращает состояние после fn.
	MutateByPosition(ctx context.Context, slotID int64, key int, fn UnitMutation) (Unit, error)
	// MutateByID блокирует строку по ID или возвращает ErrUnitNotFound.
	MutateByID(ctx context.Context, id int64, fn UnitMutation) (Unit, error)
	Get(ctx context.Context, id int64) (Unit, error)
	GetByPosition(ctx context.Context, slotID int64, key int) (Unit, error)
	ListBySlot(ctx context.Context, slotID int64) ([]Unit, error)
	// EnsureUnits создаёт недостающие позиции 0..capacity-1 и возвращает их число.
	EnsureUnits(ctx context.Context, slotID int64, capacity int) (int, error)
	// DeleteAvailableFrom удаляет только свободные позиции с ключом >= fromKey.
	DeleteAvailableFrom(ctx context.Context, slotID int64, fromKey int) (int, error)
	DeleteBySlot(ctx context.Context, slotID int64) error
	ListPaidDue(ctx context.Context, now time.Time, limit int) ([]Unit, error)
	ListPendingLapsed(ctx context.Context, now time.Time, limit int) ([]Unit, error)
	ListPaidEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]Unit, error)
}

// OrderRepository описывает требования к журналу заказов.
type OrderRepository interface {
	// Insert добавляет запись. Повтор внешней ссылки даёт ErrExternalRefConflict.
	Insert(ctx context.Context, order Order) (Order, error)
	Get(ctx context.Context, id int64) (Order, error)
	GetByExternalRef(ctx context.Context, ref string) (Order, error)
	FindPendingByAttemptToken(ctx context.Context, token string) (Order, error)
	// FindLatestPending ищет самую свежую pending-запись по позиции и месту.
	FindLatestPending(ctx context.Context, unitID, slotID int64) (Order, error)
	// Update сохраняет запись, если её статус всё ещё равен expected.
	// Иначе возвращает ErrOrderTransition.
	Update(ctx context.Context, order Order, expected OrderStatus) error
	Query(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	CountByStatus(ctx context.Context, filter OrderFilter) (StatusCounts, error)
	// Delete удаляет запись и в той же транзакции заносит внешнюю ссылку в deny-list.
	Delete(ctx context.Context, id int64) (Order, error)
	IsDenied(ctx context.Context, ref string) (bool, error)
	// DeniedRefs возвращает не более limit последних ссылок из deny-list.
	DeniedRefs(ctx context.Context, limit int) (map[string]struct{}, error)
	// MarkTimedOut закрывает pending-записи, созданные раньше before.
	MarkTimedOut(ctx context.Context, before, now time.Time) (int, error)
	// KnownExternalRefs возвращает подмножество refs, которое уже есть в журнале.
	KnownExternalRefs(ctx context.Context, refs []string) (map[string]struct{}, error)
}

// UnitTimelineRepository хранит историю переходов позиции.
type UnitTimelineRepository interface {
	Append(ctx context.Context, event UnitEvent) error
	List(ctx context.Context, unitID int64) ([]UnitEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
// ClaimPending арендует события на OutboxLease: другие реплики их не видят,
// пока аренда не истечёт или событие не будет помечено.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	ClaimPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ответы админских вызовов по ключу.
// Claim атомарно закрепляет ключ за администратором; повтор с тем же
// payload получает ErrIdempotencyKeyAlreadyExists вместе с записью.
type IdempotencyRepository interface {
	Claim(ctx context.Context, claim AdminCallClaim) (AdminCallRecord, error)
	Get(ctx context.Context, adminID int64, key string) (AdminCallRecord, error)
	Finish(ctx context.Context, adminID int64, key string, outcome AdminCallOutcome) error
	Purge(ctx context.Context, before time.Time, limit int) (AdminCallPurge, error)
}

// ProviderOrderStore — лента заказов провайдера с возможностью записи.
// Провайдер пишет в неё сам, сервис только читает при сверке.
type ProviderOrderStore interface {
	ProviderOrderFeed
	Upsert(ctx context.Context, order ProviderOrder) error
}
