package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrSlotNotFound возвращается, если рекламное место не найдено.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotDisabled — место существует, но продажи по нему выключены.
	ErrSlotDisabled = errors.New("slot is disabled")
	// ErrSlotInvalid — конфигурация места не проходит проверку.
	ErrSlotInvalid = errors.New("slot configuration is invalid")
	// ErrUnitNotFound возвращается, если позиция не найдена.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrInvalidPosition — ключ позиции вне ёмкости места.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrUnitOccupied — позиция оплачена и ещё не истекла.
	ErrUnitOccupied = errors.New("unit is occupied")
	// ErrUnitLocked — позиция удерживается другой незавершённой покупкой.
	ErrUnitLocked = errors.New("unit is locked by another purchase")
	// ErrUnitAlreadyPaid — позиция оплачена другим заказом.
	ErrUnitAlreadyPaid = errors.New("unit is already paid by another order")
	// ErrUnitNotPaid — операция допустима только для оплаченной позиции.
	ErrUnitNotPaid = errors.New("unit is not paid")
	// ErrUnitUnavailable — позиция больше не удерживается под эту покупку.
	ErrUnitUnavailable = errors.New("unit is not available for this purchase")
	// ErrUnitInvariant — состояние позиции нарушает инварианты статуса.
	ErrUnitInvariant = errors.New("unit state violates invariants")

	// ErrPlanNotFound — пакет с указанной длительностью не настроен.
	ErrPlanNotFound = errors.New("pricing package not found")
	// ErrRateNotConfigured — месячная ставка не задана.
	ErrRateNotConfigured = errors.New("monthly rate is not configured")
	// ErrInvalidPlanType — неизвестный тип тарифа.
	ErrInvalidPlanType = errors.New("invalid plan type")
	// ErrInvalidDuration — длительность вне диапазона 1..120 месяцев.
	ErrInvalidDuration = errors.New("duration must be between 1 and 120 months")
	// ErrPriceInvalid — итоговая цена не положительна.
	ErrPriceInvalid = errors.New("price calculation failed")

	// ErrOrderNotFound возвращается, если заказ не найден в журнале.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTransition — недопустимый переход статуса заказа.
	ErrOrderTransition = errors.New("order status transition is not allowed")
	// ErrOrderExpired — данные резервации не найдены или истекли.
	ErrOrderExpired = errors.New("order has expired, please place it again")
	// ErrOrderMismatch — данные запроса не совпадают с сохранённой резервацией.
	ErrOrderMismatch = errors.New("order data mismatch")
	// ErrSignatureInvalid — подпись токена резервации не совпала.
	ErrSignatureInvalid = errors.New("order signature is invalid")
	// ErrExternalRefRequired — пустая внешняя ссылка платёжного провайдера.
	ErrExternalRefRequired = errors.New("external reference is required")
	// ErrExternalRefConflict — запись с такой внешней ссылкой уже существует.
	ErrExternalRefConflict = errors.New("external reference already recorded")
	// ErrDenyListed — внешняя ссылка удалена администратором и не восстанавливается.
	ErrDenyListed = errors.New("external reference is deny-listed")

	// ErrInvalidPaymentMethod — способ оплаты не разрешён.
	ErrInvalidPaymentMethod = errors.New("payment method is not allowed")
	// ErrPurchasePaused — продажи приостановлены глобально.
	ErrPurchasePaused = errors.New("purchases are paused")
	// ErrGuestPurchaseDisabled — гостевые покупки выключены.
	ErrGuestPurchaseDisabled = errors.New("guest purchase is disabled")
	// ErrValidation — ошибка входных данных покупателя.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthenticated — запрос без подтверждённой личности.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden — политика доступа запретила операцию.
	ErrForbidden = errors.New("forbidden")

	// ErrReservationNotFound — токен резервации отсутствует в хранилище.
	ErrReservationNotFound = errors.New("reservation token not found")
	// ErrProviderTemporary — временная ошибка при обращении к провайдеру, можно повторить.
	ErrProviderTemporary = errors.New("payment provider temporary error")
	// ErrOutboxMessageNotFound — событие уже помечено или не существует.
	ErrOutboxMessageNotFound = errors.New("pending outbox message not found")
	// ErrOutboxDuplicate — событие с таким DedupKey уже в outbox.
	ErrOutboxDuplicate = errors.New("outbox event already enqueued")
)

// UnitLockedError описывает удержание позиции чужой резервацией.
type UnitLockedError struct {
	RetryAfter time.Duration
}

func (e *UnitLockedError) Error() string {
	return fmt.Sprintf("unit is being purchased, try again in %d minutes", e.WaitMinutes())
}

// WaitMinutes округляет оставшееся время удержания вверх до минут.
func (e *UnitLockedError) WaitMinutes() int {
	if e.RetryAfter <= 0 {
		return 1
	}
	return int(math.Ceil(e.RetryAfter.Seconds() / 60))
}

func (e *UnitLockedError) Unwrap() error { return ErrUnitLocked }

// UnitOccupiedError описывает оплаченную позицию с датой окончания.
type UnitOccupiedError struct {
	Until time.Time
}

func (e *UnitOccupiedError) Error() string {
	return fmt.Sprintf("unit is sold until %s", e.Until.UTC().Format("2006-01-02 15:04"))
}

func (e *UnitOccupiedError) Unwrap() error { return ErrUnitOccupied }

// ValidationError указывает поле и причину отказа.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsStateConflict сообщает, что ошибка вызвана занятостью позиции и покупателю стоит выбрать другую.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrUnitOccupied) ||
		errors.Is(err, ErrUnitLocked) ||
		errors.Is(err, ErrUnitAlreadyPaid)
}

// IsIntegrity сообщает о подозрении на подмену данных резервации.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrOrderMismatch)
}
