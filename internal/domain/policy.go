package domain

import (
	"context"
	"fmt"
)

// Role — роль субъекта запроса.
type Role string

const (
	RoleGuest Role = "guest"
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

// Principal — субъект запроса. Нулевое значение означает гостя.
type Principal struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// Guest возвращает анонимного субъекта.
func Guest() Principal {
	return Principal{Role: RoleGuest}
}

// IsGuest сообщает, что субъект не аутентифицирован.
func (p Principal) IsGuest() bool {
	return p.UserID == 0 || p.Role == RoleGuest || p.Role == ""
}

// IsAdmin сообщает, что субъект является администратором.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Action — операция, которую проверяет политика доступа.
type Action string

const (
	ActionQuote         Action = "quote"
	ActionReserve       Action = "reserve"
	ActionPaymentIntent Action = "payment_intent"
	ActionSlotRead      Action = "slot_read"
	ActionSlotWrite     Action = "slot_write"
	ActionSlotAdminRead Action = "slot_admin_read"
	ActionConfirm       Action = "unit_confirm"
	ActionRelease       Action = "unit_release"
	ActionOrderRead     Action = "order_read"
	ActionOrderDelete   Action = "order_delete"
	ActionOrderTakedown Action = "order_takedown"
	ActionReconcile     Action = "reconcile"
	ActionSweep         Action = "expiry_sweep"
	ActionSettingsRead  Action = "settings_read"
	ActionSettingsWrite Action = "settings_write"
)

// Decision — результат проверки доступа. Unauthenticated отличает
// отсутствие личности от нехватки прав.
type Decision struct {
	Allowed         bool
	Reason          string
	Unauthenticated bool
}

// Allow возвращает разрешающее решение.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny возвращает запрещающее решение с причиной.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err превращает решение в ошибку или nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	base := ErrForbidden
	if d.Unauthenticated {
		base = ErrUnauthenticated
	}
	if d.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, d.Reason)
}

// Policy проверяет права перед изменяющими операциями.
type Policy interface {
	Authorize(ctx context.Context, p Principal, action Action) Decision
}
