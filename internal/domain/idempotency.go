package domain

import (
	"errors"
	"strings"
	"time"
)

// AdminCallState — стадия админского вызова, закреплённого за idempotency-key.
type AdminCallState string

const (
	AdminCallInFlight  AdminCallState = "in_flight"
	AdminCallSucceeded AdminCallState = "succeeded"
	AdminCallRejected  AdminCallState = "rejected"
)

var (
	ErrIdempotencyKeyRequired      = errors.New("idempotency key is required")
	ErrIdempotencyClaimInvalid     = errors.New("idempotency claim needs admin, method and request hash")
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already claimed")
	ErrIdempotencyHashMismatch     = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound      = errors.New("idempotency key not found")
	ErrAdminCallFinished           = errors.New("admin call already finished")
)

// AdminCallClaim закрепляет ключ за вызовом администратора. Один и тот же
// ключ у разных администраторов не пересекается.
type AdminCallClaim struct {
	AdminID     int64
	Key         string
	Method      string
	RequestHash string
	ExpiresAt   time.Time
}

// Normalize обрезает пробелы и проверяет обязательные поля.
func (c AdminCallClaim) Normalize() (AdminCallClaim, error) {
	c.Key = strings.TrimSpace(c.Key)
	c.Method = strings.TrimSpace(c.Method)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.Key == "" {
		return c, ErrIdempotencyKeyRequired
	}
	if c.AdminID <= 0 || c.Method == "" || c.RequestHash == "" {
		return c, ErrIdempotencyClaimInvalid
	}
	return c, nil
}

// AdminCallOutcome — сохранённый ответ: JSON тела и gRPC код.
type AdminCallOutcome struct {
	State AdminCallState
	Body  []byte
	Code  int
}

// AdminCallRecord — запись о вызове по ключу.
type AdminCallRecord struct {
	AdminCallClaim
	State      AdminCallState
	Body       []byte
	Code       int
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Valid проверяет, что стадия известна.
func (s AdminCallState) Valid() bool {
	switch s {
	case AdminCallInFlight, AdminCallSucceeded, AdminCallRejected:
		return true
	default:
		return false
	}
}

// Final сообщает, что ответ уже сохранён.
func (s AdminCallState) Final() bool {
	return s == AdminCallSucceeded || s == AdminCallRejected
}

// Expired сообщает, что запись можно удалять.
func (r AdminCallRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Abandoned — вызов, который так и не завершился до истечения ключа:
// процесс упал между захватом ключа и записью ответа.
func (r AdminCallRecord) Abandoned(now time.Time) bool {
	return r.State == AdminCallInFlight && r.Expired(now)
}

// AdminCallPurge — итог одной очистки.
type AdminCallPurge struct {
	Removed   int
	Abandoned []AdminCallClaim
}
