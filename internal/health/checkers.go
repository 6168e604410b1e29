package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Pinger умеет проверять соединение (postgres.Store, redisstore.Store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker проверяет доступность хранилища с таймаутом.
type PingChecker struct {
	target  Pinger
	timeout time.Duration
}

// NewPingChecker создаёт проверку. timeout <= 0 заменяется на 2s.
func NewPingChecker(target Pinger, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &PingChecker{target: target, timeout: timeout}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return CheckFunc(c.target.Ping).Check(ctx)
}

// healthToken — заведомо несуществующий токен для чтения из хранилища резерваций.
const healthToken = "adslot_health_0_0"

// ReservationStoreChecker читает из хранилища резерваций отсутствующий токен.
// Любой ответ, кроме ErrReservationNotFound, значит, что checkout не сможет
// выдать или проверить резервацию.
type ReservationStoreChecker struct {
	store domain.ReservationStore
}

func NewReservationStoreChecker(store domain.ReservationStore) *ReservationStoreChecker {
	return &ReservationStoreChecker{store: store}
}

func (c *ReservationStoreChecker) Check(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()
	return CheckFunc(func(ctx context.Context) error {
		_, err := c.store.Get(ctx, healthToken)
		if err == nil || errors.Is(err, domain.ErrReservationNotFound) {
			return nil
		}
		return err
	}).Check(ctx)
}

// OutboxChecker переводит сервис в degraded, когда backlog outbox растёт.
type OutboxChecker struct {
	repo       domain.OutboxRepository
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

// NewOutboxChecker создаёт проверку backlog.
func NewOutboxChecker(repo domain.OutboxRepository, maxPending int, maxAge time.Duration) *OutboxChecker {
	return &OutboxChecker{repo: repo, maxPending: maxPending, maxAge: maxAge, now: time.Now}
}

func (c *OutboxChecker) Check(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	check := Check{Status: StatusHealthy}
	stats, err := c.repo.Stats(ctx)
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount > c.maxPending:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d pending events", stats.PendingCount)
	case c.maxAge > 0 && stats.PendingCount > 0 && c.now().Sub(stats.OldestPendingAt) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("oldest pending event is %s old", c.now().Sub(stats.OldestPendingAt).Round(time.Second))
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}

// ExpiryLagChecker замечает оплаченные позиции, срок которых прошёл больше
// maxLag назад, а планировщик их так и не перевёл в expired.
type ExpiryLagChecker struct {
	units  domain.UnitRepository
	maxLag time.Duration
	now    func() time.Time
}

func NewExpiryLagChecker(units domain.UnitRepository, maxLag time.Duration) *ExpiryLagChecker {
	return &ExpiryLagChecker{units: units, maxLag: maxLag, now: time.Now}
}

func (c *ExpiryLagChecker) Check(ctx context.Context) Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	check := Check{Status: StatusHealthy}
	overdue, err := c.units.ListPaidDue(ctx, c.now().Add(-c.maxLag), 1)
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case len(overdue) > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("unit %d ended at %s and is still paid", overdue[0].ID, overdue[0].EndsAt.Format(time.RFC3339))
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}

// CircuitReporter — circuit breaker, который умеет сообщить, разомкнут ли он.
type CircuitReporter interface {
	Open() bool
}

// BreakerChecker показывает degraded, пока сверка с провайдером отключена breaker'ом.
type BreakerChecker struct {
	breaker CircuitReporter
}

func NewBreakerChecker(breaker CircuitReporter) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Check(context.Context) Check {
	if c.breaker.Open() {
		return Check{Status: StatusDegraded, Message: "provider feed circuit is open"}
	}
	return Check{Status: StatusHealthy}
}
