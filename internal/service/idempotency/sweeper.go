// Package idempotency чистит истёкшие ключи админских вызовов.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
)

var (
	purgedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adslots_admin_calls_purged_total",
		Help: "Expired admin call keys removed, by outcome (finished, abandoned).",
	}, []string{"outcome"})
	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adslots_admin_calls_sweep_errors_total",
		Help: "Admin call sweeps that stopped on a storage error.",
	})
)

// Report — итог одной очистки.
type Report struct {
	Removed   int
	Abandoned []domain.AdminCallClaim
}

// Sweeper удаляет истёкшие ключи админских вызовов. Вызов, который так и
// не получил ответа (ConfirmPaid, TakedownOrder, упавшие посередине),
// пишется в лог: оператору нужно проверить, применился ли он.
type Sweeper struct {
	repo     domain.IdempotencyRepository
	logger   *log.Entry
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) { s.interval = interval }
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом.
func WithBatchSize(batch int) Option {
	return func(s *Sweeper) { s.batch = batch }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper создаёт Sweeper; неположительные интервал и размер пачки
// заменяются значениями по умолчанию.
func NewSweeper(repo domain.IdempotencyRepository, options ...Option) *Sweeper {
	s := &Sweeper{repo: repo}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "admin-call-sweeper")
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = defaultSweepBatch
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Run чистит ключи сразу и затем по таймеру до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("admin call sweeper disabled: no store")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepAndLog(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.Sweep(ctx, s.now())
	for _, call := range report.Abandoned {
		s.logger.WithFields(log.Fields{
			"admin_id":   call.AdminID,
			"method":     call.Method,
			"key":        call.Key,
			"expired_at": call.ExpiresAt,
		}).Warn("admin call never finished; check whether it was applied")
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		sweepErrors.Inc()
		s.logger.WithError(err).WithField("removed", report.Removed).Warn("admin call sweep failed")
	case report.Removed > 0:
		s.logger.WithField("removed", report.Removed).Info("expired admin call keys removed")
	}
}

// Sweep удаляет ключи, истёкшие к before, пачками до первой неполной.
func (s *Sweeper) Sweep(ctx context.Context, before time.Time) (Report, error) {
	if before.IsZero() {
		before = s.now()
	}

	var report Report
	for ctx.Err() == nil {
		purge, err := s.repo.Purge(ctx, before, s.batch)
		if err != nil {
			return report, err
		}
		report.Removed += purge.Removed
		report.Abandoned = append(report.Abandoned, purge.Abandoned...)
		purgedCalls.WithLabelValues("abandoned").Add(float64(len(purge.Abandoned)))
		purgedCalls.WithLabelValues("finished").Add(float64(purge.Removed - len(purge.Abandoned)))

		if purge.Removed < s.batch {
			return report, nil
		}
	}
	return report, ctx.Err()
}
