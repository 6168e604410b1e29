// Package expiry реализует часовой обход позиций: истечение оплаченных, снятие
// брошенных удержаний и уведомления о скором окончании показа.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/metrics"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 200
	// maxRounds ограничивает число батчей одного шага за обход.
	maxRounds = 50
	jobName   = "expiry_sweep"
)

// UnitSweeper описывает примитивы обхода, которые даёт аллокатор.
type UnitSweeper interface {
	ExpireDue(ctx context.Context, now time.Time, batch int) (int, error)
	ReleaseStalePending(ctx context.Context, now time.Time, batch int) (int, error)
}

// Report — итог одного обхода.
type Report struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
	Notified int `json:"notified"`
}

// Runner выполняет обход по расписанию.
type Runner struct {
	sweeper   UnitSweeper
	units     domain.UnitRepository
	settings  domain.SettingsRepository
	markers   domain.NoticeMarkers
	events    *outbox.Emitter
	metrics   *metrics.AllocationMetrics
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// Option настраивает Runner.
type Option func(*Runner)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithInterval задаёт период Run.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner создаёт Runner. markers и events нужны только для уведомлений.
func NewRunner(sweeper UnitSweeper, units domain.UnitRepository, settings domain.SettingsRepository, markers domain.NoticeMarkers, events *outbox.Emitter, options ...Option) *Runner {
	r := &Runner{
		sweeper:   sweeper,
		units:     units,
		settings:  settings,
		markers:   markers,
		events:    events,
		logger:    log.WithField("component", "expiry-runner"),
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Run обходит позиции по расписанию до отмены ctx.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepLogged(ctx)
		}
	}
}

func (r *Runner) sweepLogged(ctx context.Context) {
	report, err := r.SweepOnce(ctx)
	entry := r.logger.WithFields(log.Fields{
		"expired":  report.Expired,
		"released": report.Released,
		"notified": report.Notified,
	})
	if err != nil {
		entry.WithError(err).Warn("expiry sweep failed")
		return
	}
	if report != (Report{}) {
		entry.Info("expiry sweep completed")
	}
}

// SweepOnce выполняет один обход.
func (r *Runner) SweepOnce(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { r.metrics.RecordJobDuration(jobName, time.Since(started)) }()

	var report Report
	now := r.now()

	var err error
	if report.Expired, err = r.drain(ctx, now, r.sweeper.ExpireDue); err != nil {
		return report, fmt.Errorf("expire due units: %w", err)
	}
	if report.Released, err = r.drain(ctx, now, r.sweeper.ReleaseStalePending); err != nil {
		return report, fmt.Errorf("release stale pending units: %w", err)
	}

	settings, err := r.settings.Get(ctx)
	if err != nil {
		return report, err
	}
	settings = settings.Normalize()
	if !settings.EnableExpiryNotification || r.markers == nil {
		return report, nil
	}
	report.Notified, err = r.notify(ctx, now, settings.ExpiryNoticeWindow())
	if err != nil {
		return report, fmt.Errorf("expiry notices: %w", err)
	}
	return report, nil
}

func (r *Runner) drain(ctx context.Context, now time.Time, step func(context.Context, time.Time, int) (int, error)) (int, error) {
	total := 0
	for round := 0; round < maxRounds; round++ {
		n, err := step(ctx, now, r.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			break
		}
	}
	return total, nil
}

// notify ставит одно уведомление на позицию и срок. Уведомляются только
// покупатели, оставившие email.
func (r *Runner) notify(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	units, err := r.units.ListPaidEndingBetween(ctx, now, now.Add(window), 0)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, u := range units {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		email, ok := u.Content.Email()
		if !ok {
			continue
		}

		key := NoticeKey(u)
		first, err := r.markers.MarkOnce(ctx, key, u.EndsAt.Add(24*time.Hour).Sub(now))
		if err != nil {
			return sent, err
		}
		if !first {
			continue
		}

		err = r.events.Emit(ctx, domain.AggregateUnit, strconv.FormatInt(u.ID, 10), domain.EventTypeExpiryNotice, map[string]any{
			"unit_id":      u.ID,
			"slot_id":      u.SlotID,
			"position_key": u.PositionKey,
			"email":        email,
			"website_name": u.Content.WebsiteName,
			"order_ref":    u.OrderRef,
			"ends_at":      u.EndsAt.Format(time.RFC3339),
			"days_left":    int(u.EndsAt.Sub(now).Hours() / 24),
		})
		if err != nil {
			// метка уже стоит, повторной отправки не будет
			r.logger.WithError(err).WithField("unit_id", u.ID).Error("expiry notice lost")
			if errors.Is(err, context.Canceled) {
				return sent, err
			}
			continue
		}
		sent++
		r.metrics.RecordNotice()
	}
	return sent, nil
}

// NoticeKey — ключ метки уведомления. Продление меняет срок и даёт новое уведомление.
func NoticeKey(u domain.Unit) string {
	return "expiry_notice:" + strconv.FormatInt(u.ID, 10) + ":" + strconv.FormatInt(u.EndsAt.Unix(), 10)
}
