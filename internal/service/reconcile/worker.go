// Package reconcile восстанавливает оплаты, которые не дошли через webhook:
// сверяет ленту провайдера с журналом и проигрывает пропущенные заказы
// через тот же код, что и webhook.
package reconcile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/metrics"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultLimit         = 50
	defaultNudgeLimit    = 10
	defaultNudgeInterval = 2 * time.Minute
	defaultPageSize      = 50
	// maxPages ограничивает глубину просмотра ленты за один проход.
	maxPages = 20

	nudgeThrottleKey = "reconcile:nudge"
	jobName          = "reconcile"
)

// PaymentHandler проигрывает оплату.
type PaymentHandler interface {
	HandlePaymentSucceeded(ctx context.Context, order domain.ProviderOrder) (payment.Outcome, error)
}

// Report — итог одного прохода сверки.
type Report struct {
	TimedOut      int `json:"timed_out"`
	Scanned       int `json:"scanned"`
	Replayed      int `json:"replayed"`
	SkippedKnown  int `json:"skipped_known"`
	SkippedDenied int `json:"skipped_denied"`
	Failed        int `json:"failed"`
}

// Options задаёт параметры Worker.
type Options struct {
	Logger        *log.Entry
	Metrics       *metrics.AllocationMetrics
	Throttle      domain.Throttle
	Breaker       *payment.CircuitBreaker
	Interval      time.Duration
	Limit         int
	NudgeLimit    int
	NudgeInterval time.Duration
	PageSize      int
	Clock         func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithThrottle задаёт распределённое ограничение частоты для Nudge.
func WithThrottle(t domain.Throttle) Option {
	return func(o *Options) { o.Throttle = t }
}

// WithCircuitBreaker защищает обращения к ленте провайдера.
func WithCircuitBreaker(cb *payment.CircuitBreaker) Option {
	return func(o *Options) { o.Breaker = cb }
}

// WithInterval задаёт период Run.
func WithInterval(d time.Duration) Option {
	return func(o *Options) { o.Interval = d }
}

// WithLimit задаёт число проигрываемых заказов за проход.
func WithLimit(n int) Option {
	return func(o *Options) { o.Limit = n }
}

// WithPageSize задаёт размер страницы ленты.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

// Worker выполняет фоновую сверку оплат.
type Worker struct {
	feed          domain.ProviderOrderFeed
	ledger        *ledger.Ledger
	settings      domain.SettingsRepository
	handler       PaymentHandler
	throttle      domain.Throttle
	breaker       *payment.CircuitBreaker
	metrics       *metrics.AllocationMetrics
	logger        *log.Entry
	interval      time.Duration
	limit         int
	nudgeLimit    int
	nudgeInterval time.Duration
	pageSize      int
	now           func() time.Time
}

// NewWorker создаёт Worker.
func NewWorker(feed domain.ProviderOrderFeed, orders *ledger.Ledger, settings domain.SettingsRepository, handler PaymentHandler, options ...Option) *Worker {
	opts := Options{
		Interval:      defaultInterval,
		Limit:         defaultLimit,
		NudgeLimit:    defaultNudgeLimit,
		NudgeInterval: defaultNudgeInterval,
		PageSize:      defaultPageSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconcile-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.NudgeLimit <= 0 {
		opts.NudgeLimit = defaultNudgeLimit
	}
	if opts.NudgeInterval <= 0 {
		opts.NudgeInterval = defaultNudgeInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		feed:          feed,
		ledger:        orders,
		settings:      settings,
		handler:       handler,
		throttle:      opts.Throttle,
		breaker:       opts.Breaker,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		interval:      opts.Interval,
		limit:         opts.Limit,
		nudgeLimit:    opts.NudgeLimit,
		nudgeInterval: opts.NudgeInterval,
		pageSize:      opts.PageSize,
		now:           opts.Clock,
	}
}

// Run выполняет сверку по расписанию до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.feed == nil || w.handler == nil {
		w.logger.Warn("reconcile worker is disabled: feed or handler is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runLogged(ctx, w.limit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runLogged(ctx, w.limit)
		}
	}
}

func (w *Worker) runLogged(ctx context.Context, limit int) {
	report, err := w.ProcessOnce(ctx, limit)
	entry := w.logger.WithFields(log.Fields{
		"timed_out": report.TimedOut,
		"scanned":   report.Scanned,
		"replayed":  report.Replayed,
		"failed":    report.Failed,
	})
	if err != nil {
		entry.WithError(err).Warn("reconcile pass failed")
		return
	}
	if report.TimedOut > 0 || report.Replayed > 0 || report.Failed > 0 {
		entry.Info("reconcile pass completed")
	}
}

// Nudge запускает облегчённую сверку после действий администратора не
// чаще раза в nudgeInterval на все экземпляры. ran=false, если запуск
// отклонён ограничением частоты.
func (w *Worker) Nudge(ctx context.Context) (Report, bool, error) {
	if w.throttle != nil {
		ok, err := w.throttle.Allow(ctx, nudgeThrottleKey, w.nudgeInterval)
		if err != nil {
			return Report{}, false, fmt.Errorf("reconcile throttle: %w", err)
		}
		if !ok {
			return Report{}, false, nil
		}
	}
	report, err := w.ProcessOnce(ctx, w.nudgeLimit)
	return report, true, err
}

// ProcessOnce закрывает зависшие pending-строки журнала и проигрывает не
// более limit оплаченных заказов провайдера, которых нет в журнале.
func (w *Worker) ProcessOnce(ctx context.Context, limit int) (Report, error) {
	started := time.Now()
	defer func() { w.metrics.RecordJobDuration(jobName, time.Since(started)) }()

	if limit <= 0 {
		limit = w.limit
	}
	var report Report

	settings, err := w.settings.Get(ctx)
	if err != nil {
		return report, err
	}
	settings = settings.Normalize()

	report.TimedOut, err = w.ledger.SweepTimedOut(ctx, w.now().Add(-settings.StaleOrderAfter()))
	if err != nil {
		return report, err
	}

	candidates, err := w.collect(ctx, limit, settings.DenyListCap, &report)
	if err != nil {
		return report, err
	}

	for _, order := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		out, err := w.handler.HandlePaymentSucceeded(ctx, order)
		switch {
		case err != nil:
			report.Failed++
			w.metrics.RecordReconcileReplay("failed")
			w.logger.WithError(err).WithField("order_ref", order.ID).Warn("replay of missed payment failed")
		case out.Skipped != "":
			w.metrics.RecordReconcileReplay("skipped")
		default:
			report.Replayed++
			w.metrics.RecordReconcileReplay("replayed")
			w.logger.WithFields(log.Fields{
				"order_ref": order.ID,
				"order_id":  out.OrderID,
				"unit_id":   out.UnitID,
				"conflict":  out.Conflict,
			}).Info("missed payment replayed")
		}
	}
	return report, nil
}

// collect листает ленту от новых к старым, пока не наберёт limit
// незнакомых ссылок. limit применяется после фильтрации.
func (w *Worker) collect(ctx context.Context, limit, denyCap int, report *Report) ([]domain.ProviderOrder, error) {
	var out []domain.ProviderOrder
	for page := 0; page < maxPages && len(out) < limit; page++ {
		orders, err := w.listPage(ctx, page*w.pageSize)
		if err != nil {
			return out, err
		}
		if len(orders) == 0 {
			break
		}
		report.Scanned += len(orders)

		refs := make([]string, 0, len(orders))
		byRef := make(map[string]domain.ProviderOrder, len(orders))
		for _, o := range orders {
			if o.ID == "" || !o.IsAdOrder() || o.Status != domain.ProviderStatusPaid {
				continue
			}
			if _, dup := byRef[o.ID]; dup {
				continue
			}
			refs = append(refs, o.ID)
			byRef[o.ID] = o
		}

		unknown, known, denied, err := w.ledger.UnknownRefs(ctx, refs, denyCap)
		if err != nil {
			return out, err
		}
		report.SkippedKnown += known
		report.SkippedDenied += denied
		for _, ref := range unknown {
			if len(out) == limit {
				break
			}
			out = append(out, byRef[ref])
		}

		if len(orders) < w.pageSize {
			break
		}
	}
	return out, nil
}

func (w *Worker) listPage(ctx context.Context, offset int) ([]domain.ProviderOrder, error) {
	if w.breaker == nil {
		return w.feed.ListPaid(ctx, domain.AdOrderType, offset, w.pageSize)
	}
	var orders []domain.ProviderOrder
	err := w.breaker.Execute("provider.list_paid", func() error {
		var err error
		orders, err = w.feed.ListPaid(ctx, domain.AdOrderType, offset, w.pageSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provider feed: %w", err)
	}
	return orders, nil
}
