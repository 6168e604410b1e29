package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adslots_outbox_publish_total",
		Help: "Outbox deliveries by event type and result (sent, retry, failed, dlq_failed, stale).",
	}, []string{"event_type", "result"})
	pendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adslots_outbox_pending_events",
		Help: "Domain events waiting in the outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adslots_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest undelivered domain event.",
	})
	failedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adslots_outbox_failed_events",
		Help: "Domain events that exhausted delivery attempts.",
	})
)

// WorkerOptions задаёт параметры Worker.
type WorkerOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDLQPublisher задаёт топик для событий, которые не удалось доставить.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до 5s.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

func WithClock(now func() time.Time) Option {
	return func(opts *WorkerOptions) { opts.Clock = now }
}

// BatchReport — итог одного прохода по outbox.
type BatchReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Stale  int `json:"stale"`
}

// Worker доставляет события оплаты, закрытия заказов и напоминания об
// окончании показа из outbox в брокер. Напоминание, чей срок уже прошёл,
// не публикуется и просто снимается с очереди.
type Worker struct {
	repo       domain.OutboxRepository
	publisher  domain.OutboxPublisher
	dlq        domain.OutboxPublisher
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	attempts   int
	retryDelay time.Duration
	now        func() time.Time
}

// NewWorker создаёт Worker. Неположительные значения опций заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{}
	for _, option := range options {
		option(&opts)
	}

	w := &Worker{
		repo:       repo,
		publisher:  publisher,
		dlq:        opts.DLQPublisher,
		logger:     opts.Logger,
		interval:   opts.PollInterval,
		batchSize:  opts.BatchSize,
		attempts:   opts.MaxAttempts,
		retryDelay: opts.RetryBaseDelay,
		now:        opts.Clock,
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.attempts <= 0 {
		w.attempts = defaultMaxAttempts
	}
	if w.retryDelay < 0 {
		w.retryDelay = 0
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox delivery disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce доставляет одну пачку событий в порядке постановки.
func (w *Worker) ProcessOnce(ctx context.Context) BatchReport {
	var report BatchReport
	if ctx.Err() != nil {
		return report
	}

	events, err := w.repo.ClaimPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("claim pending events failed")
		return report
	}

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":    event.ID,
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID,
		})

		if w.stale(event) {
			publishResults.WithLabelValues(event.EventType, "stale").Inc()
			report.Stale++
			entry.Info("expiry notice outlived the paid period, dropped")
			if err := w.repo.MarkSent(ctx, event.ID); err != nil {
				entry.WithError(err).Warn("mark stale event failed")
			}
			continue
		}

		if err := w.deliver(ctx, event); err != nil {
			publishResults.WithLabelValues(event.EventType, "failed").Inc()
			report.Failed++
			entry.WithError(err).Error("event not delivered")
			if dlqErr := w.toDLQ(event, err); dlqErr != nil {
				publishResults.WithLabelValues(event.EventType, "dlq_failed").Inc()
				entry.WithError(dlqErr).Warn("dead letter publish failed")
			}
			if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
				entry.WithError(err).Warn("mark failed event failed")
			}
			continue
		}

		report.Sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("mark sent event failed")
		}
	}

	w.refreshBacklog(ctx)
	if report.Failed > 0 || report.Stale > 0 {
		w.logger.WithFields(log.Fields{
			"sent":   report.Sent,
			"failed": report.Failed,
			"stale":  report.Stale,
		}).Info("outbox batch finished")
	}
	return report
}

// stale сообщает, что напоминание об окончании показа опоздало.
func (w *Worker) stale(event domain.OutboxMessage) bool {
	if event.EventType != domain.EventTypeExpiryNotice {
		return false
	}
	var notice struct {
		EndsAt time.Time `json:"ends_at"`
	}
	if err := json.Unmarshal(event.Payload, &notice); err != nil || notice.EndsAt.IsZero() {
		return false
	}
	return !notice.EndsAt.After(w.now())
}

func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = w.publisher.Publish(event); err == nil {
			publishResults.WithLabelValues(event.EventType, "sent").Inc()
			return nil
		}
		publishResults.WithLabelValues(event.EventType, "retry").Inc()
		if attempt == w.attempts {
			break
		}
		if delay := w.backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", event.EventType, w.attempts, err)
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryDelay
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("outbox stats unavailable")
		return
	}
	pendingEvents.Set(float64(stats.PendingCount))
	failedEvents.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(0, w.now().Sub(stats.OldestPendingAt).Seconds()))
}

// toDLQ публикует событие вместе с причиной отказа; оператор разбирает
// payment.conflict и потерянные напоминания оттуда.
func (w *Worker) toDLQ(event domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"outbox_id":      event.ID,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_type":     event.EventType,
		"payload":        json.RawMessage(event.Payload),
		"attempts":       w.attempts,
		"publish_error":  cause.Error(),
		"failed_at":      w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	dead := event
	dead.Payload = body
	if err := w.dlq.Publish(dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
