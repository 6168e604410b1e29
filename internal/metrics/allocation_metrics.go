package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AllocationMetrics содержит метрики аллокатора, журнала и фоновых задач.
type AllocationMetrics struct {
	// Переходы позиций
	reservations  *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	releases      prometheus.Counter
	expiries      *prometheus.CounterVec

	// Фоновые задачи
	reconcileReplays *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	notices          prometheus.Counter

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewAllocationMetrics создаёт метрики в DefaultRegisterer.
func NewAllocationMetrics() *AllocationMetrics {
	return NewAllocationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewAllocationMetricsWithRegisterer регистрирует метрики в указанном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewAllocationMetricsWithRegisterer(registerer prometheus.Registerer) *AllocationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &AllocationMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "adslots_reservations_total",
			Help: "Total number of reserve attempts grouped by result",
		}, []string{"result"}),
		confirmations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "adslots_confirmations_total",
			Help: "Total number of paid confirmations grouped by result",
		}, []string{"result"}),
		releases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "adslots_releases_total",
			Help: "Total number of units released back to available",
		}),
		expiries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "adslots_expiries_total",
			Help: "Total number of expired units grouped by kind",
		}, []string{"kind"}),
		reconcileReplays: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "adslots_reconcile_replays_total",
			Help: "Total number of provider orders replayed by reconciliation",
		}, []string{"result"}),
		jobDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "adslots_job_duration_seconds",
			Help:    "Duration of background sweeps in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"job"}),
		notices: registerCounter(registerer, prometheus.CounterOpts{
			Name: "adslots_expiry_notices_total",
			Help: "Total number of expiry notices enqueued",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "adslots_timeline_events_total",
			Help: "Total number of unit timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "adslots_outbox_events_total",
			Help: "Total number of domain events enqueued into outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// Все методы допускают nil-получатель: сервисы в тестах работают без метрик.

// RecordReservation учитывает попытку резервации: ok, occupied, locked, invalid, error.
func (m *AllocationMetrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordConfirmation учитывает подтверждение оплаты: changed, noop, conflict, error.
func (m *AllocationMetrics) RecordConfirmation(result string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(result).Inc()
}

// RecordRelease увеличивает счётчик освобождённых позиций.
func (m *AllocationMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

// RecordExpiry учитывает истечение: scheduled, lazy, pending.
func (m *AllocationMetrics) RecordExpiry(kind string) {
	if m == nil {
		return
	}
	m.expiries.WithLabelValues(kind).Inc()
}

// RecordReconcileReplay учитывает повтор заказа из ленты провайдера.
func (m *AllocationMetrics) RecordReconcileReplay(result string) {
	if m == nil {
		return
	}
	m.reconcileReplays.WithLabelValues(result).Inc()
}

// RecordJobDuration записывает время прохода фоновой задачи.
func (m *AllocationMetrics) RecordJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *AllocationMetrics) RecordNotice() {
	if m == nil {
		return
	}
	m.notices.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *AllocationMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *AllocationMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
