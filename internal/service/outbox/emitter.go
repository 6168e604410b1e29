package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/metrics"
)

// Emitter ставит доменные события в outbox. Публикацию выполняет Worker.
type Emitter struct {
	repo    domain.OutboxRepository
	metrics *metrics.AllocationMetrics
	logger  *log.Entry
}

// NewEmitter создаёт Emitter. Nil-репозиторий отключает события.
func NewEmitter(repo domain.OutboxRepository) *Emitter {
	return &Emitter{repo: repo, logger: log.WithField("component", "outbox-emitter")}
}

// WithMetrics возвращает копию с метриками.
func (e *Emitter) WithMetrics(m *metrics.AllocationMetrics) *Emitter {
	cp := *e
	cp.metrics = m
	return &cp
}

// Emit сериализует payload и добавляет в него ts, если его нет.
func (e *Emitter) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload map[string]any) error {
	if e == nil || e.repo == nil {
		return nil
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	payload["event_type"] = eventType

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	endsAt, _ := payload["ends_at"].(string)
	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		DedupKey:      domain.OutboxDedupKey(eventType, aggregateID, endsAt),
	}
	_, err = e.repo.Enqueue(ctx, msg)
	if errors.Is(err, domain.ErrOutboxDuplicate) {
		e.logger.WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Debug("event already enqueued")
		return nil
	}
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("enqueue event failed")
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	e.metrics.RecordOutboxEvent()
	return nil
}
