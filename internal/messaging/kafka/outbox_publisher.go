package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// OutboxTopicPublisher пишет события outbox в один топик.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher публикует в topic; пустой topic означает adslots.order.events.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic, now: time.Now}
}

// Envelope — событие в топике. Ключ сообщения — AggregateID, так что
// события одного заказа или позиции читаются по порядку.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at,omitzero"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает событие; payload уже JSON и не перекодируется.
func NewEnvelope(event domain.OutboxMessage, publishedAt time.Time) Envelope {
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		DedupKey:      event.DedupKey,
		Payload:       json.RawMessage(event.Payload),
		EnqueuedAt:    event.CreatedAt,
		PublishedAt:   publishedAt.UTC(),
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	value, err := json.Marshal(NewEnvelope(event, p.now()))
	if err != nil {
		return err
	}
	headers := map[string]string{
		HeaderEventID:   event.ID,
		HeaderEventType: event.EventType,
	}
	if event.DedupKey != "" {
		headers[HeaderDedupKey] = event.DedupKey
	}
	return p.producer.PublishRaw(p.topic, key, value, headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
