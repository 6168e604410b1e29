package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "adslots.order.events"
	TopicProviderEvents  = "adslots.provider.events"
	TopicDeadLetterQueue = "adslots.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"

	// Заголовки событий outbox: потребитель дедуплицирует по x-event-id.
	HeaderEventID   = "x-event-id"
	HeaderEventType = "x-event-type"
	HeaderDedupKey  = "x-dedup-key"
)

// ProviderEventMessage — формат входящего события провайдера в топике.
// Event может быть любым алиасом из domain.NormalizeEventKind.
type ProviderEventMessage struct {
	Event        string               `json:"event"`
	AttemptToken string               `json:"attempt_token,omitempty"`
	Order        domain.ProviderOrder `json:"order"`
	SentAt       time.Time            `json:"sent_at,omitempty"`
}

// ErrUnknownEvent возвращается для событий, которые сервис не обрабатывает.
var ErrUnknownEvent = fmt.Errorf("unknown provider event")

// ParseProviderEvent парсит и нормализует событие провайдера.
func ParseProviderEvent(message *sarama.ConsumerMessage) (domain.ProviderEvent, error) {
	var raw ProviderEventMessage
	if err := json.Unmarshal(message.Value, &raw); err != nil {
		return domain.ProviderEvent{}, fmt.Errorf("failed to unmarshal provider event: %w", err)
	}
	kind, ok := domain.NormalizeEventKind(raw.Event)
	if !ok {
		return domain.ProviderEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Event)
	}
	return domain.ProviderEvent{
		Kind:         kind,
		AttemptToken: strings.TrimSpace(raw.AttemptToken),
		Order:        raw.Order,
	}, nil
}

// DLQMessage — запись в Dead Letter Queue. OriginalValue хранится строкой,
// чтобы cmd/dlq-reprocess мог вернуть сообщение без перекодирования.
type DLQMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// ParseDLQMessage парсит запись DLQ.
func ParseDLQMessage(message *sarama.ConsumerMessage) (DLQMessage, error) {
	var dlq DLQMessage
	if err := json.Unmarshal(message.Value, &dlq); err != nil {
		return DLQMessage{}, fmt.Errorf("failed to unmarshal dlq message: %w", err)
	}
	if dlq.OriginalTopic == "" {
		return DLQMessage{}, fmt.Errorf("dlq message without original topic")
	}
	return dlq, nil
}
