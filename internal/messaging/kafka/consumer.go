package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

var consumedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adslots_provider_events_consumed_total",
	Help: "Provider events read from Kafka by topic and result (handled, retried, dead_lettered, stuck).",
}, []string{"topic", "result"})

// MessageHandler обрабатывает одно сообщение топика.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неисправимую: сообщение сразу уходит в DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent сообщает, что повтор обработки не поможет.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ConsumerConfig описывает подписку на события провайдера.
// RetryDelay 0 означает 200ms, отрицательное значение убирает паузу.
// DeadLetters nil оставляет неудачные сообщения непомеченными: их перечитают
// после rebalance.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topics      []string
	MaxRetries  int
	RetryDelay  time.Duration
	DeadLetters *Producer
}

// Consumer читает события провайдера (оплата, возврат, отмена) и передаёт их
// обработчику. События одного заказа приходят с одним ключом и поэтому
// обрабатываются по порядку внутри partition.
type Consumer struct {
	group   sarama.ConsumerGroup
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *log.Entry
}

// NewConsumer подключается к consumer group.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", cfg.GroupID, err)
	}
	return newConsumer(group, cfg, handler), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	switch {
	case cfg.RetryDelay == 0:
		cfg.RetryDelay = defaultRetryDelay
	case cfg.RetryDelay < 0:
		cfg.RetryDelay = 0
	}
	return &Consumer{
		group:   group,
		cfg:     cfg,
		handler: handler,
		logger:  log.WithFields(log.Fields{"component": "kafka-consumer", "group": cfg.GroupID}),
	}
}

// Run читает топики до отмены ctx и закрывает группу на выходе.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.WithField("topics", c.cfg.Topics).Info("provider events consumer started")

	errsDone := make(chan struct{})
	go func() {
		defer close(errsDone)
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	// Consume возвращается на каждом rebalance.
	for ctx.Err() == nil {
		if err := c.group.Consume(ctx, c.cfg.Topics, c); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			c.logger.WithError(err).Error("consume session ended with error")
		}
	}

	if err := c.group.Close(); err != nil {
		c.logger.WithError(err).Warn("close consumer group")
	}
	<-errsDone
	c.logger.Info("provider events consumer stopped")
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim помечает сообщение только после обработки или публикации в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			result := c.process(ctx, message)
			consumedEvents.WithLabelValues(message.Topic, result).Inc()
			if result != resultStuck {
				session.MarkMessage(message, "")
			}
		}
	}
}

const (
	resultHandled      = "handled"
	resultDeadLettered = "dead_lettered"
	resultStuck        = "stuck"
)

// process тратит остаток бюджета попыток: сообщения, вернувшиеся из DLQ,
// несут в заголовке число уже сделанных попыток.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) string {
	entry := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	})
	previous := retryCount(message)
	budget := max(c.cfg.MaxRetries-previous, 1)

	var err error
	for attempt := 1; attempt <= budget; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return resultHandled
		}
		if IsPermanent(err) || attempt == budget {
			break
		}
		consumedEvents.WithLabelValues(message.Topic, "retried").Inc()
		entry.WithError(err).WithField("attempt", previous+attempt).Warn("provider event failed, retrying")
		if waitErr := c.pause(ctx); waitErr != nil {
			entry.WithError(err).Warn("shutdown while retrying provider event")
			return resultStuck
		}
	}

	if c.cfg.DeadLetters == nil {
		entry.WithError(err).Error("provider event failed, no dead letter topic configured")
		return resultStuck
	}
	if dlqErr := c.deadLetter(message, err, previous); dlqErr != nil {
		entry.WithError(dlqErr).Error("provider event failed and dead letter publish failed")
		return resultStuck
	}
	entry.WithError(err).WithField("permanent", IsPermanent(err)).Warn("provider event moved to dead letter topic")
	return resultDeadLettered
}

func (c *Consumer) pause(ctx context.Context) error {
	if c.cfg.RetryDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryCount читает x-retry-count; отсутствующий или битый заголовок даёт 0.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			n, err := strconv.Atoi(string(header.Value))
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

// deadLetter публикует исходное сообщение в DLQ в формате, который понимает
// cmd/dlq-reprocess.
func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, cause error, retries int) error {
	failedAt := time.Now().UTC().Format(time.RFC3339)
	record := DLQMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        retries,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return c.cfg.DeadLetters.PublishRaw(TopicDeadLetterQueue, record.OriginalKey, value, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      failedAt,
		HeaderRetryCount:    strconv.Itoa(retries),
	})
}
