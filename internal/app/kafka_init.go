package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/adslots/internal/messaging/rabbitmq"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.kafkaBrokerList()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, cfg.kafkaProducerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

func (c Config) kafkaProducerOptions() []kafka.ProducerOption {
	var opts []kafka.ProducerOption
	if c.KafkaClientID != "" {
		opts = append(opts, kafka.WithClientID(c.KafkaClientID))
	}
	if c.KafkaSendTimeout > 0 {
		opts = append(opts, kafka.WithSendTimeout(c.KafkaSendTimeout))
	}
	return opts
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// notifier держит публикаторы outbox и функцию их закрытия.
type notifier struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	close     func()
}

// initNotifier выбирает брокер для событий outbox. nil-publisher означает,
// что воркер outbox не запускается.
func initNotifier(cfg Config, producer *kafka.Producer, logger *log.Entry) (notifier, error) {
	switch cfg.Notifier {
	case NotifierKafka:
		if producer == nil {
			logger.Warn("kafka notifier selected without brokers, outbox publishing disabled")
			return notifier{close: func() {}}, nil
		}
		return notifier{
			publisher: kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
			dlq:       kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
			close:     func() {},
		}, nil

	case NotifierRabbitMQ:
		pub, err := rabbitmq.NewPublisher(
			rabbitmq.URLDialer(cfg.RabbitMQURL),
			rabbitmq.WithQueue(cfg.RabbitMQQueue),
			rabbitmq.WithLogger(logger.WithField("component", "rabbitmq-publisher")),
		)
		if err != nil {
			return notifier{}, fmt.Errorf("create rabbitmq publisher: %w", err)
		}
		n := notifier{
			publisher: pub,
			close: func() {
				if err := pub.Close(); err != nil {
					logger.WithError(err).Warn("failed to close rabbitmq publisher")
				}
			},
		}
		// DLQ остаётся в Kafka, если она подключена
		if producer != nil {
			n.dlq = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
		}
		logger.WithField("queue", cfg.RabbitMQQueue).Info("rabbitmq notifier initialized")
		return n, nil

	case NotifierNone, "":
		logger.Info("outbox publishing disabled")
		return notifier{close: func() {}}, nil

	default:
		return notifier{}, fmt.Errorf("unsupported notifier %q", cfg.Notifier)
	}
}

// initProviderConsumer подписывается на события провайдера. Сообщения,
// исчерпавшие повторы, уходят в DLQ через тот же producer.
func initProviderConsumer(cfg Config, producer *kafka.Producer, dispatcher kafka.Dispatcher, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.kafkaBrokerList()
	if len(brokers) == 0 || !cfg.KafkaConsumeProvider {
		return nil, nil
	}
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     brokers,
		GroupID:     cfg.KafkaGroupID,
		Topics:      []string{kafka.TopicProviderEvents},
		MaxRetries:  cfg.KafkaConsumerMaxRetries,
		DeadLetters: producer,
	}, kafka.ProviderEventHandler(dispatcher, logger.WithField("component", "provider-events")))
	if err != nil {
		return nil, err
	}
	return consumer, nil
}
