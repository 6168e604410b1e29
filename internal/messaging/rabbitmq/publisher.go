package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// QueueNotifications — durable очередь уведомлений (оплата, закрытие заказа,
// скорое истечение размещения).
const QueueNotifications = "adslots.notifications"

const defaultPublishTimeout = 5 * time.Second

// Channel описывает часть amqp.Channel, которая нужна публикатору.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer открывает канал к брокеру и возвращает функцию закрытия соединения.
type Dialer func() (Channel, func() error, error)

// Publisher публикует outbox-сообщения в очередь RabbitMQ.
type Publisher struct {
	mu        sync.Mutex
	dial      Dialer
	ch        Channel
	closeConn func() error
	queue     string
	timeout   time.Duration
	logger    *log.Entry
}

// Option настраивает Publisher.
type Option func(*Publisher)

// WithQueue задаёт имя очереди.
func WithQueue(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.queue = name
		}
	}
}

// WithTimeout задаёт таймаут одной публикации.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// URLDialer подключается к брокеру по AMQP URL.
func URLDialer(url string) Dialer {
	return func() (Channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
		}
		return ch, conn.Close, nil
	}
}

// NewPublisher подключается к брокеру и объявляет очередь.
func NewPublisher(dial Dialer, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		dial:    dial,
		queue:   QueueNotifications,
		timeout: defaultPublishTimeout,
		logger:  log.WithField("component", "rabbitmq-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connectLocked() error {
	ch, closeConn, err := p.dial()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return fmt.Errorf("rabbitmq queue declare %s: %w", p.queue, err)
	}
	p.ch, p.closeConn = ch, closeConn
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

type notification struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Publish отправляет сообщение как persistent. При закрытом канале
// переподключается один раз.
func (p *Publisher) Publish(event domain.OutboxMessage) error {
	if p == nil {
		return errors.New("rabbitmq publisher is not initialized")
	}
	body, err := json.Marshal(notification{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"aggregate_id": event.AggregateID},
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if p.ch == nil {
			if err = p.connectLocked(); err != nil {
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
		cancel()
		if err == nil {
			return nil
		}
		p.logger.WithError(err).WithFields(log.Fields{
			"queue":      p.queue,
			"outbox_id":  event.ID,
			"event_type": event.EventType,
		}).Warn("rabbitmq publish failed")
		p.resetLocked()
	}
	return fmt.Errorf("rabbitmq publish: %w", err)
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
