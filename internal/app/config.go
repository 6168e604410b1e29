package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	NotifierKafka    = "kafka"
	NotifierRabbitMQ = "rabbitmq"
	NotifierNone     = "none"

	envPrefix = "ADSLOTS_"
)

// Config описывает настройки запуска приложения. Значения читаются из
// переменных окружения с префиксом ADSLOTS_.
type Config struct {
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":50051"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	StorageDriver           string        `env:"STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN             string        `env:"POSTGRES_DSN"`
	PostgresAutoMigrate     bool          `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	PostgresMaxConns        int           `env:"POSTGRES_MAX_CONNS" envDefault:"25"`
	PostgresConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`

	// При пустом RedisAddr TTL-состояние хранится в памяти процесса.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"adslots"`

	KafkaBrokers            string        `env:"KAFKA_BROKERS"`
	KafkaClientID           string        `env:"KAFKA_CLIENT_ID" envDefault:"adslots"`
	KafkaSendTimeout        time.Duration `env:"KAFKA_SEND_TIMEOUT" envDefault:"10s"`
	KafkaGroupID            string        `env:"KAFKA_GROUP_ID" envDefault:"adslots"`
	KafkaConsumeProvider    bool          `env:"KAFKA_CONSUME_PROVIDER_EVENTS" envDefault:"true"`
	KafkaConsumerMaxRetries int           `env:"KAFKA_CONSUMER_MAX_RETRIES" envDefault:"3"`
	Notifier                string        `env:"NOTIFIER" envDefault:"kafka"`
	RabbitMQURL             string        `env:"RABBITMQ_URL"`
	RabbitMQQueue           string        `env:"RABBITMQ_QUEUE" envDefault:"adslots.notifications"`

	TokenSecret   string `env:"TOKEN_SECRET"`
	JWTSecret     string `env:"JWT_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileLimit    int           `env:"RECONCILE_LIMIT" envDefault:"50"`
	ExpiryInterval    time.Duration `env:"EXPIRY_INTERVAL" envDefault:"1h"`
	ExpiryBatchSize   int           `env:"EXPIRY_BATCH_SIZE" envDefault:"100"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"2s"`
	OutboxMaxPending   int           `env:"OUTBOX_MAX_PENDING" envDefault:"1000"`
	OutboxMaxAge       time.Duration `env:"OUTBOX_MAX_AGE" envDefault:"10m"`

	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"1m"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" envDefault:"500"`

	Settings SettingsOverrides `envPrefix:"SETTINGS_"`
}

// SettingsOverrides задаёт значения настроек, принудительно применяемые при старте.
// Незаданные поля сохранённые настройки не трогают.
type SettingsOverrides struct {
	OrderTimeoutMinutes      int      `env:"ORDER_TIMEOUT_MINUTES"`
	ReconcileGraceMinutes    int      `env:"RECONCILE_GRACE_MINUTES"`
	AllowGuestPurchase       *bool    `env:"ALLOW_GUEST_PURCHASE"`
	GlobalPausePurchase      *bool    `env:"GLOBAL_PAUSE_PURCHASE"`
	AllowBalancePayment      *bool    `env:"ALLOW_BALANCE_PAYMENT"`
	EnableExpiryNotification *bool    `env:"ENABLE_EXPIRY_NOTIFICATION"`
	ExpiryNoticeDays         int      `env:"EXPIRY_NOTICE_DAYS"`
	PaymentMethods           []string `env:"PAYMENT_METHODS" envSeparator:","`
}

// DefaultConfig возвращает значения по умолчанию без чтения окружения.
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: map[string]string{},
	}); err != nil {
		// envDefault задаются в коде, ошибка здесь означает опечатку в тегах
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// LoadConfig читает необязательный .env, затем переменные окружения.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parseConfig(nil)
}

func parseConfig(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires ADSLOTS_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.Notifier {
	case NotifierKafka, NotifierNone:
	case NotifierRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("rabbitmq notifier requires ADSLOTS_RABBITMQ_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported notifier %q", c.Notifier))
	}

	if c.TokenSecret == "" {
		errs = append(errs, errors.New("ADSLOTS_TOKEN_SECRET is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("ADSLOTS_JWT_SECRET is required"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox batch size and max attempts must be positive"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// kafkaBrokerList разбирает список брокеров через запятую.
func (c Config) kafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// SetupLogging настраивает формат и уровень глобального logrus.
func SetupLogging(cfg Config) {
	log.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
}

// Apply накладывает заданные значения на настройки.
func (o SettingsOverrides) Apply(s domain.Settings) (domain.Settings, bool) {
	changed := false
	setInt := func(dst *int, v int) {
		if v > 0 && *dst != v {
			*dst = v
			changed = true
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	setInt(&s.OrderTimeoutMinutes, o.OrderTimeoutMinutes)
	setInt(&s.ReconcileGraceMinutes, o.ReconcileGraceMinutes)
	setInt(&s.ExpiryNoticeDays, o.ExpiryNoticeDays)
	setBool(&s.AllowGuestPurchase, o.AllowGuestPurchase)
	setBool(&s.GlobalPausePurchase, o.GlobalPausePurchase)
	setBool(&s.AllowBalancePayment, o.AllowBalancePayment)
	setBool(&s.EnableExpiryNotification, o.EnableExpiryNotification)
	if len(o.PaymentMethods) > 0 {
		s.PaymentMethods = append([]string(nil), o.PaymentMethods...)
		changed = true
	}
	return s, changed
}

// applySettingsOverrides сохраняет переопределения из окружения.
func applySettingsOverrides(ctx context.Context, repo domain.SettingsRepository, overrides SettingsOverrides, logger *log.Entry) error {
	current, err := repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	next, changed := overrides.Apply(current)
	if !changed {
		return nil
	}
	next = next.Normalize()
	if err := repo.Save(ctx, next); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	logger.WithFields(log.Fields{
		"order_timeout_minutes": next.OrderTimeoutMinutes,
		"guest_purchase":        next.AllowGuestPurchase,
		"paused":                next.GlobalPausePurchase,
	}).Info("settings overridden from environment")
	return nil
}
