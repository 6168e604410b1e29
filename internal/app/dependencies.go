package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/health"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
	"github.com/vladislavdragonenkov/adslots/internal/storage/postgres"
	"github.com/vladislavdragonenkov/adslots/internal/storage/redisstore"
)

const storageCheckTimeout = 2 * time.Second

// ttlState — короткоживущее состояние: токены резервирования, метки
// уведомлений и throttle сверки.
type ttlState interface {
	domain.ReservationStore
	domain.NoticeMarkers
	domain.Throttle
}

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	slots        domain.SlotRepository
	units        domain.UnitRepository
	orders       domain.OrderRepository
	outboxRepo   domain.OutboxRepository
	timelineRepo domain.UnitTimelineRepository
	adminCalls   domain.IdempotencyRepository
	settingsRepo domain.SettingsRepository
	providerFeed domain.ProviderOrderStore
	ttl          ttlState

	checkers map[string]health.Checker
	closers  []func() error
}

// closeFn закрывает соединения в обратном порядке.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище и TTL-состояние.
// При ошибке уже открытые соединения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]health.Checker)}

	if err := initStorage(ctx, cfg, deps, logger); err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	if err := initTTLState(ctx, cfg, deps, logger); err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps.slots = memory.NewSlotRepository()
		deps.units = memory.NewUnitRepository()
		deps.orders = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.adminCalls = memory.NewAdminCallStore()
		deps.settingsRepo = memory.NewSettingsRepository()
		deps.providerFeed = memory.NewProviderFeed()
		logger.Info("using in-memory storage")
		return nil

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return errors.New("postgres storage requires dsn")
		}
		store, err := postgres.OpenWithPool(ctx, dsn, postgres.PoolConfig{
			MaxConns:        cfg.PostgresMaxConns,
			ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close, registerPoolCollector(store, logger))

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}

		deps.slots = postgres.NewSlotRepository(store)
		deps.units = postgres.NewUnitRepository(store)
		deps.orders = postgres.NewOrderRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.adminCalls = postgres.NewAdminCallRepository(store)
		deps.settingsRepo = postgres.NewSettingsRepository(store)
		deps.providerFeed = postgres.NewProviderFeed(store)
		deps.checkers["postgres"] = health.NewPingChecker(store, storageCheckTimeout)
		logger.Info("using postgres storage")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initTTLState(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if cfg.RedisAddr == "" {
		deps.ttl = memory.NewTTLStore()
		return nil
	}
	store, err := redisstore.Open(ctx, redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	deps.closers = append(deps.closers, store.Close)
	deps.ttl = store
	deps.checkers["redis"] = health.NewPingChecker(store, storageCheckTimeout)
	logger.WithField("addr", cfg.RedisAddr).Info("using redis for reservation state")
	return nil
}

// registerPoolCollector публикует статистику пула. Возвращённая функция
// снимает коллектор перед закрытием пула.
func registerPoolCollector(store *postgres.Store, logger *log.Entry) func() error {
	collector := store.Collector()
	if err := prometheus.Register(collector); err != nil {
		logger.WithError(err).Warn("postgres pool metrics unavailable")
		return func() error { return nil }
	}
	return func() error {
		prometheus.Unregister(collector)
		return nil
	}
}
