package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/adslots/internal/health"
	"github.com/vladislavdragonenkov/adslots/internal/metrics"
	"github.com/vladislavdragonenkov/adslots/internal/policy"
	"github.com/vladislavdragonenkov/adslots/internal/service/admin"
	"github.com/vladislavdragonenkov/adslots/internal/service/allocator"
	"github.com/vladislavdragonenkov/adslots/internal/service/checkout"
	"github.com/vladislavdragonenkov/adslots/internal/service/expiry"
	grpcsvc "github.com/vladislavdragonenkov/adslots/internal/service/grpc"
	"github.com/vladislavdragonenkov/adslots/internal/service/httpapi"
	"github.com/vladislavdragonenkov/adslots/internal/service/idempotency"
	"github.com/vladislavdragonenkov/adslots/internal/service/ledger"
	"github.com/vladislavdragonenkov/adslots/internal/service/outbox"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
	"github.com/vladislavdragonenkov/adslots/internal/service/reconcile"
	"github.com/vladislavdragonenkov/adslots/internal/service/registry"
	"github.com/vladislavdragonenkov/adslots/internal/token"
	"github.com/vladislavdragonenkov/adslots/internal/version"
)

const (
	shutdownTimeout     = 5 * time.Second
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// services собирает сервисы домена.
type services struct {
	registry  *registry.Registry
	alloc     *allocator.Allocator
	ledger    *ledger.Ledger
	checkout  *checkout.Service
	payments  *payment.Processor
	reconcile *reconcile.Worker
	expiry    *expiry.Runner
	admin     *admin.Service
	auth      *policy.Authenticator
	breaker   *payment.CircuitBreaker
}

// buildServices связывает сервисы поверх выбранных хранилищ.
func buildServices(cfg Config, deps *runtimeDependencies, logger *log.Entry) (*services, error) {
	signer, err := token.NewSigner(cfg.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("token signer: %w", err)
	}
	auth, err := policy.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}
	rolePolicy := policy.NewRolePolicy()
	m := metrics.NewAllocationMetrics()
	emitter := outbox.NewEmitter(deps.outboxRepo).WithMetrics(m)

	alloc := allocator.New(deps.slots, deps.units, signer,
		allocator.WithLogger(logger.WithField("component", "allocator")),
		allocator.WithMetrics(m),
		allocator.WithTimeline(deps.timelineRepo),
	)
	orders := ledger.New(deps.orders, deps.units, alloc, ledger.WithEmitter(emitter))
	reg := registry.New(deps.slots, deps.units, nil)
	co := checkout.New(deps.slots, deps.settingsRepo, rolePolicy, alloc, orders, deps.ttl, nil)
	payments := payment.NewProcessor(payment.Deps{
		Slots:    deps.slots,
		Units:    deps.units,
		Settings: deps.settingsRepo,
		Policy:   rolePolicy,
		Alloc:    alloc,
		Ledger:   orders,
		Store:    deps.ttl,
		Signer:   signer,
		Events:   emitter,
	}, payment.WithRetry(payment.DefaultRetryConfig()))

	breaker := payment.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("component", "provider-feed-breaker"))
	recon := reconcile.NewWorker(deps.providerFeed, orders, deps.settingsRepo, payments,
		reconcile.WithMetrics(m),
		reconcile.WithThrottle(deps.ttl),
		reconcile.WithCircuitBreaker(breaker),
		reconcile.WithInterval(cfg.ReconcileInterval),
		reconcile.WithLimit(cfg.ReconcileLimit),
	)
	runner := expiry.NewRunner(alloc, deps.units, deps.settingsRepo, deps.ttl, emitter,
		expiry.WithMetrics(m),
		expiry.WithInterval(cfg.ExpiryInterval),
		expiry.WithBatchSize(cfg.ExpiryBatchSize),
	)

	return &services{
		registry:  reg,
		alloc:     alloc,
		ledger:    orders,
		checkout:  co,
		payments:  payments,
		reconcile: recon,
		expiry:    runner,
		auth:      auth,
		breaker:   breaker,
		admin: admin.New(admin.Deps{
			Policy:    rolePolicy,
			Registry:  reg,
			Alloc:     alloc,
			Ledger:    orders,
			Reconcile: recon,
			Expiry:    runner,
			Settings:  deps.settingsRepo,
		}),
	}, nil
}

// Run поднимает хранилища, фоновые воркеры, gRPC, HTTP API и сервер метрик.
// Завершается при отмене ctx или падении одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithFields(log.Fields{"component": "app", "version": version.Current().Short()})

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	if err := applySettingsOverrides(ctx, deps.settingsRepo, cfg.Settings, logger); err != nil {
		return err
	}

	svc, err := buildServices(cfg, deps, logger)
	if err != nil {
		return err
	}

	producer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("continuing without kafka")
	}
	defer closeKafka(producer, logger)

	notify, err := initNotifier(cfg, producer, logger)
	if err != nil {
		return err
	}
	defer notify.close()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer shutdownWorkers(cancelWorkers, &workers, logger)

	startWorker(workerCtx, &workers, svc.reconcile.Run)
	startWorker(workerCtx, &workers, svc.expiry.Run)
	startWorker(workerCtx, &workers, idempotency.NewSweeper(deps.adminCalls,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	).Run)
	if notify.publisher != nil {
		options := []outbox.Option{
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		}
		if notify.dlq != nil {
			options = append(options, outbox.WithDLQPublisher(notify.dlq))
		}
		startWorker(workerCtx, &workers, outbox.NewWorker(deps.outboxRepo, notify.publisher, options...).Run)
	}

	consumer, err := initProviderConsumer(cfg, producer, svc.payments, logger)
	if err != nil {
		logger.WithError(err).Warn("provider events consumer disabled")
	}
	if consumer != nil {
		startWorker(workerCtx, &workers, consumer.Run)
	}

	healthHandler := health.NewHandler(version.Current().Short())
	for name, checker := range deps.checkers {
		healthHandler.Register(name, checker)
	}
	healthHandler.Register("reservations", health.NewReservationStoreChecker(deps.ttl))
	healthHandler.RegisterOptional("outbox", health.NewOutboxChecker(deps.outboxRepo, cfg.OutboxMaxPending, cfg.OutboxMaxAge))
	healthHandler.RegisterOptional("expiry", health.NewExpiryLagChecker(deps.units, 2*cfg.ExpiryInterval))
	healthHandler.RegisterOptional("provider_feed", health.NewBreakerChecker(svc.breaker))

	grpcServer, healthServer := newGRPCServer(svc, deps, logger)

	api := httpapi.New(httpapi.Deps{
		Registry:      svc.registry,
		Checkout:      svc.checkout,
		Payments:      svc.payments,
		Admin:         svc.admin,
		Auth:          svc.auth,
		WebhookSecret: cfg.WebhookSecret,
		Health:        healthHandler,
		Logger:        logger.WithField("layer", "http"),
	})

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := api.Start(cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopGRPC(grpcServer, logger)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http api shutdown with error")
	}
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// newGRPCServer регистрирует админский сервис и health. Сообщения идут
// JSON-кодеком без protobuf-дескрипторов, reflection не регистрируется;
// клиенты берут типы из пакета grpcsvc.
func newGRPCServer(svc *services, deps *runtimeDependencies, logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	adminServer := grpcsvc.NewAdminServer(svc.admin, svc.auth, deps.adminCalls, logger.WithField("layer", "grpc"))
	grpcsvc.RegisterAdminServiceServer(grpcServer, adminServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return grpcServer, healthServer
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startWorker запускает фоновый цикл до отмены ctx.
func startWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

// shutdownWorkers отменяет контекст воркеров и ждёт их завершения.
func shutdownWorkers(cancel context.CancelFunc, wg *sync.WaitGroup, logger *log.Entry) {
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("background workers stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("timeout waiting for background workers")
	}
}

// opsMux — служебные маршруты: /metrics для Prometheus и пробы kubelet.
func opsMux(healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", healthHandler)
	mux.HandleFunc("GET /livez", health.LivenessHandler)
	mux.HandleFunc("GET /readyz", healthHandler.ReadinessHandler)
	return mux
}

// startMetricsServer поднимает opsMux на отдельном адресе и гасит его при отмене ctx.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *health.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: opsMux(healthHandler), ReadHeaderTimeout: shutdownTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
