// Package httpapi реализует публичный HTTP-интерфейс: витрина мест, расчёт цены,
// резервация и входящие запросы платёжного провайдера.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/health"
	"github.com/vladislavdragonenkov/adslots/internal/policy"
	"github.com/vladislavdragonenkov/adslots/internal/service/admin"
	"github.com/vladislavdragonenkov/adslots/internal/service/checkout"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
	"github.com/vladislavdragonenkov/adslots/internal/service/registry"
)

const (
	principalKey        = "principal"
	webhookSecretHeader = "X-Webhook-Secret"
	bodyLimit           = "1M"
)

// Deps — зависимости HTTP-сервера. Admin и Health необязательны.
type Deps struct {
	Registry      *registry.Registry
	Checkout      *checkout.Service
	Payments      *payment.Processor
	Admin         *admin.Service
	Auth          *policy.Authenticator
	WebhookSecret string
	Health        *health.Handler
	Logger        *log.Entry
}

// Server оборачивает echo-приложение с маршрутами API.
type Server struct {
	echo          *echo.Echo
	registry      *registry.Registry
	checkout      *checkout.Service
	payments      *payment.Processor
	admin         *admin.Service
	auth          *policy.Authenticator
	webhookSecret string
	logger        *log.Entry
}

// New собирает сервер и регистрирует маршруты.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		registry:      deps.Registry,
		checkout:      deps.Checkout,
		payments:      deps.Payments,
		admin:         deps.Admin,
		auth:          deps.Auth,
		webhookSecret: deps.WebhookSecret,
		logger:        logger,
	}
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(s.requestLogger)

	s.routes(deps.Health)
	return s
}

func (s *Server) routes(h *health.Handler) {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/livez", echo.WrapHandler(http.HandlerFunc(health.LivenessHandler)))
	if h != nil {
		s.echo.GET("/healthz", echo.WrapHandler(h))
		s.echo.GET("/readyz", echo.WrapHandler(http.HandlerFunc(h.ReadinessHandler)))
	}

	api := s.echo.Group("/api", s.authenticate)
	api.GET("/slots", s.listSlots)
	api.GET("/slots/:id/units", s.slotUnits)
	api.GET("/slots/:id/quote", s.quote)
	api.POST("/slots/:id/units/:key/reserve", s.reserve)

	provider := api.Group("/provider")
	provider.POST("/intent", s.intent)
	provider.POST("/events", s.providerEvent)
	provider.POST("/payment-methods", s.paymentMethods)
}

// Handler возвращает http.Handler для тестов и встраивания.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start слушает addr до Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("http server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// authenticate кладёт субъекта в контекст. Пустой заголовок означает гостя,
// битый токен даёт 401. Запрос администратора запускает сверку в фоне.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := domain.Guest()
		if s.auth != nil {
			var err error
			p, err = s.auth.FromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
		}
		c.Set(principalKey, p)
		if s.admin != nil && p.IsAdmin() {
			s.admin.Nudge(c.Request().Context(), p)
		}
		return next(c)
	}
}

func principalFrom(c echo.Context) domain.Principal {
	if p, ok := c.Get(principalKey).(domain.Principal); ok {
		return p
	}
	return domain.Guest()
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.WithFields(log.Fields{
			"method":      c.Request().Method,
			"path":        c.Path(),
			"status":      c.Response().Status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
		return nil
	}
}
