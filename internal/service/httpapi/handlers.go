package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/policy"
	"github.com/vladislavdragonenkov/adslots/internal/service/checkout"
	"github.com/vladislavdragonenkov/adslots/internal/service/payment"
)

// ReserveBody — тело запроса резервации. Место и позиция берутся из пути.
type ReserveBody struct {
	PlanType       domain.PlanType    `json:"plan_type"`
	DurationMonths int                `json:"duration"`
	ColorKey       string             `json:"color_key,omitempty"`
	PaymentMethod  string             `json:"payment_method,omitempty"`
	Content        domain.UnitContent `json:"content"`
}

// ReserveResponse — ответ на успешную резервацию.
type ReserveResponse struct {
	Token     string                `json:"token"`
	UnitID    int64                 `json:"unit_id"`
	OrderID   int64                 `json:"order_id"`
	Price     domain.PriceBreakdown `json:"price"`
	Total     decimal.Decimal       `json:"total"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// EventBody — webhook провайдера.
type EventBody struct {
	Event        string               `json:"event"`
	AttemptToken string               `json:"attempt_token,omitempty"`
	Order        domain.ProviderOrder `json:"order"`
}

// PaymentMethodsBody — запрос фильтра способов оплаты.
type PaymentMethodsBody struct {
	Methods   []string `json:"methods"`
	OrderType string   `json:"order_type"`
	SlotID    int64    `json:"slot_id,omitempty"`
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

func (s *Server) listSlots(c echo.Context) error {
	slots, err := s.registry.List(c.Request().Context(), true)
	if err != nil {
		return err
	}
	out := make([]domain.PublicSlot, 0, len(slots))
	for _, slot := range slots {
		out = append(out, slot.Public())
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": out})
}

func (s *Server) slotUnits(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	units, err := s.registry.PublicUnits(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"slot_id": id, "units": units})
}

func (s *Server) quote(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	req := checkout.QuoteRequest{SlotID: id}
	var planType string
	if err := echo.QueryParamsBinder(c).
		String("plan_type", &planType).
		Int("duration", &req.DurationMonths).
		String("color_key", &req.ColorKey).
		Int("unit_key", &req.PositionKey).
		BindError(); err != nil {
		return domain.NewValidationError("query", err.Error())
	}
	req.PlanType = domain.PlanType(planType)

	price, err := s.checkout.Quote(c.Request().Context(), principalFrom(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, price)
}

func (s *Server) reserve(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	key, err := strconv.Atoi(c.Param("key"))
	if err != nil {
		return domain.NewValidationError("key", "must be an integer")
	}
	var body ReserveBody
	if err := c.Bind(&body); err != nil {
		return domain.NewValidationError("body", "invalid json")
	}

	res, err := s.checkout.Reserve(c.Request().Context(), principalFrom(c), checkout.ReserveRequest{
		QuoteRequest: checkout.QuoteRequest{
			SlotID:         id,
			PositionKey:    key,
			PlanType:       body.PlanType,
			DurationMonths: body.DurationMonths,
			ColorKey:       body.ColorKey,
		},
		Content:       body.Content,
		PaymentMethod: body.PaymentMethod,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ReserveResponse{
		Token:     res.Claims.TokenID,
		UnitID:    res.Unit.ID,
		OrderID:   res.OrderID,
		Price:     res.Claims.Price,
		Total:     res.Claims.Price.Total,
		ExpiresAt: time.Unix(res.Claims.ExpiresAt, 0).UTC(),
	})
}

func (s *Server) intent(c echo.Context) error {
	var req payment.IntentRequest
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("body", "invalid json")
	}
	if strings.TrimSpace(req.AttemptToken) == "" {
		return domain.NewValidationError("token", "is required")
	}
	payload, err := s.payments.PrepareIntent(c.Request().Context(), principalFrom(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

// providerEvent принимает webhook провайдера. Неизвестные события
// подтверждаются без обработки, чтобы провайдер не повторял их.
func (s *Server) providerEvent(c echo.Context) error {
	if !policy.WebhookSecretValid(s.webhookSecret, c.Request().Header.Get(webhookSecretHeader)) {
		return domain.ErrUnauthenticated
	}
	var body EventBody
	if err := c.Bind(&body); err != nil {
		return domain.NewValidationError("body", "invalid json")
	}
	kind, ok := domain.NormalizeEventKind(body.Event)
	if !ok {
		s.logger.WithField("event", body.Event).Debug("provider event ignored")
		return c.JSON(http.StatusOK, payment.Outcome{Skipped: "unknown_event"})
	}

	out, err := s.payments.Dispatch(c.Request().Context(), body.Order.Buyer(), domain.ProviderEvent{
		Kind:         kind,
		AttemptToken: strings.TrimSpace(body.AttemptToken),
		Order:        body.Order,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) paymentMethods(c echo.Context) error {
	var body PaymentMethodsBody
	if err := c.Bind(&body); err != nil {
		return domain.NewValidationError("body", "invalid json")
	}
	methods, err := s.payments.FilterPaymentMethods(c.Request().Context(), principalFrom(c), body.Methods, body.OrderType, body.SlotID, payment.FilterOptions{})
	if err != nil {
		return err
	}
	if methods == nil {
		methods = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{"methods": methods})
}
