package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// ErrorBody — тело ответа с ошибкой. Code стабилен и не зависит от текста.
type ErrorBody struct {
	Code              string     `json:"code"`
	Message           string     `json:"message"`
	Field             string     `json:"field,omitempty"`
	RetryAfterMinutes int        `json:"retry_after_minutes,omitempty"`
	OccupiedUntil     *time.Time `json:"occupied_until,omitempty"`
}

type errorRule struct {
	err    error
	status int
	code   string
}

// Порядок важен: первая совпавшая ошибка задаёт ответ.
var errorRules = []errorRule{
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrPurchasePaused, http.StatusForbidden, "purchase_paused"},
	{domain.ErrGuestPurchaseDisabled, http.StatusForbidden, "guest_purchase_disabled"},
	{domain.ErrSignatureInvalid, http.StatusForbidden, "signature_invalid"},
	{domain.ErrSlotDisabled, http.StatusForbidden, "slot_disabled"},
	{domain.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
	{domain.ErrUnitNotFound, http.StatusNotFound, "unit_not_found"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrOrderExpired, http.StatusGone, "order_expired"},
	{domain.ErrUnitAlreadyPaid, http.StatusConflict, "unit_already_paid"},
	{domain.ErrUnitUnavailable, http.StatusConflict, "unit_unavailable"},
	{domain.ErrDenyListed, http.StatusConflict, "deny_listed"},
	{domain.ErrExternalRefConflict, http.StatusConflict, "external_ref_conflict"},
	{domain.ErrOrderMismatch, http.StatusBadRequest, "order_mismatch"},
	{domain.ErrValidation, http.StatusUnprocessableEntity, "validation_failed"},
	{domain.ErrInvalidPosition, http.StatusUnprocessableEntity, "invalid_position"},
	{domain.ErrInvalidDuration, http.StatusUnprocessableEntity, "invalid_duration"},
	{domain.ErrInvalidPlanType, http.StatusUnprocessableEntity, "invalid_plan_type"},
	{domain.ErrPlanNotFound, http.StatusUnprocessableEntity, "plan_not_found"},
	{domain.ErrRateNotConfigured, http.StatusUnprocessableEntity, "rate_not_configured"},
	{domain.ErrPriceInvalid, http.StatusUnprocessableEntity, "price_invalid"},
	{domain.ErrInvalidPaymentMethod, http.StatusUnprocessableEntity, "invalid_payment_method"},
	{domain.ErrExternalRefRequired, http.StatusUnprocessableEntity, "external_ref_required"},
}

// toResponse переводит ошибку в HTTP-статус и тело.
func toResponse(err error) (int, ErrorBody) {
	var locked *domain.UnitLockedError
	if errors.As(err, &locked) {
		return http.StatusConflict, ErrorBody{
			Code:              "unit_locked",
			Message:           locked.Error(),
			RetryAfterMinutes: locked.WaitMinutes(),
		}
	}
	var occupied *domain.UnitOccupiedError
	if errors.As(err, &occupied) {
		until := occupied.Until.UTC()
		return http.StatusConflict, ErrorBody{
			Code:          "unit_occupied",
			Message:       occupied.Error(),
			OccupiedUntil: &until,
		}
	}
	if errors.Is(err, domain.ErrUnitLocked) {
		return http.StatusConflict, ErrorBody{Code: "unit_locked", Message: err.Error(), RetryAfterMinutes: 1}
	}
	if errors.Is(err, domain.ErrUnitOccupied) {
		return http.StatusConflict, ErrorBody{Code: "unit_occupied", Message: err.Error()}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, ErrorBody{Code: "http_error", Message: msg}
	}

	for _, rule := range errorRules {
		if !errors.Is(err, rule.err) {
			continue
		}
		body := ErrorBody{Code: rule.code, Message: err.Error()}
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
		return rule.status, body
	}
	return http.StatusInternalServerError, ErrorBody{Code: "internal", Message: "internal error"}
}

// errorHandler заменяет echo.DefaultHTTPErrorHandler.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := toResponse(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": c.Request().Method,
		"path":   c.Path(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to write error response")
	}
}
