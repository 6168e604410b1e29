// Package pricing считает цену покупки позиции. Расчёт детерминирован и
// повторяется на сервере в каждой точке, где нужна цена.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// Request содержит входные данные расчёта.
type Request struct {
	PlanType       domain.PlanType
	DurationMonths int
	ColorKey       string
	PositionKey    int
}

// Calculate возвращает разбивку цены для места и параметров покупки.
func Calculate(slot domain.Slot, req Request) (domain.PriceBreakdown, error) {
	if req.DurationMonths < domain.MinDurationMonths || req.DurationMonths > domain.MaxDurationMonths {
		return domain.PriceBreakdown{}, domain.ErrInvalidDuration
	}

	months := decimal.NewFromInt(int64(req.DurationMonths))

	var base decimal.Decimal
	switch req.PlanType {
	case domain.PlanTypePackage:
		pkg, ok := slot.FindPackage(req.DurationMonths)
		if !ok || !pkg.Price.IsPositive() {
			return domain.PriceBreakdown{}, domain.ErrPlanNotFound
		}
		base = pkg.Price
	case domain.PlanTypeCustom:
		if !slot.SingleMonthRate.IsPositive() {
			return domain.PriceBreakdown{}, domain.ErrRateNotConfigured
		}
		base = slot.SingleMonthRate.Mul(months)
	default:
		return domain.PriceBreakdown{}, domain.ErrInvalidPlanType
	}

	color := decimal.Zero
	if req.ColorKey != "" && req.ColorKey != domain.ColorDefault {
		if opt, ok := slot.FindColor(req.ColorKey); ok {
			color = opt.Price
		}
	}

	diff := positionDiff(slot, req.PositionKey, months)

	total := base.Add(color).Add(diff)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.PriceBreakdown{
		Base:         base.Round(2),
		Color:        color.Round(2),
		PositionDiff: diff.Round(2),
		Total:        total.Round(2),
	}, nil
}

// positionDiff: amount × position × months, со знаком минус для decrement
// (направление по умолчанию). Первая позиция не меняется.
func positionDiff(slot domain.Slot, key int, months decimal.Decimal) decimal.Decimal {
	cfg := slot.PositionDiff
	if !slot.IsCarousel() || !cfg.Enabled || key <= 0 || !cfg.Amount.IsPositive() {
		return decimal.Zero
	}
	diff := cfg.Amount.Mul(decimal.NewFromInt(int64(key))).Mul(months)
	if cfg.Direction != domain.PositionDiffIncrement {
		diff = diff.Neg()
	}
	return diff
}
