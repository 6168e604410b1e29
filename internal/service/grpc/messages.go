package grpcsvc

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/expiry"
	"github.com/vladislavdragonenkov/adslots/internal/service/reconcile"
	"github.com/vladislavdragonenkov/adslots/internal/service/registry"
)

// Empty используется для запросов без параметров.
type Empty struct{}

// IDRequest адресует место, позицию или заказ по id.
type IDRequest struct {
	ID int64 `json:"id"`
}

type SlotRequest struct {
	Slot domain.Slot `json:"slot"`
}

type SlotResponse struct {
	Slot domain.Slot `json:"slot"`
}

type UpdateSlotResponse struct {
	Slot   domain.Slot           `json:"slot"`
	Resize registry.ResizeReport `json:"resize"`
}

type ListSlotsRequest struct {
	EnabledOnly bool `json:"enabled_only"`
}

type ListSlotsResponse struct {
	Slots []domain.Slot `json:"slots"`
}

type ListUnitsResponse struct {
	Units []domain.Unit `json:"units"`
}

type TimelineResponse struct {
	Events []domain.UnitEvent `json:"events"`
}

// ConfirmPaidRequest — ручное подтверждение оплаты. Content nil сохраняет
// текущее содержимое позиции.
type ConfirmPaidRequest struct {
	UnitID         int64               `json:"unit_id"`
	OrderRef       string              `json:"order_ref"`
	OrderNumber    string              `json:"order_number,omitempty"`
	DurationMonths int                 `json:"duration_months"`
	Price          decimal.Decimal     `json:"price"`
	Content        *domain.UnitContent `json:"content,omitempty"`
}

type ReleaseUnitRequest struct {
	UnitID int64 `json:"unit_id"`
	Clear  bool  `json:"clear"`
}

type UnitResponse struct {
	Unit    domain.Unit `json:"unit"`
	Changed bool        `json:"changed"`
}

type QueryOrdersRequest struct {
	Filter domain.OrderFilter `json:"filter"`
}

type OrderPageResponse struct {
	Page domain.OrderPage `json:"page"`
}

type CountOrdersResponse struct {
	Counts domain.StatusCounts `json:"counts"`
	Total  int                 `json:"total"`
}

type OrderResponse struct {
	Order domain.Order `json:"order"`
}

type RunReconcileRequest struct {
	Limit int `json:"limit"`
}

type ReconcileResponse struct {
	Report reconcile.Report `json:"report"`
}

type ExpiryResponse struct {
	Report expiry.Report `json:"report"`
}

type SettingsRequest struct {
	Settings domain.Settings `json:"settings"`
}

type SettingsResponse struct {
	Settings domain.Settings `json:"settings"`
}

// DeleteResponse подтверждает удаление.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}
