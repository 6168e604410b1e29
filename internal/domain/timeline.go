package domain

import "time"

// Типы событий в истории позиции.
const (
	UnitEventReserved       = "reserved"
	UnitEventPaid           = "paid"
	UnitEventReleased       = "released"
	UnitEventExpired        = "expired"
	UnitEventLazyExpired    = "lazy_expired"
	UnitEventPendingTimeout = "pending_timeout"
)

// UnitEvent описывает переход в жизненном цикле позиции.
type UnitEvent struct {
	UnitID      int64      `json:"unit_id"`
	SlotID      int64      `json:"slot_id"`
	PositionKey int        `json:"position_key"`
	Type        string     `json:"type"`
	From        UnitStatus `json:"from"`
	To          UnitStatus `json:"to"`
	OrderRef    string     `json:"order_ref,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Occurred    time.Time  `json:"occurred"`
}
