// Package registry управляет рекламными местами и набором их позиций.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// ResizeReport описывает изменение набора позиций после правки места.
type ResizeReport struct {
	Created int `json:"created"`
	Deleted int `json:"deleted"`
	// Занятые позиции за пределами новой ёмкости, которые не удалены.
	Retained int `json:"retained"`
}

// Registry отвечает за CRUD рекламных мест с синхронизацией позиций.
type Registry struct {
	slots  domain.SlotRepository
	units  domain.UnitRepository
	logger *log.Entry
	now    func() time.Time
}

// New создаёт Registry.
func New(slots domain.SlotRepository, units domain.UnitRepository, logger *log.Entry) *Registry {
	if logger == nil {
		logger = log.WithField("component", "slot-registry")
	}
	return &Registry{
		slots:  slots,
		units:  units,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validate(slot *domain.Slot) error {
	slot.Normalize()
	if errs := slot.Validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrSlotInvalid, errors.Join(errs...))
	}
	return nil
}

// Create сохраняет место и создаёт по одной позиции на каждый ключ.
func (r *Registry) Create(ctx context.Context, slot domain.Slot) (domain.Slot, error) {
	slot.ID = 0
	if err := validate(&slot); err != nil {
		return domain.Slot{}, err
	}
	now := r.now()
	slot.CreatedAt, slot.UpdatedAt = now, now

	created, err := r.slots.Create(ctx, slot)
	if err != nil {
		return domain.Slot{}, err
	}
	n, err := r.units.EnsureUnits(ctx, created.ID, created.Capacity())
	if err != nil {
		return created, fmt.Errorf("create units for slot %d: %w", created.ID, err)
	}

	r.logger.WithFields(log.Fields{
		"slot_id": created.ID,
		"units":   n,
	}).Info("slot created")
	return created, nil
}

// Update сохраняет место и подгоняет позиции под новую ёмкость: при росте
// добавляет свободные, при уменьшении удаляет только свободные.
func (r *Registry) Update(ctx context.Context, slot domain.Slot) (domain.Slot, ResizeReport, error) {
	existing, err := r.slots.Get(ctx, slot.ID)
	if err != nil {
		return domain.Slot{}, ResizeReport{}, err
	}
	if err := validate(&slot); err != nil {
		return domain.Slot{}, ResizeReport{}, err
	}
	slot.CreatedAt = existing.CreatedAt
	slot.UpdatedAt = r.now()

	if err := r.slots.Update(ctx, slot); err != nil {
		return domain.Slot{}, ResizeReport{}, err
	}

	var report ResizeReport
	capacity := slot.Capacity()
	if report.Created, err = r.units.EnsureUnits(ctx, slot.ID, capacity); err != nil {
		return slot, report, fmt.Errorf("grow units for slot %d: %w", slot.ID, err)
	}
	if report.Deleted, err = r.units.DeleteAvailableFrom(ctx, slot.ID, capacity); err != nil {
		return slot, report, fmt.Errorf("shrink units for slot %d: %w", slot.ID, err)
	}

	units, err := r.units.ListBySlot(ctx, slot.ID)
	if err != nil {
		return slot, report, err
	}
	for _, u := range units {
		if u.PositionKey >= capacity {
			report.Retained++
		}
	}
	if report.Retained > 0 {
		r.logger.WithFields(log.Fields{
			"slot_id":  slot.ID,
			"retained": report.Retained,
		}).Warn("occupied units kept beyond new capacity")
	}
	return slot, report, nil
}

// Get возвращает место.
func (r *Registry) Get(ctx context.Context, id int64) (domain.Slot, error) {
	return r.slots.Get(ctx, id)
}

// List возвращает места по SortOrder.
func (r *Registry) List(ctx context.Context, enabledOnly bool) ([]domain.Slot, error) {
	return r.slots.List(ctx, enabledOnly)
}

// Delete удаляет место и его позиции. Журнал заказов не трогается.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if err := r.units.DeleteBySlot(ctx, id); err != nil {
		return fmt.Errorf("delete units of slot %d: %w", id, err)
	}
	if err := r.slots.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.WithField("slot_id", id).Info("slot deleted")
	return nil
}

// Units возвращает все позиции места для администратора.
func (r *Registry) Units(ctx context.Context, slotID int64) ([]domain.Unit, error) {
	if _, err := r.slots.Get(ctx, slotID); err != nil {
		return nil, err
	}
	return r.units.ListBySlot(ctx, slotID)
}

// PublicUnits возвращает витрину места: по одной записи на каждую позицию
// в пределах ёмкости. Отсутствующие строки показываются свободными.
func (r *Registry) PublicUnits(ctx context.Context, slotID int64) ([]domain.PublicUnit, error) {
	slot, err := r.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if !slot.Enabled {
		return nil, domain.ErrSlotDisabled
	}
	units, err := r.units.ListBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	byKey := make(map[int]domain.Unit, len(units))
	for _, u := range units {
		byKey[u.PositionKey] = u
	}
	out := make([]domain.PublicUnit, 0, slot.Capacity())
	for key := 0; key < slot.Capacity(); key++ {
		u, ok := byKey[key]
		if !ok {
			u = domain.NewAvailableUnit(slotID, key, now)
		}
		out = append(out, u.Public(now))
	}
	return out, nil
}
