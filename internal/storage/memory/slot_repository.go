package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// slotRepositoryInMemory хранит рекламные места в памяти.
type slotRepositoryInMemory struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]domain.Slot
}

// NewSlotRepository возвращает in-memory реализацию SlotRepository.
func NewSlotRepository() domain.SlotRepository {
	return &slotRepositoryInMemory{items: make(map[int64]domain.Slot)}
}

// Create присваивает ID и сохраняет место.
func (r *slotRepositoryInMemory) Create(_ context.Context, slot domain.Slot) (domain.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	slot.ID = r.nextID
	now := time.Now().UTC()
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = now
	}
	slot.UpdatedAt = now
	r.items[slot.ID] = cloneSlot(slot)
	return cloneSlot(slot), nil
}

func (r *slotRepositoryInMemory) Update(_ context.Context, slot domain.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[slot.ID]
	if !ok {
		return domain.ErrSlotNotFound
	}
	slot.CreatedAt = current.CreatedAt
	slot.UpdatedAt = time.Now().UTC()
	r.items[slot.ID] = cloneSlot(slot)
	return nil
}

func (r *slotRepositoryInMemory) Get(_ context.Context, id int64) (domain.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.items[id]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	return cloneSlot(slot), nil
}

// List возвращает места в порядке SortOrder, затем ID.
func (r *slotRepositoryInMemory) List(_ context.Context, enabledOnly bool) ([]domain.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Slot, 0, len(r.items))
	for _, slot := range r.items {
		if enabledOnly && !slot.Enabled {
			continue
		}
		result = append(result, cloneSlot(slot))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder != result[j].SortOrder {
			return result[i].SortOrder < result[j].SortOrder
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *slotRepositoryInMemory) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return domain.ErrSlotNotFound
	}
	delete(r.items, id)
	return nil
}

// cloneSlot отвязывает срезы от вызывающего кода.
func cloneSlot(s domain.Slot) domain.Slot {
	s.Packages = append([]domain.PricingPackage(nil), s.Packages...)
	s.ColorOptions = append([]domain.ColorOption(nil), s.ColorOptions...)
	s.PaymentMethods = append([]string(nil), s.PaymentMethods...)
	return s
}

var _ domain.SlotRepository = (*slotRepositoryInMemory)(nil)
