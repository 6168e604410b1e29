package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type positionKey struct {
	slotID int64
	key    int
}

// unitRepositoryInMemory хранит позиции. Один мьютекс сериализует все
// мутации, поэтому read-modify-write атомарен так же, как SELECT ... FOR UPDATE.
type unitRepositoryInMemory struct {
	mu         sync.RWMutex
	nextID     int64
	items      map[int64]domain.Unit
	byPosition map[positionKey]int64
}

// NewUnitRepository возвращает in-memory реализацию UnitRepository.
func NewUnitRepository() domain.UnitRepository {
	return &unitRepositoryInMemory{
		items:      make(map[int64]domain.Unit),
		byPosition: make(map[positionKey]int64),
	}
}

// MutateByPosition применяет fn к позиции, создавая её при отсутствии.
// Созданная строка сохраняется, даже если fn отказался от записи.
func (r *unitRepositoryInMemory) MutateByPosition(_ context.Context, slotID int64, key int, fn domain.UnitMutation) (domain.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPosition[positionKey{slotID, key}]
	if !ok {
		id = r.insertLocked(domain.NewAvailableUnit(slotID, key, time.Now().UTC()))
	}
	return r.applyLocked(id, fn)
}

func (r *unitRepositoryInMemory) MutateByID(_ context.Context, id int64, fn domain.UnitMutation) (domain.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return r.applyLocked(id, fn)
}

func (r *unitRepositoryInMemory) applyLocked(id int64, fn domain.UnitMutation) (domain.Unit, error) {
	current := r.items[id]
	working := current
	commit, err := fn(&working)
	if err != nil {
		return current, err
	}
	if !commit {
		return current, nil
	}
	if err := working.CheckInvariants(); err != nil {
		return current, err
	}
	working.ID, working.SlotID, working.PositionKey = current.ID, current.SlotID, current.PositionKey
	r.items[id] = working
	return working, nil
}

func (r *unitRepositoryInMemory) insertLocked(u domain.Unit) int64 {
	r.nextID++
	u.ID = r.nextID
	r.items[u.ID] = u
	r.byPosition[positionKey{u.SlotID, u.PositionKey}] = u.ID
	return u.ID
}

func (r *unitRepositoryInMemory) Get(_ context.Context, id int64) (domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.items[id]
	if !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return u, nil
}

func (r *unitRepositoryInMemory) GetByPosition(_ context.Context, slotID int64, key int) (domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPosition[positionKey{slotID, key}]
	if !ok {
		return domain.Unit{}, domain.ErrUnitNotFound
	}
	return r.items[id], nil
}

// ListBySlot возвращает позиции места по возрастанию ключа.
func (r *unitRepositoryInMemory) ListBySlot(_ context.Context, slotID int64) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filterLocked(0, func(u domain.Unit) bool { return u.SlotID == slotID }, func(a, b domain.Unit) bool {
		return a.PositionKey < b.PositionKey
	}), nil
}

func (r *unitRepositoryInMemory) EnsureUnits(_ context.Context, slotID int64, capacity int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	created := 0
	for key := 0; key < capacity; key++ {
		if _, ok := r.byPosition[positionKey{slotID, key}]; ok {
			continue
		}
		r.insertLocked(domain.NewAvailableUnit(slotID, key, now))
		created++
	}
	return created, nil
}

func (r *unitRepositoryInMemory) DeleteAvailableFrom(_ context.Context, slotID int64, fromKey int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, u := range r.items {
		if u.SlotID != slotID || u.PositionKey < fromKey || u.Status != domain.UnitStatusAvailable {
			continue
		}
		delete(r.items, id)
		delete(r.byPosition, positionKey{u.SlotID, u.PositionKey})
		deleted++
	}
	return deleted, nil
}

func (r *unitRepositoryInMemory) DeleteBySlot(_ context.Context, slotID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.items {
		if u.SlotID == slotID {
			delete(r.items, id)
			delete(r.byPosition, positionKey{u.SlotID, u.PositionKey})
		}
	}
	return nil
}

func (r *unitRepositoryInMemory) ListPaidDue(_ context.Context, now time.Time, limit int) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filterLocked(limit, func(u domain.Unit) bool { return u.PaidDue(now) }, byEndsAt), nil
}

func (r *unitRepositoryInMemory) ListPendingLapsed(_ context.Context, now time.Time, limit int) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filterLocked(limit, func(u domain.Unit) bool { return u.PendingLapsed(now) }, func(a, b domain.Unit) bool {
		return a.PendingExpiresAt.Before(b.PendingExpiresAt)
	}), nil
}

// ListPaidEndingBetween возвращает оплаченные позиции с окончанием в (from, to].
func (r *unitRepositoryInMemory) ListPaidEndingBetween(_ context.Context, from, to time.Time, limit int) ([]domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filterLocked(limit, func(u domain.Unit) bool {
		return u.Status == domain.UnitStatusPaid && u.EndsAt.After(from) && !u.EndsAt.After(to)
	}, byEndsAt), nil
}

func (r *unitRepositoryInMemory) filterLocked(limit int, keep func(domain.Unit) bool, less func(a, b domain.Unit) bool) []domain.Unit {
	result := make([]domain.Unit, 0)
	for _, u := range r.items {
		if keep(u) {
			result = append(result, u)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if less(result[i], result[j]) {
			return true
		}
		if less(result[j], result[i]) {
			return false
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func byEndsAt(a, b domain.Unit) bool { return a.EndsAt.Before(b.EndsAt) }

var _ domain.UnitRepository = (*unitRepositoryInMemory)(nil)
