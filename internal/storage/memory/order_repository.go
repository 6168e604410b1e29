package memory

import (
	"cmp"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type deniedRef struct {
	ref     string
	deleted time.Time
}

// orderRepositoryInMemory — простая in-memory реализация журнала заказов.
type orderRepositoryInMemory struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]domain.Order
	refs   map[string]int64
	denied []deniedRef
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[int64]domain.Order),
		refs:  make(map[string]int64),
	}
}

// Insert сохраняет новую запись. Внешняя ссылка уникальна, как в Postgres.
func (r *orderRepositoryInMemory) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ExternalRef != "" {
		if _, exists := r.refs[order.ExternalRef]; exists {
			return domain.Order{}, domain.ErrExternalRefConflict
		}
	}
	r.nextID++
	order.ID = r.nextID
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	r.items[order.ID] = order
	if order.ExternalRef != "" {
		r.refs[order.ExternalRef] = order.ID
	}
	return order, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (r *orderRepositoryInMemory) GetByExternalRef(_ context.Context, ref string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.refs[ref]
	if !ok || ref == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.items[id], nil
}

func (r *orderRepositoryInMemory) FindPendingByAttemptToken(_ context.Context, token string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.latestLocked(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.AttemptToken == token
	})
}

func (r *orderRepositoryInMemory) FindLatestPending(_ context.Context, unitID, slotID int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.latestLocked(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.UnitID == unitID && o.SlotID == slotID
	})
}

func (r *orderRepositoryInMemory) latestLocked(match func(domain.Order) bool) (domain.Order, error) {
	var (
		found domain.Order
		ok    bool
	)
	for _, o := range r.items {
		if match(o) && (!ok || o.ID > found.ID) {
			found, ok = o, true
		}
	}
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return found, nil
}

// Update перезаписывает заказ, если текущий статус равен expected (compare-and-set).
func (r *orderRepositoryInMemory) Update(_ context.Context, order domain.Order, expected domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Status != expected {
		return domain.ErrOrderTransition
	}
	if order.ExternalRef != current.ExternalRef && order.ExternalRef != "" {
		if owner, exists := r.refs[order.ExternalRef]; exists && owner != order.ID {
			return domain.ErrExternalRefConflict
		}
		delete(r.refs, current.ExternalRef)
		r.refs[order.ExternalRef] = order.ID
	}
	order.CreatedAt = current.CreatedAt
	r.items[order.ID] = order
	return nil
}

// Query фильтрует, сортирует и режет журнал на страницы.
func (r *orderRepositoryInMemory) Query(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := filter.Normalize()
	matched := make([]domain.Order, 0)
	for _, o := range r.items {
		if f.Matches(o) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		c := compareOrders(matched[i], matched[j], f.OrderBy)
		if c == 0 {
			c = cmp.Compare(matched[i].ID, matched[j].ID)
		}
		if f.Asc {
			return c < 0
		}
		return c > 0
	})

	total := len(matched)
	start := f.Offset()
	if start >= total {
		return []domain.Order{}, total, nil
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// CountByStatus считает заказы по статусам с теми же фильтрами, кроме статуса.
func (r *orderRepositoryInMemory) CountByStatus(_ context.Context, filter domain.OrderFilter) (domain.StatusCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := filter.Normalize()
	f.Status = ""
	counts := make(domain.StatusCounts)
	for _, o := range r.items {
		if f.Matches(o) {
			counts[o.Status]++
		}
	}
	return counts, nil
}

// Delete удаляет запись и запоминает внешнюю ссылку в deny-list.
func (r *orderRepositoryInMemory) Delete(_ context.Context, id int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	delete(r.items, id)
	if order.ExternalRef != "" {
		delete(r.refs, order.ExternalRef)
		r.denied = append(r.denied, deniedRef{ref: order.ExternalRef, deleted: time.Now().UTC()})
	}
	return order, nil
}

func (r *orderRepositoryInMemory) IsDenied(_ context.Context, ref string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.denied {
		if d.ref == ref {
			return true, nil
		}
	}
	return false, nil
}

// DeniedRefs возвращает последние limit ссылок, при limit <= 0 все.
func (r *orderRepositoryInMemory) DeniedRefs(_ context.Context, limit int) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.denied
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make(map[string]struct{}, len(entries))
	for _, d := range entries {
		result[d.ref] = struct{}{}
	}
	return result, nil
}

func (r *orderRepositoryInMemory) MarkTimedOut(_ context.Context, before, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, o := range r.items {
		if o.Status != domain.OrderStatusPending || !o.CreatedAt.Before(before) {
			continue
		}
		if err := o.Transition(domain.OrderStatusTimeout, now); err != nil {
			return n, err
		}
		r.items[id] = o
		n++
	}
	return n, nil
}

func (r *orderRepositoryInMemory) KnownExternalRefs(_ context.Context, refs []string) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := make(map[string]struct{})
	for _, ref := range refs {
		if _, ok := r.refs[ref]; ok {
			known[ref] = struct{}{}
		}
	}
	return known, nil
}

func compareOrders(a, b domain.Order, orderBy string) int {
	switch orderBy {
	case domain.OrderByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case domain.OrderByPaidAt:
		return a.PaidAt.Compare(b.PaidAt)
	case domain.OrderByTotalPrice:
		return a.Price.Total.Cmp(b.Price.Total)
	default:
		return cmp.Compare(a.ID, b.ID)
	}
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
