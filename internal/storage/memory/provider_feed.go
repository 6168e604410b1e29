package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// ProviderFeed — in-memory лента заказов провайдера. В деплое без
// Postgres её наполняет обработчик webhook, в тестах сами тесты.
type ProviderFeed struct {
	mu     sync.RWMutex
	orders map[string]domain.ProviderOrder
}

// NewProviderFeed создаёт пустую ленту.
func NewProviderFeed() *ProviderFeed {
	return &ProviderFeed{orders: make(map[string]domain.ProviderOrder)}
}

// Upsert добавляет или заменяет заказ по ID.
func (f *ProviderFeed) Upsert(_ context.Context, order domain.ProviderOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.orders[order.ID] = order
	return nil
}

// ListPaid возвращает оплаченные заказы типа orderType от новых к старым.
func (f *ProviderFeed) ListPaid(_ context.Context, orderType string, offset, limit int) ([]domain.ProviderOrder, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	paid := make([]domain.ProviderOrder, 0, len(f.orders))
	for _, o := range f.orders {
		if o.Status == domain.ProviderStatusPaid && o.OrderType == orderType {
			paid = append(paid, o)
		}
	}
	sort.Slice(paid, func(i, j int) bool {
		if !paid[i].PaidAt.Equal(paid[j].PaidAt) {
			return paid[i].PaidAt.After(paid[j].PaidAt)
		}
		return paid[i].ID > paid[j].ID
	})

	if offset >= len(paid) {
		return []domain.ProviderOrder{}, nil
	}
	paid = paid[offset:]
	if limit > 0 && len(paid) > limit {
		paid = paid[:limit]
	}
	return paid, nil
}

var _ domain.ProviderOrderStore = (*ProviderFeed)(nil)
