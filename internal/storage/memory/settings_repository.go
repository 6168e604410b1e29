package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// settingsRepositoryInMemory хранит настройки продаж.
type settingsRepositoryInMemory struct {
	mu       sync.RWMutex
	settings domain.Settings
	saved    bool
}

// NewSettingsRepository возвращает in-memory хранилище настроек.
// До первого Save отдаются значения по умолчанию.
func NewSettingsRepository() domain.SettingsRepository {
	return &settingsRepositoryInMemory{}
}

func (r *settingsRepositoryInMemory) Get(_ context.Context) (domain.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.saved {
		return domain.DefaultSettings(), nil
	}
	s := r.settings
	s.PaymentMethods = append([]string(nil), s.PaymentMethods...)
	return s, nil
}

func (r *settingsRepositoryInMemory) Save(_ context.Context, s domain.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s = s.Normalize()
	s.PaymentMethods = append([]string(nil), s.PaymentMethods...)
	r.settings = s
	r.saved = true
	return nil
}

var _ domain.SettingsRepository = (*settingsRepositoryInMemory)(nil)
