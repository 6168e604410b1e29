package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// timelineRepositoryInMemory хранит историю позиций в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[int64][]domain.UnitEvent
}

// NewTimelineRepository создаёт in-memory реализацию UnitTimelineRepository.
func NewTimelineRepository() domain.UnitTimelineRepository {
	return &timelineRepositoryInMemory{events: make(map[int64][]domain.UnitEvent)}
}

// Append добавляет событие в конец истории: порядок совпадает с порядком фиксации.
func (r *timelineRepositoryInMemory) Append(_ context.Context, event domain.UnitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.UnitID] = append(r.events[event.UnitID], event)
	return nil
}

// List возвращает события позиции в порядке фиксации.
func (r *timelineRepositoryInMemory) List(_ context.Context, unitID int64) ([]domain.UnitEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[unitID]
	result := make([]domain.UnitEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.UnitTimelineRepository = (*timelineRepositoryInMemory)(nil)
