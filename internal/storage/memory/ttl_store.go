package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const (
	reservationPrefix = "reservation:"
	markerPrefix      = "marker:"
	throttlePrefix    = "throttle:"
)

type ttlEntry struct {
	claims    domain.ReservationClaims
	expiresAt time.Time
}

// TTLStore — in-memory замена Redis для резерваций, меток уведомлений и
// ограничения частоты. Записи с истёкшим сроком считаются отсутствующими.
type TTLStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]ttlEntry
}

// NewTTLStore создаёт хранилище с системными часами.
func NewTTLStore() *TTLStore {
	return NewTTLStoreWithClock(func() time.Time { return time.Now().UTC() })
}

// NewTTLStoreWithClock позволяет подменить часы в тестах.
func NewTTLStoreWithClock(now func() time.Time) *TTLStore {
	return &TTLStore{now: now, entries: make(map[string]ttlEntry)}
}

// Put сохраняет токен резервации на ttl.
func (s *TTLStore) Put(_ context.Context, claims domain.ReservationClaims, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[reservationPrefix+claims.TokenID] = ttlEntry{claims: claims, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get возвращает ErrReservationNotFound для отсутствующего или истёкшего токена.
func (s *TTLStore) Get(_ context.Context, tokenID string) (domain.ReservationClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(reservationPrefix + tokenID)
	if !ok {
		return domain.ReservationClaims{}, domain.ErrReservationNotFound
	}
	return entry.claims, nil
}

func (s *TTLStore) Delete(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, reservationPrefix+tokenID)
	return nil
}

// MarkOnce ставит метку, если её ещё нет.
func (s *TTLStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return s.setNX(markerPrefix+key, ttl), nil
}

// Allow пропускает не больше одного запуска за interval.
func (s *TTLStore) Allow(_ context.Context, key string, interval time.Duration) (bool, error) {
	return s.setNX(throttlePrefix+key, interval), nil
}

func (s *TTLStore) setNX(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(key); ok {
		return false
	}
	s.entries[key] = ttlEntry{expiresAt: s.now().Add(ttl)}
	return true
}

func (s *TTLStore) liveLocked(key string) (ttlEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return ttlEntry{}, false
	}
	if !entry.expiresAt.After(s.now()) {
		delete(s.entries, key)
		return ttlEntry{}, false
	}
	return entry, true
}

var (
	_ domain.ReservationStore = (*TTLStore)(nil)
	_ domain.NoticeMarkers    = (*TTLStore)(nil)
	_ domain.Throttle         = (*TTLStore)(nil)
)
