package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

// defaultAdminCallTTL используется, когда вызывающий не задал срок ключа.
const defaultAdminCallTTL = 24 * time.Hour

type adminCallKey struct {
	adminID int64
	key     string
}

// AdminCallStore хранит ответы админских вызовов в памяти процесса.
type AdminCallStore struct {
	mu    sync.Mutex
	now   func() time.Time
	calls map[adminCallKey]domain.AdminCallRecord
}

// NewAdminCallStore создаёт хранилище с системными часами.
func NewAdminCallStore() *AdminCallStore {
	return NewAdminCallStoreWithClock(func() time.Time { return time.Now().UTC() })
}

// NewAdminCallStoreWithClock позволяет подменить часы в тестах.
func NewAdminCallStoreWithClock(now func() time.Time) *AdminCallStore {
	return &AdminCallStore{now: now, calls: make(map[adminCallKey]domain.AdminCallRecord)}
}

func (s *AdminCallStore) Claim(_ context.Context, claim domain.AdminCallClaim) (domain.AdminCallRecord, error) {
	claim, err := claim.Normalize()
	if err != nil {
		return domain.AdminCallRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultAdminCallTTL)
	}

	id := adminCallKey{adminID: claim.AdminID, key: claim.Key}
	if existing, ok := s.calls[id]; ok && !existing.Expired(now) {
		if existing.RequestHash != claim.RequestHash || existing.Method != claim.Method {
			return copyAdminCall(existing), domain.ErrIdempotencyHashMismatch
		}
		return copyAdminCall(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.AdminCallRecord{AdminCallClaim: claim, State: domain.AdminCallInFlight, CreatedAt: now}
	s.calls[id] = record
	return record, nil
}

func (s *AdminCallStore) Get(_ context.Context, adminID int64, key string) (domain.AdminCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.calls[adminCallKey{adminID: adminID, key: key}]
	if !ok {
		return domain.AdminCallRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyAdminCall(record), nil
}

// Finish сохраняет ответ; повторное завершение возвращает ErrAdminCallFinished.
func (s *AdminCallStore) Finish(_ context.Context, adminID int64, key string, outcome domain.AdminCallOutcome) error {
	if !outcome.State.Final() {
		return domain.ErrIdempotencyClaimInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := adminCallKey{adminID: adminID, key: key}
	record, ok := s.calls[id]
	switch {
	case !ok:
		return domain.ErrIdempotencyKeyNotFound
	case record.State.Final():
		return domain.ErrAdminCallFinished
	}

	record.State = outcome.State
	record.Body = append([]byte(nil), outcome.Body...)
	record.Code = outcome.Code
	record.FinishedAt = s.now()
	s.calls[id] = record
	return nil
}

// Purge удаляет до limit записей с истёкшим ключом, начиная с самых старых.
func (s *AdminCallStore) Purge(_ context.Context, before time.Time, limit int) (domain.AdminCallPurge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before.IsZero() {
		before = s.now()
	}

	expired := make([]domain.AdminCallRecord, 0)
	for _, record := range s.calls {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	var purge domain.AdminCallPurge
	for _, record := range expired {
		delete(s.calls, adminCallKey{adminID: record.AdminID, key: record.Key})
		purge.Removed++
		if record.Abandoned(before) {
			purge.Abandoned = append(purge.Abandoned, record.AdminCallClaim)
		}
	}
	return purge, nil
}

func copyAdminCall(src domain.AdminCallRecord) domain.AdminCallRecord {
	dst := src
	dst.Body = append([]byte(nil), src.Body...)
	return dst
}

var _ domain.IdempotencyRepository = (*AdminCallStore)(nil)
