package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type outboxState string

const (
	outboxPending outboxState = "pending"
	outboxSent    outboxState = "sent"
	outboxFailed  outboxState = "failed"
)

type outboxEntry struct {
	msg         domain.OutboxMessage
	seq         int64
	state       outboxState
	lockedUntil time.Time
}

// OutboxRepository — outbox в памяти процесса, с той же арендой и
// дедупликацией, что и PostgreSQL.
type OutboxRepository struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]*outboxEntry
	dedup   map[string]string
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return NewOutboxRepositoryWithClock(time.Now)
}

// NewOutboxRepositoryWithClock нужен тестам аренды.
func NewOutboxRepositoryWithClock(now func() time.Time) *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		dedup:   make(map[string]string),
		now:     now,
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.DedupKey != "" {
		if id, ok := r.dedup[msg.DedupKey]; ok {
			return r.entries[id].msg, domain.ErrOutboxDuplicate
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = slices.Clone(msg.Payload)
	msg.Attempts = 0
	msg.CreatedAt = r.now().UTC()

	r.seq++
	r.entries[msg.ID] = &outboxEntry{msg: msg, seq: r.seq, state: outboxPending}
	if msg.DedupKey != "" {
		r.dedup[msg.DedupKey] = msg.ID
	}
	return msg, nil
}

// ClaimPending отдаёт до limit свободных событий в порядке постановки и
// арендует их на domain.OutboxLease.
func (r *OutboxRepository) ClaimPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()
	claimed := make([]domain.OutboxMessage, 0, limit)
	for _, e := range r.pendingLocked() {
		if len(claimed) == limit {
			break
		}
		if e.lockedUntil.After(now) {
			continue
		}
		e.lockedUntil = now.Add(domain.OutboxLease)
		claimed = append(claimed, e.msg)
	}
	return claimed, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		if e.state == outboxFailed {
			stats.FailedCount++
		}
	}
	pending := r.pendingLocked()
	stats.PendingCount = len(pending)
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].msg.CreatedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.finish(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.finish(id, outboxFailed)
}

func (r *OutboxRepository) finish(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != outboxPending {
		return domain.ErrOutboxMessageNotFound
	}
	e.state = state
	e.msg.Attempts++
	e.lockedUntil = time.Time{}
	return nil
}

// AllPending — непомеченные события в порядке постановки, включая арендованные.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingLocked()
	out := make([]domain.OutboxMessage, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.msg)
	}
	return out
}

func (r *OutboxRepository) pendingLocked() []*outboxEntry {
	pending := make([]*outboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == outboxPending {
			pending = append(pending, e)
		}
	}
	slices.SortFunc(pending, func(a, b *outboxEntry) int { return int(a.seq - b.seq) })
	return pending
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
