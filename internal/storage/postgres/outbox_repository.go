package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository — outbox в PostgreSQL. Несколько реплик делят очередь
// через FOR UPDATE SKIP LOCKED и аренду locked_until.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB(), now: time.Now}
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = r.now().UTC()
	msg.Attempts = 0

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload, dedup_key,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), 'pending', $7, $7)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.DedupKey, msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s: %w", msg.EventType, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return r.byDedupKey(ctx, msg.DedupKey)
	}
	return msg, nil
}

func (r *outboxRepository) byDedupKey(ctx context.Context, key string) (domain.OutboxMessage, error) {
	var (
		msg   domain.OutboxMessage
		dedup sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, dedup_key, attempt_count, created_at
		FROM outbox_messages WHERE dedup_key = $1
	`, key).Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &dedup, &msg.Attempts, &msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("load duplicate outbox event %s: %w", key, err)
	}
	msg.DedupKey = dedup.String
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, domain.ErrOutboxDuplicate
}

// ClaimPending арендует до limit свободных событий. Порядок постановки
// сохраняется внутри пачки.
func (r *outboxRepository) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	now := r.now().UTC()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_messages o
		SET locked_until = $2, updated_at = $3
		FROM (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= $3)
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) picked
		WHERE o.id = picked.id
		RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload,
		          o.dedup_key, o.attempt_count, o.created_at
	`, limit, now.Add(domain.OutboxLease), now)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg   domain.OutboxMessage
			dedup sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &dedup, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		msg.DedupKey = dedup.String
		msg.CreatedAt = msg.CreatedAt.UTC()
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	// RETURNING не гарантирует порядок подзапроса
	slices.SortFunc(claimed, func(a, b domain.OutboxMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return claimed, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages
	`).Scan(&stats.PendingCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, "sent")
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, "failed")
}

// finish снимает аренду; событие помечается только один раз.
func (r *outboxRepository) finish(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, locked_until = NULL, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, status, r.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox event %s as %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox event %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}
