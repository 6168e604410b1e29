package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию UnitTimelineRepository.
func NewTimelineRepository(store *Store) domain.UnitTimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.UnitEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO ad_unit_events (
			unit_id, slot_id, position_key, type, from_status, to_status, order_ref, reason, occurred
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		event.UnitID, event.SlotID, event.PositionKey, event.Type,
		string(event.From), string(event.To), event.OrderRef, event.Reason, event.Occurred.UTC(),
	); err != nil {
		return fmt.Errorf("append unit event: %w", err)
	}

	return nil
}

// List возвращает события в порядке фиксации (по id, а не по occurred).
func (r *timelineRepository) List(ctx context.Context, unitID int64) ([]domain.UnitEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT unit_id, slot_id, position_key, type, from_status, to_status, order_ref, reason, occurred
		FROM ad_unit_events
		WHERE unit_id = $1
		ORDER BY id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list unit events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.UnitEvent, 0)
	for rows.Next() {
		var (
			event    domain.UnitEvent
			from, to string
		)
		if err := rows.Scan(
			&event.UnitID, &event.SlotID, &event.PositionKey, &event.Type,
			&from, &to, &event.OrderRef, &event.Reason, &event.Occurred,
		); err != nil {
			return nil, fmt.Errorf("scan unit event: %w", err)
		}
		event.From, event.To = domain.UnitStatus(from), domain.UnitStatus(to)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit events: %w", err)
	}

	return events, nil
}

var _ domain.UnitTimelineRepository = (*timelineRepository)(nil)
