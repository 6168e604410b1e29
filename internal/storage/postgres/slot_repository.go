package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type slotRepository struct {
	db *sql.DB
}

// NewSlotRepository создаёт PostgreSQL-реализацию SlotRepository.
// Конфигурация места хранится в JSONB, часто фильтруемые поля вынесены в колонки.
func NewSlotRepository(store *Store) domain.SlotRepository {
	return &slotRepository{db: store.DB()}
}

func (r *slotRepository) Create(ctx context.Context, slot domain.Slot) (domain.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	config, err := json.Marshal(slot)
	if err != nil {
		return domain.Slot{}, fmt.Errorf("marshal slot config: %w", err)
	}
	now := time.Now().UTC()

	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO ad_slots (title, enabled, sort_order, config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		RETURNING id
	`, slot.Title, slot.Enabled, slot.SortOrder, config, now).Scan(&slot.ID); err != nil {
		return domain.Slot{}, fmt.Errorf("insert slot: %w", err)
	}
	slot.CreatedAt, slot.UpdatedAt = now, now
	return slot, nil
}

func (r *slotRepository) Update(ctx context.Context, slot domain.Slot) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	config, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal slot config: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE ad_slots
		SET title = $2, enabled = $3, sort_order = $4, config = $5, updated_at = $6
		WHERE id = $1
	`, slot.ID, slot.Title, slot.Enabled, slot.SortOrder, config, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

func (r *slotRepository) Get(ctx context.Context, id int64) (domain.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	slot, err := scanSlot(r.db.QueryRowContext(ctx, `
		SELECT id, title, enabled, sort_order, config, created_at, updated_at
		FROM ad_slots
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Slot{}, domain.ErrSlotNotFound
		}
		return domain.Slot{}, fmt.Errorf("select slot: %w", err)
	}
	return slot, nil
}

func (r *slotRepository) List(ctx context.Context, enabledOnly bool) ([]domain.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, enabled, sort_order, config, created_at, updated_at
		FROM ad_slots
		WHERE enabled OR NOT $1
		ORDER BY sort_order ASC, id ASC
	`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]domain.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot row: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot rows: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM ad_slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (domain.Slot, error) {
	var (
		slot      domain.Slot
		id        int64
		title     string
		enabled   bool
		sortOrder int
		config    []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &title, &enabled, &sortOrder, &config, &createdAt, &updatedAt); err != nil {
		return domain.Slot{}, err
	}
	if err := json.Unmarshal(config, &slot); err != nil {
		return domain.Slot{}, fmt.Errorf("decode slot %d config: %w", id, err)
	}
	slot.ID, slot.Title, slot.Enabled, slot.SortOrder = id, title, enabled, sortOrder
	slot.CreatedAt, slot.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
	return slot, nil
}

var _ domain.SlotRepository = (*slotRepository)(nil)
