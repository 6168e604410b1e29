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

const unitColumns = `id, slot_id, position_key, status, content, price, duration_months,
	starts_at, ends_at, pending_expires_at, attempt_token, order_ref, order_number,
	created_at, updated_at`

type unitRepository struct {
	db *sql.DB
}

// NewUnitRepository создаёт PostgreSQL-реализацию UnitRepository.
// Мутации выполняются под SELECT ... FOR UPDATE в одной транзакции.
func NewUnitRepository(store *Store) domain.UnitRepository {
	return &unitRepository{db: store.DB()}
}

func (r *unitRepository) MutateByPosition(ctx context.Context, slotID int64, key int, fn domain.UnitMutation) (domain.Unit, error) {
	var (
		result  domain.Unit
		fnErr   error
		created bool
	)
	err := inTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ad_units (slot_id, position_key, status, created_at, updated_at)
			VALUES ($1,$2,'available',$3,$3)
			ON CONFLICT (slot_id, position_key) DO NOTHING
		`, slotID, key, now)
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrSlotNotFound
			}
			return fmt.Errorf("ensure unit row: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created = true
		}

		current, err := scanUnit(tx.QueryRowContext(ctx, `
			SELECT `+unitColumns+`
			FROM ad_units
			WHERE slot_id = $1 AND position_key = $2
			FOR UPDATE
		`, slotID, key))
		if err != nil {
			return fmt.Errorf("lock unit row: %w", err)
		}
		result, fnErr = r.apply(ctx, tx, current, fn)
		if fnErr != nil && !created {
			return fnErr
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, fnErr
}

func (r *unitRepository) MutateByID(ctx context.Context, id int64, fn domain.UnitMutation) (domain.Unit, error) {
	var result domain.Unit
	err := inTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := scanUnit(tx.QueryRowContext(ctx, `
			SELECT `+unitColumns+`
			FROM ad_units
			WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrUnitNotFound
			}
			return fmt.Errorf("lock unit row: %w", err)
		}
		result, err = r.apply(ctx, tx, current, fn)
		return err
	})
	return result, err
}

// apply вызывает fn над заблокированной строкой и сохраняет результат.
func (r *unitRepository) apply(ctx context.Context, tx *sql.Tx, current domain.Unit, fn domain.UnitMutation) (domain.Unit, error) {
	working := current
	commit, err := fn(&working)
	if err != nil {
		return current, err
	}
	if !commit {
		return current, nil
	}
	if err := working.CheckInvariants(); err != nil {
		return current, err
	}
	working.ID, working.SlotID, working.PositionKey = current.ID, current.SlotID, current.PositionKey

	content, err := json.Marshal(working.Content)
	if err != nil {
		return current, fmt.Errorf("marshal unit content: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ad_units
		SET status = $2, content = $3, price = $4, duration_months = $5,
		    starts_at = $6, ends_at = $7, pending_expires_at = $8,
		    attempt_token = $9, order_ref = $10, order_number = $11, updated_at = $12
		WHERE id = $1
	`,
		working.ID, string(working.Status), content, working.Price, working.DurationMonths,
		nullTime(working.StartsAt), nullTime(working.EndsAt), nullTime(working.PendingExpiresAt),
		working.AttemptToken, working.OrderRef, working.OrderNumber, working.UpdatedAt.UTC(),
	); err != nil {
		if isCheckViolation(err) {
			return current, fmt.Errorf("%w: %v", domain.ErrUnitInvariant, err)
		}
		return current, fmt.Errorf("update unit: %w", err)
	}
	return working, nil
}

func (r *unitRepository) Get(ctx context.Context, id int64) (domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	u, err := scanUnit(r.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM ad_units WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Unit{}, domain.ErrUnitNotFound
		}
		return domain.Unit{}, fmt.Errorf("select unit: %w", err)
	}
	return u, nil
}

func (r *unitRepository) GetByPosition(ctx context.Context, slotID int64, key int) (domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	u, err := scanUnit(r.db.QueryRowContext(ctx, `
		SELECT `+unitColumns+`
		FROM ad_units
		WHERE slot_id = $1 AND position_key = $2
	`, slotID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Unit{}, domain.ErrUnitNotFound
		}
		return domain.Unit{}, fmt.Errorf("select unit by position: %w", err)
	}
	return u, nil
}

func (r *unitRepository) ListBySlot(ctx context.Context, slotID int64) ([]domain.Unit, error) {
	return r.list(ctx, `
		SELECT `+unitColumns+`
		FROM ad_units
		WHERE slot_id = $1
		ORDER BY position_key ASC
	`, slotID)
}

func (r *unitRepository) EnsureUnits(ctx context.Context, slotID int64, capacity int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if capacity <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ad_units (slot_id, position_key, status, created_at, updated_at)
		SELECT $1, k, 'available', $3, $3
		FROM generate_series(0, $2 - 1) AS k
		ON CONFLICT (slot_id, position_key) DO NOTHING
	`, slotID, capacity, time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, domain.ErrSlotNotFound
		}
		return 0, fmt.Errorf("ensure units: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *unitRepository) DeleteAvailableFrom(ctx context.Context, slotID int64, fromKey int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ad_units
		WHERE slot_id = $1 AND position_key >= $2 AND status = 'available'
	`, slotID, fromKey)
	if err != nil {
		return 0, fmt.Errorf("delete available units: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *unitRepository) DeleteBySlot(ctx context.Context, slotID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM ad_units WHERE slot_id = $1`, slotID); err != nil {
		return fmt.Errorf("delete slot units: %w", err)
	}
	return nil
}

func (r *unitRepository) ListPaidDue(ctx context.Context, now time.Time, limit int) ([]domain.Unit, error) {
	return r.list(ctx, `
		SELECT `+unitColumns+`
		FROM ad_units
		WHERE status = 'paid' AND ends_at <= $1
		ORDER BY ends_at ASC, id ASC
		LIMIT $2
	`, now.UTC(), limitOrAll(limit))
}

func (r *unitRepository) ListPendingLapsed(ctx context.Context, now time.Time, limit int) ([]domain.Unit, error) {
	return r.list(ctx, `
		SELECT `+unitColumns+`
		FROM ad_units
		WHERE status = 'pending' AND pending_expires_at <= $1
		ORDER BY pending_expires_at ASC, id ASC
		LIMIT $2
	`, now.UTC(), limitOrAll(limit))
}

func (r *unitRepository) ListPaidEndingBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Unit, error) {
	return r.list(ctx, `
		SELECT `+unitColumns+`
		FROM ad_units
		WHERE status = 'paid' AND ends_at > $1 AND ends_at <= $2
		ORDER BY ends_at ASC, id ASC
		LIMIT $3
	`, from.UTC(), to.UTC(), limitOrAll(limit))
}

func (r *unitRepository) list(ctx context.Context, query string, args ...any) ([]domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	units := make([]domain.Unit, 0)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit row: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit rows: %w", err)
	}
	return units, nil
}

func scanUnit(row rowScanner) (domain.Unit, error) {
	var (
		u                        domain.Unit
		status                   string
		content                  []byte
		starts, ends, pendingExp sql.NullTime
	)
	if err := row.Scan(
		&u.ID, &u.SlotID, &u.PositionKey, &status, &content, &u.Price, &u.DurationMonths,
		&starts, &ends, &pendingExp, &u.AttemptToken, &u.OrderRef, &u.OrderNumber,
		&u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return domain.Unit{}, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &u.Content); err != nil {
			return domain.Unit{}, fmt.Errorf("decode unit %d content: %w", u.ID, err)
		}
	}
	u.Status = domain.UnitStatus(status)
	u.StartsAt, u.EndsAt, u.PendingExpiresAt = timeOrZero(starts), timeOrZero(ends), timeOrZero(pendingExp)
	u.CreatedAt, u.UpdatedAt = u.CreatedAt.UTC(), u.UpdatedAt.UTC()
	return u, nil
}

// limitOrAll подставляет NULL в LIMIT, когда ограничение не задано.
func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

var _ domain.UnitRepository = (*unitRepository)(nil)
