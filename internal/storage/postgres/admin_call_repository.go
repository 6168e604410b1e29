package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const defaultAdminCallTTL = 24 * time.Hour

const adminCallColumns = `admin_id, call_key, method, request_hash, state, body, grpc_code, expires_at, created_at, finished_at`

type adminCallRepository struct {
	db *sql.DB
}

// NewAdminCallRepository создаёт PostgreSQL-реализацию IdempotencyRepository
// для админских gRPC-вызовов.
func NewAdminCallRepository(store *Store) domain.IdempotencyRepository {
	return &adminCallRepository{db: store.DB()}
}

// Claim вставляет запись или перехватывает ключ, срок которого уже вышел.
// Живой ключ не трогается: его запись возвращается вместе с ошибкой.
func (r *adminCallRepository) Claim(ctx context.Context, claim domain.AdminCallClaim) (domain.AdminCallRecord, error) {
	claim, err := claim.Normalize()
	if err != nil {
		return domain.AdminCallRecord{}, err
	}
	now := time.Now().UTC()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultAdminCallTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanAdminCall(r.db.QueryRowContext(ctx, `
		INSERT INTO admin_calls (admin_id, call_key, method, request_hash, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 'in_flight', $5, $6)
		ON CONFLICT (admin_id, call_key) DO UPDATE
		SET method = EXCLUDED.method,
		    request_hash = EXCLUDED.request_hash,
		    state = 'in_flight',
		    body = NULL,
		    grpc_code = 0,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    finished_at = NULL
		WHERE admin_calls.expires_at <= EXCLUDED.created_at
		RETURNING `+adminCallColumns,
		claim.AdminID, claim.Key, claim.Method, claim.RequestHash, claim.ExpiresAt.UTC(), now,
	))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return domain.AdminCallRecord{}, fmt.Errorf("claim admin call: %w", err)
	}

	existing, err := r.Get(ctx, claim.AdminID, claim.Key)
	if err != nil {
		return domain.AdminCallRecord{}, fmt.Errorf("load claimed admin call: %w", err)
	}
	if existing.RequestHash != claim.RequestHash || existing.Method != claim.Method {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *adminCallRepository) Get(ctx context.Context, adminID int64, key string) (domain.AdminCallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanAdminCall(r.db.QueryRowContext(ctx,
		`SELECT `+adminCallColumns+` FROM admin_calls WHERE admin_id = $1 AND call_key = $2`, adminID, key))
	if err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return domain.AdminCallRecord{}, fmt.Errorf("get admin call: %w", err)
	}
	return record, err
}

// Finish сохраняет ответ только для вызова в стадии in_flight.
func (r *adminCallRepository) Finish(ctx context.Context, adminID int64, key string, outcome domain.AdminCallOutcome) error {
	if !outcome.State.Final() {
		return domain.ErrIdempotencyClaimInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_calls
		SET state = $3, body = $4, grpc_code = $5, finished_at = $6
		WHERE admin_id = $1 AND call_key = $2 AND state = 'in_flight'
	`, adminID, key, string(outcome.State), outcome.Body, outcome.Code, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish admin call: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("admin call rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, adminID, key); err != nil {
		return err
	}
	return domain.ErrAdminCallFinished
}

// Purge удаляет до limit истёкших ключей, самые старые первыми, и
// возвращает вызовы, которые так и не получили ответа.
func (r *adminCallRepository) Purge(ctx context.Context, before time.Time, limit int) (domain.AdminCallPurge, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = -1
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM admin_calls
		WHERE (admin_id, call_key) IN (
			SELECT admin_id, call_key
			FROM admin_calls
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT NULLIF($2, -1)
		)
		RETURNING admin_id, call_key, method, request_hash, expires_at, state
	`, before.UTC(), limit)
	if err != nil {
		return domain.AdminCallPurge{}, fmt.Errorf("purge admin calls: %w", err)
	}
	defer rows.Close()

	var purge domain.AdminCallPurge
	for rows.Next() {
		var (
			claim domain.AdminCallClaim
			state string
		)
		if err := rows.Scan(&claim.AdminID, &claim.Key, &claim.Method, &claim.RequestHash, &claim.ExpiresAt, &state); err != nil {
			return purge, fmt.Errorf("scan purged admin call: %w", err)
		}
		purge.Removed++
		if domain.AdminCallState(state) == domain.AdminCallInFlight {
			purge.Abandoned = append(purge.Abandoned, claim)
		}
	}
	if err := rows.Err(); err != nil {
		return purge, fmt.Errorf("iterate purged admin calls: %w", err)
	}
	return purge, nil
}

func scanAdminCall(row *sql.Row) (domain.AdminCallRecord, error) {
	var (
		record   domain.AdminCallRecord
		state    string
		finished sql.NullTime
	)
	err := row.Scan(
		&record.AdminID, &record.Key, &record.Method, &record.RequestHash,
		&state, &record.Body, &record.Code, &record.ExpiresAt, &record.CreatedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AdminCallRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.AdminCallRecord{}, err
	}

	record.State = domain.AdminCallState(state)
	if !record.State.Valid() {
		return domain.AdminCallRecord{}, fmt.Errorf("unknown admin call state %q for key %s", state, record.Key)
	}
	if finished.Valid {
		record.FinishedAt = finished.Time
	}
	return record, nil
}

var _ domain.IdempotencyRepository = (*adminCallRepository)(nil)
