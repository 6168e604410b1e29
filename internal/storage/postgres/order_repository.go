package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

const orderColumns = `id, unit_id, slot_id, position_key, COALESCE(external_ref, ''),
	external_payment_ref, external_order_number, buyer_id, snapshot, attempt_token,
	plan_type, duration_months, base_price, color_price, position_diff, total_price,
	payment_method, status, created_at, paid_at, closed_at`

// orderSortColumns сопоставляет поле сортировки с колонкой.
var orderSortColumns = map[string]string{
	domain.OrderByID:         "id",
	domain.OrderByCreatedAt:  "created_at",
	domain.OrderByPaidAt:     "paid_at",
	domain.OrderByTotalPrice: "total_price",
}

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	snapshot, err := json.Marshal(order.Snapshot)
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal order snapshot: %w", err)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO ad_orders (
			unit_id, slot_id, position_key, external_ref, external_payment_ref,
			external_order_number, buyer_id, snapshot, attempt_token, plan_type,
			duration_months, base_price, color_price, position_diff, total_price,
			payment_method, status, created_at, paid_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id
	`,
		order.UnitID, order.SlotID, order.PositionKey, nullString(order.ExternalRef),
		order.ExternalPaymentRef, order.ExternalOrderNumber, order.BuyerID, snapshot,
		order.AttemptToken, string(order.PlanType), order.DurationMonths,
		order.Price.Base, order.Price.Color, order.Price.PositionDiff, order.Price.Total,
		order.PaymentMethod, string(order.Status), order.CreatedAt.UTC(),
		nullTime(order.PaidAt), nullTime(order.ClosedAt),
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrExternalRefConflict
		}
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM ad_orders WHERE id = $1`, id)
}

func (r *orderRepository) GetByExternalRef(ctx context.Context, ref string) (domain.Order, error) {
	if ref == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.one(ctx, `SELECT `+orderColumns+` FROM ad_orders WHERE external_ref = $1`, ref)
}

func (r *orderRepository) FindPendingByAttemptToken(ctx context.Context, token string) (domain.Order, error) {
	if token == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.one(ctx, `
		SELECT `+orderColumns+`
		FROM ad_orders
		WHERE status = 'pending' AND attempt_token = $1
		ORDER BY id DESC
		LIMIT 1
	`, token)
}

func (r *orderRepository) FindLatestPending(ctx context.Context, unitID, slotID int64) (domain.Order, error) {
	return r.one(ctx, `
		SELECT `+orderColumns+`
		FROM ad_orders
		WHERE status = 'pending' AND unit_id = $1 AND slot_id = $2
		ORDER BY id DESC
		LIMIT 1
	`, unitID, slotID)
}

// Update сохраняет запись при совпадении статуса (compare-and-set по status).
func (r *orderRepository) Update(ctx context.Context, order domain.Order, expected domain.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	snapshot, err := json.Marshal(order.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal order snapshot: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE ad_orders
		SET external_ref = $3,
		    external_payment_ref = $4,
		    external_order_number = $5,
		    snapshot = $6,
		    attempt_token = $7,
		    duration_months = $8,
		    base_price = $9,
		    color_price = $10,
		    position_diff = $11,
		    total_price = $12,
		    payment_method = $13,
		    status = $14,
		    paid_at = $15,
		    closed_at = $16
		WHERE id = $1
		  AND status = $2
	`,
		order.ID, string(expected), nullString(order.ExternalRef), order.ExternalPaymentRef,
		order.ExternalOrderNumber, snapshot, order.AttemptToken, order.DurationMonths,
		order.Price.Base, order.Price.Color, order.Price.PositionDiff, order.Price.Total,
		order.PaymentMethod, string(order.Status), nullTime(order.PaidAt), nullTime(order.ClosedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrExternalRefConflict
		}
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, order.ID); err != nil {
			return err
		}
		return domain.ErrOrderTransition
	}
	return nil
}

func (r *orderRepository) Query(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	f := filter.Normalize()
	where, args := orderWhere(f, true)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ad_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	direction := "DESC"
	if f.Asc {
		direction = "ASC"
	}
	column := orderSortColumns[f.OrderBy]
	query := fmt.Sprintf(`SELECT %s FROM ad_orders%s ORDER BY %s %s NULLS LAST, id %s LIMIT $%d OFFSET $%d`,
		orderColumns, where, column, direction, direction, len(args)+1, len(args)+2)
	args = append(args, f.PerPage, f.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, f.PerPage)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, total, nil
}

func (r *orderRepository) CountByStatus(ctx context.Context, filter domain.OrderFilter) (domain.StatusCounts, error) {
	where, args := orderWhere(filter.Normalize(), false)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ad_orders`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(domain.StatusCounts)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.OrderStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// Delete удаляет запись и заносит её внешнюю ссылку в deny-list в одной транзакции.
func (r *orderRepository) Delete(ctx context.Context, id int64) (domain.Order, error) {
	var deleted domain.Order
	err := inTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx, `DELETE FROM ad_orders WHERE id = $1 RETURNING `+orderColumns, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotFound
			}
			return fmt.Errorf("delete order: %w", err)
		}
		if o.ExternalRef != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ad_order_deny_list (external_ref, order_id, deleted_at)
				VALUES ($1,$2,$3)
				ON CONFLICT (external_ref) DO UPDATE SET deleted_at = EXCLUDED.deleted_at
			`, o.ExternalRef, o.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("deny-list external ref: %w", err)
			}
		}
		deleted = o
		return nil
	})
	return deleted, err
}

func (r *orderRepository) IsDenied(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ad_order_deny_list WHERE external_ref = $1)
	`, ref).Scan(&exists); err != nil {
		return false, fmt.Errorf("check deny-list: %w", err)
	}
	return exists, nil
}

func (r *orderRepository) DeniedRefs(ctx context.Context, limit int) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT external_ref
		FROM ad_order_deny_list
		ORDER BY deleted_at DESC
		LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list deny-list: %w", err)
	}
	defer rows.Close()

	return scanRefSet(rows)
}

func (r *orderRepository) MarkTimedOut(ctx context.Context, before, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE ad_orders
		SET status = 'timeout', closed_at = $2
		WHERE status = 'pending' AND created_at < $1
	`, before.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark timed out orders: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *orderRepository) KnownExternalRefs(ctx context.Context, refs []string) (map[string]struct{}, error) {
	if len(refs) == 0 {
		return map[string]struct{}{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT external_ref FROM ad_orders WHERE external_ref = ANY($1)`, refs)
	if err != nil {
		return nil, fmt.Errorf("lookup external refs: %w", err)
	}
	defer rows.Close()

	return scanRefSet(rows)
}

func (r *orderRepository) one(ctx context.Context, query string, args ...any) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

// orderWhere собирает WHERE для фильтра. withStatus=false используется при подсчёте по статусам.
func orderWhere(f domain.OrderFilter, withStatus bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.SlotID != 0 {
		conds = append(conds, "slot_id = "+arg(f.SlotID))
	}
	if withStatus && f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.PaymentMethod != "" {
		conds = append(conds, "payment_method = "+arg(f.PaymentMethod))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To.UTC()))
	}
	if f.Keyword != "" {
		p := arg("%" + escapeLike(f.Keyword) + "%")
		conds = append(conds, "(COALESCE(external_ref, '') ILIKE "+p+
			" OR external_payment_ref ILIKE "+p+
			" OR external_order_number ILIKE "+p+
			" OR snapshot->'content'->>'customer_name' ILIKE "+p+
			" OR snapshot->'content'->>'website_name' ILIKE "+p+
			" OR snapshot->'content'->>'website_url' ILIKE "+p+
			" OR snapshot->'content'->>'contact_value' ILIKE "+p+
			" OR snapshot->'content'->>'text_content' ILIKE "+p+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o              domain.Order
		planType       string
		status         string
		snapshot       []byte
		paidAt, closed sql.NullTime
	)
	if err := row.Scan(
		&o.ID, &o.UnitID, &o.SlotID, &o.PositionKey, &o.ExternalRef,
		&o.ExternalPaymentRef, &o.ExternalOrderNumber, &o.BuyerID, &snapshot, &o.AttemptToken,
		&planType, &o.DurationMonths, &o.Price.Base, &o.Price.Color, &o.Price.PositionDiff, &o.Price.Total,
		&o.PaymentMethod, &status, &o.CreatedAt, &paidAt, &closed,
	); err != nil {
		return domain.Order{}, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &o.Snapshot); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %d snapshot: %w", o.ID, err)
		}
	}
	o.PlanType = domain.PlanType(planType)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.PaidAt, o.ClosedAt = timeOrZero(paidAt), timeOrZero(closed)
	return o, nil
}

func scanRefSet(rows *sql.Rows) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan external ref: %w", err)
		}
		result[ref] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external refs: %w", err)
	}
	return result, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
