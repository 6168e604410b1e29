package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type providerFeed struct {
	db *sql.DB
}

// NewProviderFeed создаёт ленту заказов провайдера поверх таблицы provider_orders.
// Таблицу наполняет интеграция провайдера (webhook или импорт), сервис читает её при сверке.
func NewProviderFeed(store *Store) domain.ProviderOrderStore {
	return &providerFeed{db: store.DB()}
}

func (f *providerFeed) Upsert(ctx context.Context, o domain.ProviderOrder) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var meta []byte
	if o.Meta != nil {
		raw, err := json.Marshal(o.Meta)
		if err != nil {
			return fmt.Errorf("marshal provider order meta: %w", err)
		}
		meta = raw
	}

	if _, err := f.db.ExecContext(ctx, `
		INSERT INTO provider_orders (
			id, payment_id, order_number, order_type, product_id, post_id, user_id,
			payment_method, status, price, meta, created_at, paid_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			payment_id = EXCLUDED.payment_id,
			order_number = EXCLUDED.order_number,
			payment_method = EXCLUDED.payment_method,
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			meta = COALESCE(EXCLUDED.meta, provider_orders.meta),
			paid_at = COALESCE(EXCLUDED.paid_at, provider_orders.paid_at)
	`,
		o.ID, o.PaymentID, o.OrderNumber, o.OrderType, o.ProductID, o.PostID, o.UserID,
		o.PaymentMethod, o.Status, o.Price, meta, o.CreatedAt.UTC(), nullTime(o.PaidAt),
	); err != nil {
		return fmt.Errorf("upsert provider order: %w", err)
	}
	return nil
}

func (f *providerFeed) ListPaid(ctx context.Context, orderType string, offset, limit int) ([]domain.ProviderOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := f.db.QueryContext(ctx, `
		SELECT id, payment_id, order_number, order_type, product_id, post_id, user_id,
		       payment_method, status, price, meta, created_at, paid_at
		FROM provider_orders
		WHERE status = 'paid' AND order_type = $1
		ORDER BY paid_at DESC NULLS LAST, id DESC
		LIMIT $2 OFFSET $3
	`, orderType, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list paid provider orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.ProviderOrder, 0)
	for rows.Next() {
		var (
			o      domain.ProviderOrder
			meta   []byte
			paidAt sql.NullTime
		)
		if err := rows.Scan(
			&o.ID, &o.PaymentID, &o.OrderNumber, &o.OrderType, &o.ProductID, &o.PostID, &o.UserID,
			&o.PaymentMethod, &o.Status, &o.Price, &meta, &o.CreatedAt, &paidAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider order: %w", err)
		}
		if len(meta) > 0 {
			o.Meta = &domain.AdRequest{}
			if err := json.Unmarshal(meta, o.Meta); err != nil {
				return nil, fmt.Errorf("decode provider order %s meta: %w", o.ID, err)
			}
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.PaidAt = timeOrZero(paidAt)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider orders: %w", err)
	}
	return orders, nil
}

var _ domain.ProviderOrderStore = (*providerFeed)(nil)
