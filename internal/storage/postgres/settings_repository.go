package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

type settingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository создаёт PostgreSQL-реализацию SettingsRepository.
// Каждая настройка хранится отдельной строкой key/value; отсутствующие ключи
// берутся из значений по умолчанию.
func NewSettingsRepository(store *Store) domain.SettingsRepository {
	return &settingsRepository{db: store.DB()}
}

func (r *settingsRepository) Get(ctx context.Context) (domain.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM adslots_settings`)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("select settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return domain.Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return domain.Settings{}, fmt.Errorf("iterate settings: %w", err)
	}

	settings := domain.DefaultSettings()
	if len(values) == 0 {
		return settings, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("merge settings: %w", err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings.Normalize(), nil
}

func (r *settingsRepository) Save(ctx context.Context, s domain.Settings) error {
	raw, err := json.Marshal(s.Normalize())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("split settings: %w", err)
	}

	return inTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		for key, value := range values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO adslots_settings (key, value, updated_at)
				VALUES ($1,$2,$3)
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
			`, key, []byte(value), now); err != nil {
				return fmt.Errorf("upsert setting %s: %w", key, err)
			}
		}
		return nil
	})
}

var _ domain.SettingsRepository = (*settingsRepository)(nil)
