package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsDir = "sql/migrations"
	// Таблица версии схемы в формате golang-migrate (version, dirty).
	migrationsTable = "adslots_schema_version"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// MigrationState — версия схемы относительно встроенных миграций.
// Dirty означает, что последняя миграция упала посередине и схему нужно
// поправить руками перед следующим запуском.
type MigrationState struct {
	Version   uint
	Dirty     bool
	Applied   int
	Available int
}

// Pending возвращает число ещё не применённых миграций.
func (m MigrationState) Pending() int {
	return max(0, m.Available-m.Applied)
}

// MigrateUp применяет steps миграций; steps <= 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	latest, err := embeddedVersions(migrationsFS)
	if err != nil {
		return err
	}
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		if steps <= 0 {
			return m.Up()
		}
		// Steps на верхней версии отвечает os.ErrNotExist, как и на
		// неизвестной; различаем их сами.
		version, ok, err := currentVersion(m)
		if err != nil || (ok && version == latest[len(latest)-1]) {
			return err
		}
		return m.Steps(steps)
	})
}

// MigrateDown откатывает steps миграций; steps <= 0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		if _, ok, err := currentVersion(m); err != nil || !ok {
			return err
		}
		return m.Steps(-steps)
	})
}

// MigrateTo переводит схему ровно на version; 0 откатывает всё.
func (s *Store) MigrateTo(ctx context.Context, version uint) error {
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		if version == 0 {
			return m.Down()
		}
		return m.Migrate(version)
	})
}

// MigrationStatus возвращает текущую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	versions, err := embeddedVersions(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Available: len(versions)}
	err = s.withMigrator(ctx, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		state.Version, state.Dirty = version, dirty
		return err
	})
	if err != nil {
		return MigrationState{}, err
	}
	for _, v := range versions {
		if v <= state.Version {
			state.Applied++
		}
	}
	return state, nil
}

// currentVersion возвращает ok=false для пустой схемы.
func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	version, _, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	return version, true, nil
}

// withMigrator держит одно соединение из пула на время fn. Блокировку
// схемы (pg_advisory_lock) берёт сам migrate.
func (s *Store) withMigrator(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	src, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("acquire db connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	stop := context.AfterFunc(ctx, func() { m.GracefulStop <- true })
	defer stop()

	var short migrate.ErrShortLimit
	switch err := fn(m); {
	case err == nil, errors.Is(err, migrate.ErrNoChange), errors.As(err, &short):
		return ctx.Err()
	default:
		return err
	}
}

// embeddedVersions возвращает версии по возрастанию и проверяет, что у
// каждой есть непустые up и down.
func embeddedVersions(fsys fs.FS) ([]uint, error) {
	src, err := iofs.New(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	defer src.Close()

	var versions []uint
	version, err := src.First()
	for err == nil {
		if err := nonEmpty(src.ReadUp(version)); err != nil {
			return nil, fmt.Errorf("migration %d up: %w", version, err)
		}
		if err := nonEmpty(src.ReadDown(version)); err != nil {
			return nil, fmt.Errorf("migration %d down: %w", version, err)
		}
		versions = append(versions, version)
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(versions) == 0 {
		return nil, errors.New("no migration files found")
	}
	return versions, nil
}

func nonEmpty(body io.ReadCloser, _ string, err error) error {
	if err != nil {
		return err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return errors.New("empty file")
	}
	return nil
}
