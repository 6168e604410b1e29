package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "ADSLOTS_POSTGRES_DSN"
)

// migrator — часть postgres.Store, которой пользуется утилита.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrateTo(ctx context.Context, version uint) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

// request — разобранные флаги командной строки.
type request struct {
	Direction string
	Steps     int
	Version   uint
}

func main() {
	var (
		req request
		dsn string
	)
	flag.StringVar(&req.Direction, "direction", "up", "up|down|goto|status")
	flag.IntVar(&req.Steps, "steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	flag.UintVar(&req.Version, "version", 0, "target schema version for goto (0 drops everything)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	flag.Parse()

	_ = godotenv.Load()
	if dsn = strings.TrimSpace(dsn); dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(envPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", envPostgresDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	state, err := run(ctx, store, req)
	if err != nil {
		fail("%v", err)
	}
	log.WithFields(log.Fields{
		"direction": req.Direction,
		"version":   state.Version,
		"applied":   state.Applied,
		"pending":   state.Pending(),
		"dirty":     state.Dirty,
	}).Info("schema ready")
}

// run меняет схему по запросу и возвращает итоговое состояние. На грязной
// схеме up и down отказываются работать: сначала goto на известную версию.
func run(ctx context.Context, m migrator, req request) (postgres.MigrationState, error) {
	direction := strings.ToLower(strings.TrimSpace(req.Direction))

	var apply func() error
	switch direction {
	case "up":
		apply = func() error { return m.MigrateUp(ctx, req.Steps) }
	case "down":
		apply = func() error { return m.MigrateDown(ctx, max(req.Steps, 1)) }
	case "goto":
		apply = func() error { return m.MigrateTo(ctx, req.Version) }
	case "status":
	default:
		return postgres.MigrationState{}, fmt.Errorf("unsupported direction %q (use up|down|goto|status)", req.Direction)
	}

	if apply != nil {
		if direction != "goto" {
			before, err := m.MigrationStatus(ctx)
			if err != nil {
				return postgres.MigrationState{}, fmt.Errorf("read schema version: %w", err)
			}
			if before.Dirty {
				return before, fmt.Errorf("schema is dirty at version %d; repair it and run -direction goto", before.Version)
			}
		}
		if err := apply(); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate %s: %w", direction, err)
		}
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("read schema version: %w", err)
	}
	return state, nil
}

func fail(format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(1)
}
