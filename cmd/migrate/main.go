package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  COVER_CONFIG          - optional YAML config file")
		fmt.Println("  COVER_POSTGRES_DSN    - Postgres connection string (required)")
		fmt.Println("  COVER_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(os.Getenv("COVER_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.InMemory() {
		logger.Fatal().Msg("COVER_POSTGRES_DSN is not set")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, st := range statuses {
			mark := "pending"
			if st.Applied {
				mark = "applied"
			}
			fmt.Printf("%s  %-8s %s\n", st.Version, mark, st.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
