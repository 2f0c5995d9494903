package main

import (
	"errors"
	"os"
	"strings"

	"github.com/Henrry-Ojeda/gym-app/migrations"
	"github.com/charmbracelet/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found")
	}

	dbUrl := os.Getenv("DB_URL")
	if dbUrl == "" {
		log.Fatal("DB_URL environment variable is required")
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		log.Fatal("failed to open embedded migrations", "err", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, pgxURL(dbUrl))
	if err != nil {
		log.Fatal("failed to init migrate", "err", err)
	}
	defer m.Close()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	if cmd == "down" {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration down failed", "err", err)
		}
		log.Info("Migration down successful")
	} else {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration up failed", "err", err)
		}
		log.Info("Migration up successful")
	}
}

// pgxURL rewrites a postgres:// DSN to the scheme the pgx/v5 driver registers.
func pgxURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
