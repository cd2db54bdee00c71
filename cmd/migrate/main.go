// Command migrate applies the database schema used by the postgres rule
// store and the postgres audit sink.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/logging"
	"github.com/TimurManjosov/gopolicy/migrations"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DB_DSN)")
	flag.StringVar(&migrationsPath, "path", "", "Migrations directory (defaults to the embedded migrations)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	logger, err := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if databaseURL == "" {
		databaseURL = os.Getenv("DB_DSN")
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database or DB_DSN")
	}

	if err := ping(databaseURL); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}

	m, err := open(databaseURL, migrationsPath)
	if err != nil {
		logger.Fatal("create migration instance", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, command, flag.Args(), logger); err != nil {
		logger.Fatal("migration failed", zap.String("command", command), zap.Error(err))
	}
}

// ping checks connectivity before migrate takes its advisory lock, so a bad
// DSN fails fast with the driver's own message.
func ping(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func open(databaseURL, path string) (*migrate.Migrate, error) {
	if path == "" {
		return migrations.New(databaseURL)
	}
	return migrate.New("file://"+path, databaseURL)
}

func run(m *migrate.Migrate, command string, args []string, logger *zap.Logger) error {
	switch command {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database is up to date")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("migrations applied")

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		logger.Info("migrations rolled back")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))

	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Info("forced version", zap.Int("version", version))

	default:
		return fmt.Errorf("unknown command %q (use: up, down, version, force)", command)
	}
	return nil
}
