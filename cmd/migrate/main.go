// Package main provides a CLI tool for running placement journal migrations.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
)

const usage = "Usage: migrate <up|down|down-all|version|force N>"

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if len(os.Args) < 2 {
		logger.Fatal(usage)
	}
	command := os.Args[1]

	cfg, err := config.Load(os.Getenv("VMPLACER_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	logger.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Fatal("Failed to create database driver", zap.Error(err))
	}

	migrationsURL := "file://migrations"
	if dir := os.Getenv("VMPLACER_MIGRATIONS"); dir != "" {
		migrationsURL = "file://" + dir
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err), zap.String("source", migrationsURL))
	}

	if err := run(m, command, os.Args[2:], logger); err != nil {
		logger.Fatal("Migration command failed", zap.String("command", command), zap.Error(err))
	}
}

func run(m *migrate.Migrate, command string, args []string, logger *zap.Logger) error {
	switch command {
	case "up":
		logger.Info("Running migrations up...")
		return ignoreNoChange(m.Up())

	case "down":
		logger.Info("Rolling back last migration...")
		return ignoreNoChange(m.Steps(-1))

	case "down-all":
		logger.Info("Rolling back all migrations...")
		return ignoreNoChange(m.Down())

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)
		return nil

	case "force":
		if len(args) < 1 {
			return errors.New("usage: migrate force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(args[0], "%d", &version); err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		logger.Info("Forcing version...", zap.Int("version", version))
		return m.Force(version)
	}
	return errors.New(usage)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
