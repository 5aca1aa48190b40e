package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"crashpool/internal/config"
	"crashpool/internal/database"
	"crashpool/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg := config.Load()
	log, err := logger.New("crashpool-migrate", cfg.Env, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		dir := cfg.MigrationsPath
		if dir == "" {
			dir = "./internal/database/migrations"
		}
		if err := createMigration(dir, os.Args[2], log); err != nil {
			log.Fatal("Failed to create migration", zap.Error(err))
		}
		return
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	source := cfg.MigrationsPath
	if source == "" {
		source = "embedded"
	}

	switch command {
	case "up":
		log.Info("Running migrations...", zap.String("source", source))
		if err := database.RunMigrations(db, cfg.MigrationsPath); err != nil {
			log.Fatal("Migration failed", zap.Error(err))
		}
		log.Info("Migrations completed successfully")

	case "down":
		log.Info("Rolling back last migration...", zap.String("source", source))
		if err := database.RollbackMigration(db, cfg.MigrationsPath); err != nil {
			log.Fatal("Rollback failed", zap.Error(err))
		}
		log.Info("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, cfg.MigrationsPath)
		if err != nil {
			log.Fatal("Failed to get version", zap.Error(err))
		}
		if dirty {
			log.Warn("Current version is DIRTY, needs manual intervention", zap.Uint("version", version))
		} else {
			log.Info("Current version", zap.Uint("version", version))
		}

	default:
		log.Error("Unknown command", zap.String("command", command))
		printUsage()
		os.Exit(1)
	}
}

func createMigration(dir, name string, log *zap.Logger) error {
	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return err
	}
	nextVersion := len(ups) + 1

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n\n-- Add your SQL here\n", name)
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return err
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return err
	}

	log.Info("Created migration files", zap.String("up", upFile), zap.String("down", downFile))
	return nil
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_PATH         Migrations directory (default: embedded in the binary)")
}
