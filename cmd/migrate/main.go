// Command migrate applies or rolls back the database schema.
//
//	migrate -action up
//	migrate -action down -steps 1
//	migrate -action version
//	migrate -action force -version 2
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/quill/quill/internal/migrate"
)

type migrateConfig struct {
	DatabaseURL   string `env:"DATABASE_URL,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version, force")
		steps   = flag.Int("steps", 1, "Number of migrations to roll back with -action down")
		version = flag.Int("version", -1, "Version to record with -action force")
		envFile = flag.String("env-file", ".env", "Optional dotenv file to load")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load env file", slog.String("path", *envFile), slog.String("error", err.Error()))
	}

	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, logger)
	if err != nil {
		logger.Error("failed to prepare migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer runner.Close()

	if err := run(runner, *action, *steps, *version); err != nil {
		logger.Error("migration failed", slog.String("action", *action), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(runner *migrate.Runner, action string, steps, version int) error {
	switch action {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down(steps)
	case "version":
		v, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	case "force":
		if version < 0 {
			return fmt.Errorf("-version is required with -action force")
		}
		return runner.Force(version)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}
