// Package migrate applies the versioned SQL migrations under migrations/.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Runner applies and rolls back schema migrations.
type Runner struct {
	db      *sql.DB
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New opens databaseURL and prepares migrations from dir.
func New(databaseURL, dir string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve migrations dir: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Runner{db: db, migrate: m, logger: logger}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.logVersion("migrations applied")
	return nil
}

// Down rolls back the given number of migrations.
func (r *Runner) Down(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	if err := r.migrate.Steps(-steps); err != nil {
		return fmt.Errorf("roll back %d migrations: %w", steps, err)
	}
	r.logVersion("migrations rolled back")
	return nil
}

// Version returns the applied version and whether the last run failed
// midway. A database with no migrations reports version 0.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Force marks version as applied without running it. Used to recover
// from a dirty state after fixing a failed migration by hand.
func (r *Runner) Force(version int) error {
	r.logger.Warn("forcing migration version", slog.Int("version", version))
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Close releases the migrator and its database handle.
func (r *Runner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

func (r *Runner) logVersion(msg string) {
	version, dirty, err := r.Version()
	if err != nil {
		r.logger.Warn(msg, slog.String("version_error", err.Error()))
		return
	}
	r.logger.Info(msg, slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}
