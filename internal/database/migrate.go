package database

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator handles database migrations
type Migrator struct {
	migrate *migrate.Migrate
	db      *DB
	log     logger.Logger
}

// NewMigrator builds a migrator over the embedded schema files.
func NewMigrator(db *DB, log logger.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to open embedded migrations", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to create postgres driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to create migrator", err)
	}
	return &Migrator{migrate: m, db: db, log: logger.OrDefault(log)}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to run migrations", err)
	}
	m.log.Info("Database migrations completed")
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to rollback migrations", err)
	}
	m.log.Info("Database migrations rolled back")
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to get migration version", err)
	}
	return version, dirty, nil
}

// Close releases the migrator. The postgres driver closes the *DB it was
// built on as well.
func (m *Migrator) Close() error {
	m.db.stopMonitor()
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to close migration source", srcErr)
	}
	if dbErr != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to close migration driver", dbErr)
	}
	return nil
}
