package database

import (
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationSource returns the embedded licenses schema as a migrate source
func MigrationSource() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// Migrator handles database migrations
type Migrator struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrator opens a dedicated connection and prepares the embedded migrations
func NewMigrator(cfg *config.DatabaseConfig) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.NewCriticalError("failed to open database connection").WithCause(err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewCriticalError("failed to ping database").WithCause(err)
	}

	m, err := NewMigratorFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewMigratorFromDB builds a migrator over an open connection
func NewMigratorFromDB(db *sql.DB) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, errors.NewInternalError("failed to create postgres driver").WithCause(err)
	}

	src, err := MigrationSource()
	if err != nil {
		return nil, errors.NewInternalError("failed to load embedded migrations").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, errors.NewInternalError("failed to create migrate instance").WithCause(err)
	}

	return &Migrator{migrate: m, db: db}, nil
}

// Close closes the migrator. The postgres driver owns db and closes it too.
func (m *Migrator) Close() error {
	if m.migrate == nil {
		if m.db != nil {
			return m.db.Close()
		}
		return nil
	}
	sourceErr, dbErr := m.migrate.Close()
	return stderrors.Join(sourceErr, dbErr)
}

// Up runs all available migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewInternalError("failed to run migrations").WithCause(err)
	}
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewInternalError("failed to rollback migrations").WithCause(err)
	}
	return nil
}

// Steps runs n migrations up (positive) or down (negative)
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewInternalError("failed to run migration steps").WithCause(err)
	}
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if stderrors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, errors.NewInternalError("failed to get migration version").WithCause(err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return errors.NewInternalError("failed to force migration version").WithCause(err)
	}
	return nil
}
