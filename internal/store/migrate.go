package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrator returns a golang-migrate instance for the store's dialect using
// the embedded migrations.
func (s *Store) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	var drv database.Driver
	switch s.dialect {
	case DialectPostgres:
		drv, err = migratepg.WithInstance(s.writer.DB, &migratepg.Config{})
	case DialectSQLite:
		drv, err = migratesqlite.WithInstance(s.writer.DB, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", s.dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations. Already-applied migrations are
// skipped, so it is safe to call on every startup.
func (s *Store) Migrate() error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
