package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending embedded migration.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	var (
		driver database.Driver
		closer func() error
	)
	switch db.Dialect {
	case DialectMySQL:
		// The mysql driver pins a connection for its lifetime, so migrations
		// run on a short lived handle of their own.
		raw, err := sql.Open("mysql", db.dsn)
		if err != nil {
			return fmt.Errorf("could not open migration connection: %w", err)
		}
		driver, err = migratemysql.WithInstance(raw, &migratemysql.Config{})
		if err != nil {
			raw.Close()
			return fmt.Errorf("could not create migration driver: %w", err)
		}
		closer = driver.Close
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("could not create migration driver: %w", err)
		}
		// closing the driver would close db.DB
		closer = src.Close
	default:
		return fmt.Errorf("unsupported dialect %q", db.Dialect)
	}
	defer closer()

	m, err := migrate.NewWithInstance("iofs", src, string(db.Dialect), driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}
