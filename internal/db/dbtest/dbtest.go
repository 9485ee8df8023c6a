// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"database/sql"
	"testing"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// New returns a fresh database with every migration applied, seed catalog included.
func New(t testing.TB) *db.DB {
	t.Helper()

	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	database := db.Wrap(raw, db.DialectSQLite)
	require.NoError(t, database.Migrate())
	return database
}

// Empty is New without the seed catalog.
func Empty(t testing.TB) *db.DB {
	t.Helper()

	database := New(t)
	_, err := database.Exec("DELETE FROM products")
	require.NoError(t, err)
	return database
}

// InsertProduct adds a product row directly.
func InsertProduct(t testing.TB, database *db.DB, id, name string, priceMinor int64, inventory int) {
	t.Helper()

	_, err := database.Exec(
		`INSERT INTO products (id, name, category, price_minor, inventory, created_at, updated_at)
		 VALUES (?, ?, 'Test', ?, ?, '2025-01-01 00:00:00', '2025-01-01 00:00:00')`,
		id, name, priceMinor, inventory,
	)
	require.NoError(t, err)
}

// Inventory reads the current stock of a product.
func Inventory(t testing.TB, database *db.DB, id string) int {
	t.Helper()

	var n int
	require.NoError(t, database.QueryRow("SELECT inventory FROM products WHERE id = ?", id).Scan(&n))
	return n
}
