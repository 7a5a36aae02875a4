// Package testutil holds shared setup for the Postgres integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
)

// PGTest opens the database named by POSTGRES_URL, applies the goose
// migrations from the repository's migrations/ directory, and returns
// the handle plus a cleanup that truncates every application table.
// Tests are skipped when POSTGRES_URL is not set.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Store tests that only need their own tables bootstrap them through
// the store's Migrate method instead; PGTest exists for tests that
// want the complete schema.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := applyMigrations(ctx, db, migrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: apply migrations: %v", err)
	}

	return db, func() {
		resetTables(ctx, db)
		_ = db.Close()
	}
}

// migrationsDir walks up from the test's working directory until it
// finds the repository-level migrations/ directory.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory above the test working directory")
		}
		dir = parent
	}
}

// applyMigrations executes the Up section of every goose file in name
// order. filepath.Glob returns sorted matches, and the numeric prefixes
// make name order version order.
func applyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	for _, path := range files {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the repo's migrations dir
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		up, _, _ := strings.Cut(string(data), "-- +goose Down")
		if _, err := db.ExecContext(ctx, up); err != nil {
			return fmt.Errorf("execute %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// resetTables truncates every table in the public schema so each test
// starts from an empty database. Best effort; teardown must not fail
// the test.
func resetTables(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}
	// Names come from pg_tables, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
	_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104
}
