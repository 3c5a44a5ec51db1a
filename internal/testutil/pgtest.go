// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/escrowd/migrations"
)

// PGTest returns a migrated database plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is set it is used directly. Otherwise a throwaway
// postgres:16-alpine container is started; the test is skipped when no
// container runtime is available. Cleanup truncates application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}

	ctx := context.Background()
	terminate := func() {}

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		url, stop, err := startContainer(ctx)
		if err != nil {
			t.Skipf("pgtest: no POSTGRES_URL and container start failed: %v", err)
		}
		dbURL, terminate = url, stop
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}

	return db, cleanup
}

func startContainer(ctx context.Context) (string, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrowd_test"),
		postgres.WithUsername("escrowd"),
		postgres.WithPassword("escrowd"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, err
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return "", nil, err
	}

	return url, func() { _ = testcontainers.TerminateContainer(container) }, nil
}

// truncateAll truncates application tables between tests, leaving the
// goose version table intact so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
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

	if len(tables) > 0 {
		// #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	}
}
