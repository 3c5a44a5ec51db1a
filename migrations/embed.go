// Package migrations embeds the goose SQL migrations so the server, the
// migrate command and integration tests all apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Run executes a goose command (up, down, status, ...) against db using the
// embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}
