package stores

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/oarkflow/squealx"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the entity and audit tables when missing.
func Migrate(ctx context.Context, db *squealx.DB) error {
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
