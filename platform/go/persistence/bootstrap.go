package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/Sheety35/multi-store-k8s-platform/database"
)

// BootstrapSchema applies the control-plane DDL in a single transaction, in
// this order:
//  1. control_plane/stores.sql
//  2. control_plane/idempotency_keys.sql
//  3. control_plane/rate_limits.sql
//  4. control_plane/audit_logs.sql
//
// SQL is embedded at build time so binaries stay self-contained. Every
// statement is conditional (IF NOT EXISTS), so the helper is idempotent and
// safe to run from the API server, the CLI, and tests.
func BootstrapSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("bootstrap schema: pool is required")
	}

	var statements []string
	statements = append(statements, splitStatements(sqlassets.StoresSQL)...)
	statements = append(statements, splitStatements(sqlassets.IdempotencyKeysSQL)...)
	statements = append(statements, splitStatements(sqlassets.RateLimitsSQL)...)
	statements = append(statements, splitStatements(sqlassets.AuditLogsSQL)...)

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// splitStatements breaks an embedded SQL asset into individual statements.
// The assets contain no string literals with semicolons, so a plain split is
// sufficient.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
