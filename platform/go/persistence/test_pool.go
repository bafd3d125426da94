package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// mustTestPool creates a test database connection pool and applies the
// control-plane schema. TEST_DATABASE_URL takes precedence; otherwise a
// throwaway Postgres container is started via Testcontainers.
func mustTestPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	ctx := context.Background()
	connString, stop := testDatabaseURL(t)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		stop()
		t.Fatalf("create test pool: %v", err)
	}

	if err := BootstrapSchema(ctx, pool); err != nil {
		pool.Close()
		stop()
		t.Fatalf("bootstrap schema: %v", err)
	}

	cleanup := func() {
		pool.Close()
		stop()
	}

	return pool, cleanup
}

// testDatabaseURL reads TEST_DATABASE_URL or spins up a disposable Postgres
// container. The returned func tears down whatever was started.
func testDatabaseURL(t *testing.T) (string, func()) {
	t.Helper()

	if url, ok := os.LookupEnv("TEST_DATABASE_URL"); ok && url != "" {
		return url, func() {}
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("stores_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		t.Fatalf("container conn string: %v", err)
	}

	return connString, func() {
		_ = testcontainers.TerminateContainer(container)
	}
}
