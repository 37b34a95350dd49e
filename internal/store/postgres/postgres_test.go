package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/fleetdispatch/internal/store"
	"github.com/loykin/fleetdispatch/internal/store/sqlstore"
	"github.com/loykin/fleetdispatch/internal/store/storetest"
)

func startPostgres(t *testing.T) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fleet"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		cancel()
		t.Skipf("postgres container unavailable: %v", err)
		return "", nil
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		cancel()
		t.Skipf("postgres connection string: %v", err)
		return "", nil
	}
	return dsn, func() {
		_ = c.Terminate(ctx)
		cancel()
	}
}

func TestPostgresConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	dsn, terminate := startPostgres(t)
	if terminate != nil {
		defer terminate()
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New(dsn)
		if err != nil {
			t.Fatalf("pg open: %v", err)
		}
		ctx := context.Background()
		// subtests share one database
		for _, tbl := range []string{"workflow_jobs", "flows", "devices"} {
			_, _ = db.SQL().ExecContext(ctx, "DROP TABLE IF EXISTS "+tbl)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestRebindPlaceholders(t *testing.T) {
	db, err := New("postgres://user@localhost/db")
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if db.Dialect() != sqlstore.Postgres {
		t.Fatalf("unexpected dialect %q", db.Dialect())
	}
}
