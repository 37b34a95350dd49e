package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/loykin/fleetdispatch/internal/store"
	"github.com/loykin/fleetdispatch/internal/store/storetest"
)

func startMySQLContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	c, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("fleet"),
		mysql.WithUsername("fleet"),
		mysql.WithPassword("fleet"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start MySQL container: %v", err)
		return "", nil
	}
	dsn, err := c.ConnectionString(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get connection string: %v", err)
		return "", nil
	}
	return dsn, func() {
		_ = c.Terminate(ctx)
		cancel()
	}
}

func TestMySQLConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn, terminate := startMySQLContainer(t)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New("mysql://" + dsn)
		if err != nil {
			t.Fatalf("mysql open: %v", err)
		}
		ctx := context.Background()
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

func TestNew_DSN(t *testing.T) {
	if _, err := New("mysql://"); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	db, err := New("mysql://fleet:pw@tcp(127.0.0.1:3306)/fleet")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = db.Close()
}
