package lifecycle

import (
	"context"
	"fmt"
	"os"
	"testing"

	"mancanexus/internal/store"
)

// postgresEnv runs the coordinator on a PostgreSQL store, using the same
// connection settings as the store package tests. It skips the test if the
// database cannot be reached.
func postgresEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			getenv("PGHOST", "localhost"),
			getenv("PGPORT", "5432"),
			getenv("PGUSER", "user"),
			getenv("PGPASSWORD", "password"),
			getenv("PGDATABASE", "testdb"),
		)
	}

	st, err := store.OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newTestEnvOn(st)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgres_Concurrency(t *testing.T) {
	tests := []struct {
		name string
		run  func(*testing.T, *testEnv)
	}{
		{"assigns to one seat", concurrentAssign},
		{"checkouts by one member", concurrentMemberCap},
		{"checkouts of one item", concurrentItemContention},
		{"returns of one rental", concurrentReturn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, postgresEnv(t))
		})
	}
}
