package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contactmesh/contactmesh/internal/store"
	"github.com/contactmesh/contactmesh/internal/store/storetest"
)

// Integration test; requires a reachable Postgres. Example:
//
//	CONTACTMESH_TEST_POSTGRES_DSN=postgres://localhost:5432/contactmesh_test go test ./internal/store/postgres
func TestPostgresStoreCompliance(t *testing.T) {
	dsn := os.Getenv("CONTACTMESH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONTACTMESH_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
