package config

import (
	"os"
	"testing"
)

func TestResolveDefaultsAuto(t *testing.T) {
	unsetEnv()
	_ = os.Setenv("CONTACTMESH_DB_DRIVER", "auto")
	defer unsetEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("unexpected mapping: %s", cfg.DBDriver)
	}
}

func TestResolveDefaultsPostgresRequiresDSN(t *testing.T) {
	unsetEnv()
	_ = os.Setenv("CONTACTMESH_DB_DRIVER", "postgres")
	defer unsetEnv()

	if _, err := New(); err == nil {
		t.Fatalf("expected error for postgres without DSN")
	}

	_ = os.Setenv("CONTACTMESH_POSTGRES_DSN", "postgres://localhost/contacts")
	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("unexpected driver: %s", cfg.DBDriver)
	}
}

func TestResolveDefaultsRejectsUnknownDriver(t *testing.T) {
	unsetEnv()
	_ = os.Setenv("CONTACTMESH_DB_DRIVER", "spanner")
	defer unsetEnv()

	if _, err := New(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
