package config

import (
	"os"
	"testing"
	"time"
)

func unsetEnv() {
	_ = os.Unsetenv("CONTACTMESH_DB_DRIVER")
	_ = os.Unsetenv("CONTACTMESH_SQLITE_PATH")
	_ = os.Unsetenv("CONTACTMESH_POSTGRES_DSN")
	_ = os.Unsetenv("CONTACTMESH_AGGREGATION_DELAY")
	_ = os.Unsetenv("CONTACTMESH_SUGGESTION_LIMIT")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("unexpected default driver: %s", cfg.DBDriver)
	}
	if cfg.SQLitePath == "" {
		t.Fatalf("sqlite path not derived")
	}
	if cfg.AggregationDelay != time.Second {
		t.Fatalf("unexpected default delay: %v", cfg.AggregationDelay)
	}
	if cfg.SuggestionLimit != 4 {
		t.Fatalf("unexpected default suggestion limit: %d", cfg.SuggestionLimit)
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	unsetEnv()
	_ = os.Setenv("CONTACTMESH_SQLITE_PATH", "/tmp/contacts-test.db")
	_ = os.Setenv("CONTACTMESH_AGGREGATION_DELAY", "250ms")
	defer unsetEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.SQLitePath != "/tmp/contacts-test.db" {
		t.Fatalf("sqlite path env override failed, got %s", cfg.SQLitePath)
	}
	if cfg.AggregationDelay != 250*time.Millisecond {
		t.Fatalf("delay env override failed, got %v", cfg.AggregationDelay)
	}
}
