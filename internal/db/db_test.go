package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestRunMigrations_InvalidDirection(t *testing.T) {
	err := RunMigrations(nil, "sideways")
	if err == nil {
		t.Fatal("expected error for invalid direction, got nil")
	}
	if !strings.Contains(err.Error(), "invalid migration direction") {
		t.Errorf("error = %q, want invalid migration direction", err)
	}
}

func TestMigrationsFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file in migrations: %s", name)
		}
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("migration %s has no down file", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("migration %s has no up file", base)
		}
	}
}

func TestMigrationsFS_RateLimitUniqueKey(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/000003_rate_limit_windows.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "UNIQUE (identifier, endpoint_category, window_start)") {
		t.Error("rate_limit_windows must be unique on (identifier, endpoint_category, window_start)")
	}
}

func TestMigrationsFS_RateLimitTransitionMarker(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/000004_rate_limit_transition.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(data)
	if !strings.Contains(sql, "ADD COLUMN IF NOT EXISTS transition_id UUID") {
		t.Error("000004 must add the transition_id marker column")
	}
	if !strings.Contains(sql, "SET transition_id = id WHERE limit_exceeded") {
		t.Error("000004 must backfill the marker on windows that are already exceeded")
	}
}
