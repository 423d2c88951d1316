package db

import (
	"strings"
	"testing"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %q before %q", names[i-1], names[i])
		}
	}
}

func TestInitialSchemaGuardsActiveSessions(t *testing.T) {
	body, err := migrations.ReadFile("migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := string(body)
	for _, want := range []string{
		"parking_sessions_one_active_per_user",
		"parking_sessions_one_active_per_spot",
		"engine_events",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("init migration missing %q", want)
		}
	}
}
