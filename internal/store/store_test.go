package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"patch_records", "modules", "repositories", "features", "installed_features", "activity"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		got, err := s.pragma(tt.name)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.expected {
			t.Errorf("%s = %q, expected %q", tt.name, got, tt.expected)
		}
	}
}

func TestOpen_SchemaVersion(t *testing.T) {
	s := openTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, expected %d", version, currentSchemaVersion)
	}

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_patch_records_pending'",
	).Scan(&name)
	if err != nil {
		t.Errorf("pending index missing: %v", err)
	}
}

func TestOpen_RekeysModulesByLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE modules (
			key      TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			version  TEXT NOT NULL,
			location TEXT NOT NULL,
			state    TEXT NOT NULL
		);
		INSERT INTO modules VALUES ('foo-core', 'foo-core', '1.3.1', 'mvn:org.foo/foo-core/1.3.1', 'ACTIVE');
		PRAGMA user_version = 1;
	`)
	db.Close()
	if err != nil {
		t.Fatalf("seed v1 database: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var keyColumns int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('modules') WHERE name = 'key'",
	).Scan(&keyColumns); err != nil {
		t.Fatalf("inspect modules: %v", err)
	}
	if keyColumns != 0 {
		t.Error("modules still keyed by name after migration")
	}

	var name, state string
	err = s.db.QueryRow(
		"SELECT name, state FROM modules WHERE location = 'mvn:org.foo/foo-core/1.3.1'",
	).Scan(&name, &state)
	if err != nil {
		t.Fatalf("migrated module missing: %v", err)
	}
	if name != "foo-core" || state != "ACTIVE" {
		t.Errorf("migrated module = (%q, %q), expected (foo-core, ACTIVE)", name, state)
	}
}
