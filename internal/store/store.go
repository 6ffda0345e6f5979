package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions: 1 indexes pending records, 2 keys modules by location.
const currentSchemaVersion = 2

// Store holds patch records and the module registry of one installation in
// a SQLite database under the patches directory.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it when missing, and brings
// its schema up to date. Opening an existing database again is harmless.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	// One connection: records and registry rows are written from one
	// manager at a time, and WAL lets readers in between.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configure(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func configure(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// migrate creates missing tables and applies the steps newer than the
// stored user_version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	steps := []func(*sql.DB) error{migrateToV1, migrateToV2}
	for i := version; i < len(steps); i++ {
		if err := steps[i](db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// migrateToV1 indexes pending records, which are scanned at every start.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_patch_records_pending
		ON patch_records(pending)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 rekeys modules by location. Databases created before it
// keyed modules by name, which merged release lines.
func migrateToV2(db *sql.DB) error {
	var hasKey int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('modules') WHERE name = 'key'`,
	).Scan(&hasKey); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if hasKey == 0 {
		return nil
	}
	_, err := db.Exec(`
		CREATE TABLE modules_v2 (
			location TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			version  TEXT NOT NULL,
			state    TEXT NOT NULL
		);
		INSERT OR REPLACE INTO modules_v2 (location, name, version, state)
			SELECT location, name, version, state FROM modules;
		DROP TABLE modules;
		ALTER TABLE modules_v2 RENAME TO modules;
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// pragma returns the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
