package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	// The security_events table is the audit trail of record: append-only,
	// no UPDATE or DELETE statement exists anywhere for it.
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			user_id TEXT NOT NULL,
			container_id TEXT DEFAULT '',
			command TEXT NOT NULL,
			threat_kind TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS blocked_users (
			user_id TEXT PRIMARY KEY,
			reason TEXT DEFAULT '',
			blocked_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create blocked_users table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)",
		"CREATE INDEX IF NOT EXISTS idx_security_events_threat ON security_events(threat_kind)",
	}
	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
