package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store provides SQLite storage for onPulse login state and OAuth tokens.
// Biometric data is never written here.
type Store struct {
	db  *sql.DB
	key []byte // AES-256 key for tokens at rest
}

// New opens (or creates) the database at dbPath. secret seeds the key used
// to encrypt OAuth tokens at rest.
func New(dbPath, secret string) (*Store, error) {
	if secret == "" {
		return nil, fmt.Errorf("store: encryption secret is required")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every :memory: connection is its own database, and
	// SQLite is single-writer anyway. busy_timeout handles contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	key, err := deriveKey(secret)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, key: key}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.migrateSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		-- Issued session and completion credentials, keyed by JWT ID.
		CREATE TABLE IF NOT EXISTS auth_tokens (
			token      TEXT PRIMARY KEY,
			purpose    TEXT NOT NULL DEFAULT 'session',
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS twofa_codes (
			email      TEXT PRIMARY KEY,
			code_hash  TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS oauth_states (
			state      TEXT PRIMARY KEY,
			subject    TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		-- The single connected Oura account.
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at    INTEGER NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires ON auth_tokens(expires_at);
		CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateSchema upgrades databases created by earlier releases.
func (s *Store) migrateSchema() error {
	hasPurpose, err := s.tableHasColumn("auth_tokens", "purpose")
	if err != nil {
		return err
	}
	if !hasPurpose {
		if _, err := s.db.Exec(`ALTER TABLE auth_tokens ADD COLUMN purpose TEXT NOT NULL DEFAULT 'session'`); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("failed to add purpose to auth_tokens: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) tableHasColumn(tableName, columnName string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table_info for %s: %w", tableName, err)
		}
		if name == columnName {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate table_info for %s: %w", tableName, err)
	}
	return false, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns a setting value, or "" if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetSetting: %w", err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store.SetSetting: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting.
func (s *Store) DeleteSetting(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("store.DeleteSetting: %w", err)
	}
	return nil
}
