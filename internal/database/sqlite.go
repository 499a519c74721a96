package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uds-pad/wsrelay/internal/client"
)

// ErrNotFound is returned for keys that have no stored value
var ErrNotFound = errors.New("key not found")

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection and initializes schema
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	wrapper := &DB{db}
	if err := wrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return wrapper, nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Key/value preferences
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Frames that were still queued when the client exited
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		frame_type INTEGER NOT NULL,
		data BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_address ON outbox(address, seq);
	`

	_, err := db.Exec(schema)
	return err
}

// GetRaw returns the stored text for key
func (db *DB) GetRaw(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetRaw stores text for key as is
func (db *DB) SetRaw(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// Get decodes the JSON stored under key into v. A value that is not JSON
// can still be read into a *string.
func (db *DB) Get(key string, v any) error {
	raw, err := db.GetRaw(key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		if s, ok := v.(*string); ok {
			*s = raw
			return nil
		}
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Set stores v under key as JSON
func (db *DB) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return db.SetRaw(key, string(data))
}

// Has reports whether key has a stored value
func (db *DB) Has(key string) (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM prefs WHERE key = ?`, key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (db *DB) Remove(key string) error {
	_, err := db.Exec(`DELETE FROM prefs WHERE key = ?`, key)
	return err
}

// Clear deletes every preference
func (db *DB) Clear() error {
	_, err := db.Exec(`DELETE FROM prefs`)
	return err
}

// SaveOutbox replaces the stored frames for address
func (db *DB) SaveOutbox(address string, frames []client.Frame) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM outbox WHERE address = ?`, address); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO outbox (address, frame_type, data) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range frames {
		if _, err := stmt.Exec(address, f.Type, f.Data); err != nil {
			return fmt.Errorf("failed to save frame: %w", err)
		}
	}

	return tx.Commit()
}

// LoadOutbox returns the stored frames for address in their original order
func (db *DB) LoadOutbox(address string) ([]client.Frame, error) {
	rows, err := db.Query(`
		SELECT frame_type, data FROM outbox
		WHERE address = ?
		ORDER BY seq`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []client.Frame
	for rows.Next() {
		var f client.Frame
		if err := rows.Scan(&f.Type, &f.Data); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	return frames, rows.Err()
}
