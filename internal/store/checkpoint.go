package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpdateCheckpoint updates a sync checkpoint value.
func (db *DB) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value; missing keys return "".
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// ClearCheckpoints removes every checkpoint (logout).
func (db *DB) ClearCheckpoints() error {
	_, err := db.Exec(`DELETE FROM sync_state`)
	return err
}
