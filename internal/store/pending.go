package store

import (
	"database/sql"
	"errors"
	"time"
)

const pendingColumns = `pending_id, room_id, message_type, plaintext, encrypted_content,
	encrypted_session_key, self_encrypted_session_key, asset_id, reply_to,
	status, error_message, created_at, updated_at`

// SavePending inserts or replaces a lookaside entry.
func (db *DB) SavePending(p *PendingSend) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = "sending"
	}
	_, err := db.Exec(`
		INSERT INTO pending_sends (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pending_id) DO UPDATE SET
			plaintext = excluded.plaintext,
			encrypted_content = excluded.encrypted_content,
			encrypted_session_key = excluded.encrypted_session_key,
			self_encrypted_session_key = excluded.self_encrypted_session_key,
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		p.PendingID, p.RoomID, p.MessageType, p.Plaintext, p.EncryptedContent,
		p.EncryptedSessionKey, p.SelfEncryptedSessionKey, p.AssetID, p.ReplyTo,
		p.Status, p.ErrorMessage, p.CreatedAt, p.UpdatedAt)
	return err
}

// MarkPendingSent records that the frame reached the socket.
func (db *DB) MarkPendingSent(pendingID string) error {
	return db.setPendingStatus(pendingID, "sent", "")
}

// MarkPendingFailed records a transmission failure.
func (db *DB) MarkPendingFailed(pendingID, errMsg string) error {
	return db.setPendingStatus(pendingID, "failed", errMsg)
}

func (db *DB) setPendingStatus(pendingID, status, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE pending_sends SET status = ?, error_message = ?, updated_at = ? WHERE pending_id = ?`,
		status, errMsg, now, pendingID)
	return err
}

// DeletePending drops an entry once its echo has been reconciled.
func (db *DB) DeletePending(pendingID string) error {
	_, err := db.Exec(`DELETE FROM pending_sends WHERE pending_id = ?`, pendingID)
	return err
}

// GetPending returns one entry, or nil if absent.
func (db *DB) GetPending(pendingID string) (*PendingSend, error) {
	row := db.QueryRow(`SELECT `+pendingColumns+` FROM pending_sends WHERE pending_id = ?`, pendingID)
	return scanPendingRow(row)
}

// FindPendingByCiphertext returns the oldest entry of room whose ciphertext
// equals ct, or nil.
func (db *DB) FindPendingByCiphertext(roomID, ct string) (*PendingSend, error) {
	if ct == "" {
		return nil, nil
	}
	row := db.QueryRow(`
		SELECT `+pendingColumns+` FROM pending_sends
		WHERE room_id = ? AND encrypted_content = ?
		ORDER BY created_at ASC LIMIT 1`, roomID, ct)
	return scanPendingRow(row)
}

// PendingForRoom lists the room's entries oldest first.
func (db *DB) PendingForRoom(roomID string) ([]PendingSend, error) {
	rows, err := db.Query(`
		SELECT `+pendingColumns+` FROM pending_sends
		WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingSend
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PrunePending deletes entries not touched since before and returns how many.
func (db *DB) PrunePending(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM pending_sends WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearPending removes every entry (logout).
func (db *DB) ClearPending() error {
	_, err := db.Exec(`DELETE FROM pending_sends`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (*PendingSend, error) {
	var p PendingSend
	err := s.Scan(&p.PendingID, &p.RoomID, &p.MessageType, &p.Plaintext, &p.EncryptedContent,
		&p.EncryptedSessionKey, &p.SelfEncryptedSessionKey, &p.AssetID, &p.ReplyTo,
		&p.Status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPendingRow(row *sql.Row) (*PendingSend, error) {
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}
