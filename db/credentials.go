package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LoadCredentials returns the stored credential blob, or nil if the relay
// has never been paired.
func (db *DB) LoadCredentials(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// SaveCredentials replaces the stored credential blob.
func (db *DB) SaveCredentials(ctx context.Context, blob []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (id, blob, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, blob, time.Now().UTC())
	return err
}

// DeleteCredentials forgets the pairing; the next session starts a new one.
func (db *DB) DeleteCredentials(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}

// CredentialsUpdatedAt reports when credentials were last saved. ok is
// false if none are stored.
func (db *DB) CredentialsUpdatedAt(ctx context.Context) (t time.Time, ok bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT updated_at FROM credentials WHERE id = 1`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
