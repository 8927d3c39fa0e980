package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/fleetwatch/internal/models"
)

// AdminCredential is the singleton admin password row.
type AdminCredential struct {
	PasswordHash  string
	TokenVersion  int64
	InitializedAt time.Time
	UpdatedAt     time.Time
}

// GetCredential returns the admin credential, or models.ErrNotFound before
// bootstrap.
func (d *DB) GetCredential(ctx context.Context) (*AdminCredential, error) {
	var c AdminCredential
	var initializedAt, updatedAt string
	err := d.conn.QueryRowContext(ctx, `
		SELECT password_hash, token_version, initialized_at, updated_at
		FROM admin_credential WHERE id = 1`,
	).Scan(&c.PasswordHash, &c.TokenVersion, &initializedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admin credential: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if c.InitializedAt, err = parseTime(initializedAt); err != nil {
		return nil, fmt.Errorf("parse initialized_at %q: %w", initializedAt, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	return &c, nil
}

// InsertCredential creates the admin credential exactly once. A second call
// returns models.ErrAlreadyInitialized and leaves the stored hash untouched.
func (d *DB) InsertCredential(ctx context.Context, passwordHash string, at time.Time) error {
	stamp := formatTime(at)
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO admin_credential (id, password_hash, token_version, initialized_at, updated_at)
		VALUES (1, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		passwordHash, stamp, stamp,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return models.ErrAlreadyInitialized
	}
	return nil
}

// RotateCredential replaces the password hash and bumps the token version in
// one statement, returning the new version.
func (d *DB) RotateCredential(ctx context.Context, passwordHash string, at time.Time) (int64, error) {
	var version int64
	err := d.conn.QueryRowContext(ctx, `
		UPDATE admin_credential
		SET password_hash = ?, token_version = token_version + 1, updated_at = ?
		WHERE id = 1
		RETURNING token_version`,
		passwordHash, formatTime(at),
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("admin credential: %w", models.ErrNotFound)
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return version, nil
}
