package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type masterRepository struct {
	db          *sql.DB
	afterCommit func(context.Context)
}

// Fetch returns the stored master credential hash, if one has been set.
func (r *masterRepository) Fetch(ctx context.Context) (string, bool, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `
		SELECT password FROM accounts
		WHERE username = ? AND typeof(username) = 'text'
		ORDER BY id
		LIMIT 1
	`, MasterUsername).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("fetch master credential: %w", storageErr(err))
	}
	return hash, true, nil
}

// Set writes the sentinel row. It refuses to replace an existing one.
func (r *masterRepository) Set(ctx context.Context, hash string) error {
	if hash == "" {
		return fmt.Errorf("set master credential: %w: hash is empty", ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set master credential: %w", storageErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE username = ? AND typeof(username) = 'text'`, MasterUsername).Scan(&count); err != nil {
		return fmt.Errorf("set master credential: %w", storageErr(err))
	}
	if count > 0 {
		return ErrMasterExists
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts(key_id, username, password) VALUES(NULL, ?, ?)`, MasterUsername, hash); err != nil {
		return fmt.Errorf("set master credential: %w", storageErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set master credential: commit: %w", storageErr(err))
	}

	r.afterCommit(ctx)
	return nil
}
