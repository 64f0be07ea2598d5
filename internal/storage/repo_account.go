package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/amanthanvi/lockbox/internal/crypto"
	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/awnumar/memguard"
)

// maxKeyIDAttempts bounds regeneration when a fresh key id collides with an
// existing row or key file.
const maxKeyIDAttempts = 3

type accountRepository struct {
	db          *sql.DB
	keys        KeyStore
	logger      *slog.Logger
	afterCommit func(context.Context)
}

func (r *accountRepository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", storageErr(err))
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: scan: %w", storageErr(err))
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", storageErr(err))
	}
	return out, nil
}

func (r *accountRepository) Get(ctx context.Context, id int64) (*Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get account %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get account %d: %w", id, storageErr(err))
	}
	return &account, nil
}

// Save encrypts input under a new key and stores both. The key file is
// written before the row is committed: a crash in between leaves an orphaned
// key file, never a row whose key is missing.
func (r *accountRepository) Save(ctx context.Context, input AccountInput) (*Account, error) {
	key, keyID, err := r.newKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	defer memguard.WipeBytes(key)

	account := Account{KeyID: keyID}
	plaintexts := []struct {
		field Field
		value string
		dst   *FieldValue
	}{
		{FieldWebsite, input.Website, &account.Website},
		{FieldNotes, input.Notes, &account.Notes},
		{FieldEmail, input.Email, &account.Email},
		{FieldUsername, input.Username, &account.Username},
		{FieldPassword, input.Password, &account.Password},
	}
	for _, p := range plaintexts {
		value, err := encryptField(key, p.value)
		if err != nil {
			return nil, fmt.Errorf("save account: encrypt %w", wrapField(p.field, err))
		}
		*p.dst = value
	}

	if err := r.keys.Save(keyID, key); err != nil {
		return nil, fmt.Errorf("save account: %w", storageErr(err))
	}

	id, err := r.insert(ctx, account)
	if err != nil {
		r.discardKey(keyID, "insert failed")
		return nil, fmt.Errorf("save account: %w", storageErr(err))
	}
	account.ID = id

	r.logger.Debug("account saved", "account_id", id, "key_id", keyID)
	r.afterCommit(ctx)
	return &account, nil
}

func (r *accountRepository) insert(ctx context.Context, account Account) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO accounts(key_id, website, notes, email, username, password)
		VALUES(?, ?, ?, ?, ?, ?)
	`, account.KeyID,
		account.Website.sqlValue(),
		account.Notes.sqlValue(),
		account.Email.sqlValue(),
		account.Username.sqlValue(),
		account.Password.sqlValue(),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *accountRepository) Update(ctx context.Context, id int64, field Field, value string) error {
	column, ok := field.column()
	if !ok {
		return fmt.Errorf("update account %d: %w: %w: %q", id, ErrValidation, ErrInvalidField, field)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update account %d: %w", id, storageErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	var keyID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT key_id FROM accounts WHERE id = ?`, id).Scan(&keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update account: %w: %w: account %d", ErrValidation, ErrNotFound, id)
		}
		return fmt.Errorf("update account %d: %w", id, storageErr(err))
	}
	if !keyID.Valid || keyID.String == "" {
		return fmt.Errorf("update account %d: %w: row holds the master credential", id, ErrValidation)
	}

	stored := PlainValue(value)
	if !crypto.IsBlank(value) {
		key, err := r.keys.Load(keyID.String)
		if err != nil {
			return fmt.Errorf("update account %d: %w", id, err)
		}
		stored, err = encryptField(key, value)
		memguard.WipeBytes(key)
		if err != nil {
			return fmt.Errorf("update account %d: encrypt %w", id, wrapField(field, err))
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET `+column+` = ? WHERE id = ?`, stored.sqlValue(), id); err != nil {
		return fmt.Errorf("update account %d: %w", id, storageErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update account %d: commit: %w", id, storageErr(err))
	}

	r.logger.Debug("account updated", "account_id", id, "field", string(field))
	r.afterCommit(ctx)
	return nil
}

// Delete removes the row and then its key file. A missing row is a no-op and
// the master row is refused. Key file removal is best effort: a failure is
// logged and leaves an orphan for keys gc.
func (r *accountRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, storageErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	var (
		keyID        sql.NullString
		usernameKind string
		username     sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT key_id, typeof(username), username FROM accounts WHERE id = ?`, id).
		Scan(&keyID, &usernameKind, &username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("delete account %d: %w", id, storageErr(err))
	}
	if isMasterRow(keyID, usernameKind, username) {
		return fmt.Errorf("delete account %d: %w: row holds the master credential", id, ErrValidation)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account %d: %w", id, storageErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete account %d: commit: %w", id, storageErr(err))
	}

	if keyID.Valid && keyID.String != "" {
		r.discardKey(keyID.String, "account deleted")
	}

	r.logger.Debug("account deleted", "account_id", id)
	r.afterCommit(ctx)
	return nil
}

func isMasterRow(keyID sql.NullString, usernameKind string, username sql.NullString) bool {
	if !keyID.Valid || keyID.String == "" {
		return true
	}
	return usernameKind == "text" && username.String == MasterUsername
}

// Reveal decrypts every field of account with its key file.
func (r *accountRepository) Reveal(account Account) (*Record, error) {
	if account.IsMaster() || account.KeyID == "" {
		return nil, fmt.Errorf("reveal account %d: %w: row holds the master credential", account.ID, ErrValidation)
	}

	key, err := r.keys.Load(account.KeyID)
	if err != nil {
		return nil, fmt.Errorf("reveal account %d: %w", account.ID, err)
	}
	defer memguard.WipeBytes(key)

	record := &Record{ID: account.ID, KeyID: account.KeyID}
	targets := []struct {
		field Field
		dst   *string
	}{
		{FieldWebsite, &record.Website},
		{FieldNotes, &record.Notes},
		{FieldEmail, &record.Email},
		{FieldUsername, &record.Username},
		{FieldPassword, &record.Password},
	}
	for _, target := range targets {
		plaintext, err := decryptField(key, account.Value(target.field))
		if err != nil {
			return nil, fmt.Errorf("reveal account %d: decrypt %w", account.ID, wrapField(target.field, err))
		}
		*target.dst = plaintext
	}
	return record, nil
}

// OrphanedKeys lists key files that no account row references.
func (r *accountRepository) OrphanedKeys(ctx context.Context) ([]string, error) {
	referenced, err := r.referencedKeyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("find orphaned keys: %w", err)
	}
	onDisk, err := r.keys.List()
	if err != nil {
		return nil, fmt.Errorf("find orphaned keys: %w", err)
	}

	var orphans []string
	for _, keyID := range onDisk {
		if _, ok := referenced[keyID]; !ok {
			orphans = append(orphans, keyID)
		}
	}
	return orphans, nil
}

// MissingKeys lists account ids whose key file is absent.
func (r *accountRepository) MissingKeys(ctx context.Context) ([]int64, error) {
	referenced, err := r.referencedKeyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("find missing keys: %w", err)
	}
	onDisk, err := r.keys.List()
	if err != nil {
		return nil, fmt.Errorf("find missing keys: %w", err)
	}

	present := make(map[string]struct{}, len(onDisk))
	for _, keyID := range onDisk {
		present[keyID] = struct{}{}
	}

	var missing []int64
	for keyID, id := range referenced {
		if _, ok := present[keyID]; !ok {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

func (r *accountRepository) referencedKeyIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, key_id FROM accounts WHERE key_id IS NOT NULL`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			id    int64
			keyID string
		)
		if err := rows.Scan(&id, &keyID); err != nil {
			return nil, storageErr(err)
		}
		out[keyID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// newKey generates a key whose id is not used by any row or key file.
func (r *accountRepository) newKey(ctx context.Context) ([]byte, string, error) {
	for attempt := 0; attempt < maxKeyIDAttempts; attempt++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, "", err
		}
		keyID := crypto.KeyID(key)

		inUse, err := r.keyIDInUse(ctx, keyID)
		if err != nil {
			memguard.WipeBytes(key)
			return nil, "", err
		}
		if !inUse {
			return key, keyID, nil
		}
		memguard.WipeBytes(key)
		r.logger.Warn("key id collision, regenerating", "key_id", keyID)
	}
	return nil, "", fmt.Errorf("%w: could not allocate an unused key id", ErrStorage)
}

func (r *accountRepository) keyIDInUse(ctx context.Context, keyID string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE key_id = ?`, keyID).Scan(&count); err != nil {
		return false, storageErr(err)
	}
	if count > 0 {
		return true, nil
	}

	key, err := r.keys.Load(keyID)
	if err == nil {
		memguard.WipeBytes(key)
		return true, nil
	}
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return false, nil
	}
	return false, storageErr(err)
}

func (r *accountRepository) discardKey(keyID, reason string) {
	if _, err := r.keys.Delete(keyID); err != nil {
		r.logger.Warn("key file left behind", "key_id", keyID, "reason", reason, "error", err)
	}
}
