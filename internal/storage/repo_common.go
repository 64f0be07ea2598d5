package storage

import (
	"database/sql"
	"fmt"

	"github.com/amanthanvi/lockbox/internal/crypto"
)

const accountColumns = `id, key_id,
	typeof(website), website,
	typeof(notes), notes,
	typeof(email), email,
	typeof(username), username,
	typeof(password), password`

type rowScanner interface {
	Scan(dest ...any) error
}

// storedField receives one typeof(col), col pair.
type storedField struct {
	kind string
	data []byte
}

func (f storedField) value() FieldValue {
	if f.kind == "blob" {
		return EncryptedValue(f.data)
	}
	return PlainValue(string(f.data))
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account Account
		keyID   sql.NullString
		fields  [5]storedField
	)
	err := row.Scan(
		&account.ID, &keyID,
		&fields[0].kind, &fields[0].data,
		&fields[1].kind, &fields[1].data,
		&fields[2].kind, &fields[2].data,
		&fields[3].kind, &fields[3].data,
		&fields[4].kind, &fields[4].data,
	)
	if err != nil {
		return Account{}, err
	}

	account.KeyID = keyID.String
	account.Website = fields[0].value()
	account.Notes = fields[1].value()
	account.Email = fields[2].value()
	account.Username = fields[3].value()
	account.Password = fields[4].value()
	return account, nil
}

func encryptField(key []byte, plaintext string) (FieldValue, error) {
	if crypto.IsBlank(plaintext) {
		return PlainValue(plaintext), nil
	}
	sealed, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return FieldValue{}, err
	}
	return FieldValue{Encrypted: true, Data: sealed}, nil
}

func decryptField(key []byte, value FieldValue) (string, error) {
	if !value.Encrypted {
		if crypto.IsBlank(string(value.Data)) {
			return string(value.Data), nil
		}
		return "", ErrNotEncrypted
	}
	return crypto.Decrypt(key, value.Data)
}

func wrapField(field Field, err error) error {
	return fmt.Errorf("%s: %w", field, err)
}
