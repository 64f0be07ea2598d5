package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation   = errors.New("storage: validation failed")
	ErrNotFound     = errors.New("storage: not found")
	ErrInvalidField = errors.New("storage: invalid field")
	ErrStorage      = errors.New("storage: operation failed")
	ErrMasterExists = errors.New("storage: master credential already set")
	ErrNotEncrypted = errors.New("storage: field is not encrypted")
	ErrSchemaTooNew = errors.New("storage: schema version newer than code")
)

// MasterUsername marks the sentinel row that carries the master credential
// hash instead of an account record.
const MasterUsername = "master"

// Field names one of the five editable account columns.
type Field string

const (
	FieldWebsite  Field = "Website"
	FieldNotes    Field = "Notes"
	FieldEmail    Field = "Email"
	FieldUsername Field = "Username"
	FieldPassword Field = "Password"
)

var Fields = []Field{FieldWebsite, FieldNotes, FieldEmail, FieldUsername, FieldPassword}

func ParseField(name string) (Field, error) {
	for _, field := range Fields {
		if strings.EqualFold(strings.TrimSpace(name), string(field)) {
			return field, nil
		}
	}
	return "", fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidField, name)
}

func (f Field) column() (string, bool) {
	switch f {
	case FieldWebsite:
		return "website", true
	case FieldNotes:
		return "notes", true
	case FieldEmail:
		return "email", true
	case FieldUsername:
		return "username", true
	case FieldPassword:
		return "password", true
	default:
		return "", false
	}
}

// FieldValue is a stored account field. Encrypted values hold
// nonce||ciphertext||tag and are written as BLOBs; plain values are the
// blank pass-through case (or the sentinel row) and are written as TEXT.
type FieldValue struct {
	Encrypted bool
	Data      []byte
}

func PlainValue(s string) FieldValue {
	return FieldValue{Data: []byte(s)}
}

func EncryptedValue(data []byte) FieldValue {
	return FieldValue{Encrypted: true, Data: append([]byte(nil), data...)}
}

func (v FieldValue) sqlValue() any {
	if v.Encrypted {
		return v.Data
	}
	return string(v.Data)
}

type Account struct {
	ID int64
	// KeyID is empty only for the sentinel row.
	KeyID    string
	Website  FieldValue
	Notes    FieldValue
	Email    FieldValue
	Username FieldValue
	Password FieldValue
}

func (a Account) IsMaster() bool {
	return !a.Username.Encrypted && string(a.Username.Data) == MasterUsername
}

func (a Account) Value(field Field) FieldValue {
	switch field {
	case FieldWebsite:
		return a.Website
	case FieldNotes:
		return a.Notes
	case FieldEmail:
		return a.Email
	case FieldUsername:
		return a.Username
	case FieldPassword:
		return a.Password
	default:
		return FieldValue{}
	}
}

type AccountInput struct {
	Website  string
	Notes    string
	Email    string
	Username string
	Password string
}

// Record is a decrypted account.
type Record struct {
	ID       int64  `json:"id"`
	KeyID    string `json:"key_id"`
	Website  string `json:"website"`
	Notes    string `json:"notes"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// KeyStore is the file store holding one raw key per account.
type KeyStore interface {
	Save(keyID string, key []byte) error
	Load(keyID string) ([]byte, error)
	Delete(keyID string) (bool, error)
	List() ([]string, error)
}

type AccountRepository interface {
	List(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, id int64) (*Account, error)
	Save(ctx context.Context, input AccountInput) (*Account, error)
	Update(ctx context.Context, id int64, field Field, value string) error
	Delete(ctx context.Context, id int64) error
	Reveal(account Account) (*Record, error)
	OrphanedKeys(ctx context.Context) ([]string, error)
	MissingKeys(ctx context.Context) ([]int64, error)
}

type MasterRepository interface {
	Fetch(ctx context.Context) (hash string, ok bool, err error)
	Set(ctx context.Context, hash string) error
}

// AuditEvent is one link of the audit hash chain. EventHash covers the
// canonical event payload and PrevHash.
type AuditEvent struct {
	ID          int64
	Action      string
	TargetType  string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

type AuditFilter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	// AfterID skips events up to and including this id, for paging.
	AfterID int64
	Limit   int
}

type AuditRepository interface {
	// AppendWithTip stores event and moves the chain tip to tip in one
	// transaction.
	AppendWithTip(ctx context.Context, event *AuditEvent, tip string) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	ChainTip(ctx context.Context) (string, error)
}
