package app

import (
	"errors"
)

var (
	ErrValidation     = errors.New("app: validation failed")
	ErrAlreadyInit    = errors.New("app: vault already initialized")
	ErrTargetNotEmpty = errors.New("app: restore target is not empty")
)

// MaskedPassword replaces a non-blank password in listings that were not
// asked to reveal secrets.
const MaskedPassword = "********"

type AddAccountRequest struct {
	Website  string
	Notes    string
	Email    string
	Username string
	Password string
}

type ListAccountsRequest struct {
	Reveal bool
}

// AccountView is the decrypted, presentation-ready form of an account. A row
// that cannot be decrypted carries Error and no field values.
type AccountView struct {
	ID       int64  `json:"id"`
	KeyID    string `json:"key_id"`
	Website  string `json:"website"`
	Notes    string `json:"notes"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Error    string `json:"error,omitempty"`
}

type KeyGCResult struct {
	Orphaned []string `json:"orphaned"`
	Removed  []string `json:"removed"`
	DryRun   bool     `json:"dry_run"`
}

type KeyCheckReport struct {
	Accounts    int      `json:"accounts"`
	MissingKeys []int64  `json:"missing_keys"`
	Orphaned    []string `json:"orphaned"`
}

func (r KeyCheckReport) Healthy() bool {
	return len(r.MissingKeys) == 0 && len(r.Orphaned) == 0
}

type ExportCreateRequest struct {
	OutputPath string
	Passphrase []byte
	Overwrite  bool
}

type ExportRestoreRequest struct {
	InputPath  string
	Passphrase []byte
	TargetDir  string
	Overwrite  bool
}

type ExportManifest struct {
	Version   int                           `json:"version"`
	ExportID  string                        `json:"export_id"`
	VaultID   string                        `json:"vault_id"`
	CreatedAt string                        `json:"created_at"`
	Files     map[string]ExportManifestFile `json:"files"`
}

type ExportManifestFile struct {
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}
