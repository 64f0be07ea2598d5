package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
)

type Store struct {
	db     *sql.DB
	path   string
	keys   KeyStore
	logger *slog.Logger
	backup *DailyBackup

	Accounts AccountRepository
	Master   MasterRepository
	Audit    AuditRepository
}

type options struct {
	logger    *slog.Logger
	backupDir string
	now       func() time.Time
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDailyBackup copies the database into dir after the first successful
// commit of each calendar day.
func WithDailyBackup(dir string) Option {
	return func(o *options) { o.backupDir = dir }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func Open(path string, keys KeyStore, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}
	if keys == nil {
		return nil, fmt.Errorf("open storage: key store is nil")
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open storage: create parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// One local writer; pragmas are per connection so keep the single
	// connection alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := RunMigrations(db, DefaultMigrations()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &Store{
		db:     db,
		path:   path,
		keys:   keys,
		logger: o.logger,
	}
	if o.backupDir != "" {
		store.backup = &DailyBackup{
			Dir:    o.backupDir,
			DBPath: path,
			Now:    o.now,
		}
	}
	store.Accounts = &accountRepository{db: db, keys: keys, logger: o.logger, afterCommit: store.afterCommit}
	store.Master = &masterRepository{db: db, afterCommit: store.afterCommit}
	store.Audit = &auditRepository{db: db}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Keys() KeyStore {
	if s == nil {
		return nil
	}
	return s.keys
}

// VaultID returns the random identifier assigned when the schema was created.
func (s *Store) VaultID(ctx context.Context) (string, error) {
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM vault_meta WHERE key = ?`, vaultIDMetaKey).Scan(&id); err != nil {
		return "", fmt.Errorf("read vault id: %w", err)
	}
	return id, nil
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM vault_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&raw); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

// Checkpoint folds the WAL into the main database file so the file alone is
// a complete copy of the vault.
func (s *Store) Checkpoint(ctx context.Context) error {
	return checkpoint(ctx, s.db)
}

// afterCommit runs the backup hook. Backup failures never undo or fail the
// committed operation.
func (s *Store) afterCommit(ctx context.Context) {
	if s.backup == nil {
		return
	}
	if err := checkpoint(ctx, s.db); err != nil {
		s.logger.Warn("daily backup skipped", "error", err)
		return
	}
	path, created, err := s.backup.Snapshot()
	if err != nil {
		s.logger.Warn("daily backup failed", "path", path, "error", err)
		return
	}
	if created {
		s.logger.Info("daily backup created", "path", path)
	}
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configure sqlite %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureDBPermissions(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions: %w", err)
		}
	}

	walPath := path + "-wal"
	if err := os.Chmod(walPath, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set wal file permissions: %w", err)
		}
	}
	return nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
