package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const backupDateLayout = "2006-01-02"

// DailyBackup copies the database file to Dir at most once per calendar day.
type DailyBackup struct {
	Dir    string
	DBPath string
	Now    func() time.Time
}

// PathFor returns the backup file name used for the day containing t.
func (b *DailyBackup) PathFor(t time.Time) string {
	return filepath.Join(b.Dir, "accounts_backup_"+t.Format(backupDateLayout)+".db")
}

// Snapshot writes today's backup unless it already exists. The caller must
// have checkpointed the database first.
func (b *DailyBackup) Snapshot() (string, bool, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	target := b.PathFor(now())

	if _, err := os.Stat(target); err == nil {
		return target, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return target, false, fmt.Errorf("stat backup: %w", err)
	}

	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return target, false, fmt.Errorf("create backup dir: %w", err)
	}
	if err := copyFile(b.DBPath, target); err != nil {
		return target, false, err
	}
	return target, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".backup-*.tmp")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("finalize backup: %w", err)
	}
	return nil
}
