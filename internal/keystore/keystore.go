// Package keystore persists raw record keys as individual files named after
// their key id.
package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const FileExtension = ".bin"

var (
	ErrKeyNotFound  = errors.New("keystore: key not found")
	ErrInvalidKeyID = errors.New("keystore: invalid key id")
)

var keyIDPattern = regexp.MustCompile(`^[0-9a-f]{1,64}$`)

type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("open keystore: empty directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open keystore: create directory: %w", err)
	}
	return &Store{dir: filepath.Clean(dir), logger: logger}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file that holds keyID. It does not check existence.
func (s *Store) Path(keyID string) string {
	return filepath.Join(s.dir, keyID+FileExtension)
}

// Save writes key verbatim, replacing any existing file for keyID.
func (s *Store) Save(keyID string, key []byte) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+keyID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("save key %s: %w", keyID, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save key %s: chmod: %w", keyID, err)
	}
	if _, err := tmp.Write(key); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save key %s: write: %w", keyID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save key %s: sync: %w", keyID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save key %s: close: %w", keyID, err)
	}
	if err := os.Rename(tmpPath, s.Path(keyID)); err != nil {
		return fmt.Errorf("save key %s: %w", keyID, err)
	}
	return nil
}

func (s *Store) Load(keyID string) ([]byte, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}

	key, err := os.ReadFile(s.Path(keyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	return key, nil
}

// Delete removes the file for keyID and reports whether a file was removed.
// A missing file is not an error. Other failures are logged and returned so
// callers can decide whether to carry on.
func (s *Store) Delete(keyID string) (bool, error) {
	if err := validateKeyID(keyID); err != nil {
		return false, err
	}

	path := s.Path(keyID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		s.logger.Warn("delete key file failed", "key_id", keyID, "path", path, "error", err)
		return false, fmt.Errorf("delete key %s: %w", keyID, err)
	}
	s.logger.Debug("deleted key file", "key_id", keyID)
	return true, nil
}

// List returns the ids of every key file in the directory, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, FileExtension) {
			continue
		}
		id := strings.TrimSuffix(name, FileExtension)
		if !keyIDPattern.MatchString(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func validateKeyID(keyID string) error {
	if !keyIDPattern.MatchString(keyID) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	return nil
}

// ValidKeyID reports whether keyID is safe to use as a key file name.
func ValidKeyID(keyID string) bool {
	return keyIDPattern.MatchString(keyID)
}
