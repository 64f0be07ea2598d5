package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amanthanvi/lockbox/internal/storage"
)

// KeyService reconciles the key directory with the accounts table.
type KeyService struct {
	accounts storage.AccountRepository
	keys     storage.KeyStore
	logger   *slog.Logger
}

func NewKeyService(accounts storage.AccountRepository, keys storage.KeyStore, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{accounts: accounts, keys: keys, logger: logger}
}

// GC removes key files no account references. Such files are left behind
// when a save fails between writing the key and committing the row.
func (s *KeyService) GC(ctx context.Context, dryRun bool) (*KeyGCResult, error) {
	orphaned, err := s.accounts.OrphanedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect orphaned keys: %w", err)
	}

	result := &KeyGCResult{
		Orphaned: append([]string{}, orphaned...),
		Removed:  []string{},
		DryRun:   dryRun,
	}
	if dryRun {
		return result, nil
	}

	for _, keyID := range orphaned {
		removed, err := s.keys.Delete(keyID)
		if err != nil {
			return result, fmt.Errorf("collect orphaned keys: remove %s: %w", keyID, err)
		}
		if removed {
			result.Removed = append(result.Removed, keyID)
			s.logger.Info("orphaned key removed", "key_id", keyID)
		}
	}
	return result, nil
}

func (s *KeyService) Check(ctx context.Context) (*KeyCheckReport, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("check keys: %w", err)
	}
	missing, err := s.accounts.MissingKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("check keys: %w", err)
	}
	orphaned, err := s.accounts.OrphanedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("check keys: %w", err)
	}

	report := &KeyCheckReport{
		MissingKeys: append([]int64{}, missing...),
		Orphaned:    append([]string{}, orphaned...),
	}
	for _, account := range accounts {
		if !account.IsMaster() {
			report.Accounts++
		}
	}
	return report, nil
}
