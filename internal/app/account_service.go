package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amanthanvi/lockbox/internal/storage"
)

type AccountService struct {
	accounts storage.AccountRepository
	logger   *slog.Logger
}

func NewAccountService(accounts storage.AccountRepository, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{accounts: accounts, logger: logger}
}

func (s *AccountService) Add(ctx context.Context, req AddAccountRequest) (*AccountView, error) {
	saved, err := s.accounts.Save(ctx, storage.AccountInput{
		Website:  req.Website,
		Notes:    req.Notes,
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("add account: %w", err)
	}
	return &AccountView{
		ID:       saved.ID,
		KeyID:    saved.KeyID,
		Website:  req.Website,
		Notes:    req.Notes,
		Email:    req.Email,
		Username: req.Username,
		Password: maskPassword(req.Password, false),
	}, nil
}

// List returns every account except the master row in id order. Rows that
// fail to decrypt are returned with Error set; the caller decides how loud to
// be about them.
func (s *AccountService) List(ctx context.Context, req ListAccountsRequest) ([]AccountView, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	views := make([]AccountView, 0, len(accounts))
	for _, account := range accounts {
		if account.IsMaster() {
			continue
		}
		record, err := s.accounts.Reveal(account)
		if err != nil {
			s.logger.Warn("account not readable", "account_id", account.ID, "key_id", account.KeyID, "error", err)
			views = append(views, AccountView{ID: account.ID, KeyID: account.KeyID, Error: err.Error()})
			continue
		}
		views = append(views, viewFromRecord(record, req.Reveal))
	}
	return views, nil
}

func (s *AccountService) Show(ctx context.Context, id int64) (*AccountView, error) {
	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("show account: %w", err)
	}
	if account.IsMaster() {
		return nil, fmt.Errorf("show account: %w: account %d is reserved", ErrValidation, id)
	}
	record, err := s.accounts.Reveal(*account)
	if err != nil {
		return nil, fmt.Errorf("show account: %w", err)
	}
	view := viewFromRecord(record, true)
	return &view, nil
}

func (s *AccountService) Set(ctx context.Context, id int64, fieldName, value string) error {
	field, err := storage.ParseField(fieldName)
	if err != nil {
		return fmt.Errorf("set account field: %w", err)
	}
	if err := s.accounts.Update(ctx, id, field, value); err != nil {
		return fmt.Errorf("set account field: %w", err)
	}
	return nil
}

func (s *AccountService) Remove(ctx context.Context, id int64) error {
	if err := s.accounts.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	return nil
}

func viewFromRecord(record *storage.Record, reveal bool) AccountView {
	return AccountView{
		ID:       record.ID,
		KeyID:    record.KeyID,
		Website:  record.Website,
		Notes:    record.Notes,
		Email:    record.Email,
		Username: record.Username,
		Password: maskPassword(record.Password, reveal),
	}
}

func maskPassword(password string, reveal bool) string {
	if reveal || password == "" {
		return password
	}
	return MaskedPassword
}
