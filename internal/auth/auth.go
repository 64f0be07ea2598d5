// Package auth gates access to the vault with a single master credential.
//
// The credential is stored as the hex SHA-256 digest of its UTF-8 bytes in
// the sentinel account row. The digest is unsalted and computed in a single
// round, which makes offline guessing cheap for anyone who can read the
// database file. It is kept because existing vaults store exactly that value.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amanthanvi/lockbox/internal/crypto"
	"github.com/amanthanvi/lockbox/internal/storage"
)

var (
	ErrValidation           = errors.New("auth: validation failed")
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
)

type State int

const (
	StateUnset State = iota
	StateSet
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateSet:
		return "set"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Result int

const (
	// ResultEnrolled means the candidate became the master credential.
	ResultEnrolled Result = iota + 1
	ResultAuthenticated
)

func (r Result) String() string {
	switch r {
	case ResultEnrolled:
		return "enrolled"
	case ResultAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

type Service struct {
	repo   storage.MasterRepository
	logger *slog.Logger
	mu     sync.Mutex
}

func New(repo storage.MasterRepository, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new auth service: repository is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}, nil
}

func (s *Service) State(ctx context.Context) (State, error) {
	_, ok, err := s.repo.Fetch(ctx)
	if err != nil {
		return StateUnset, fmt.Errorf("read master state: %w", err)
	}
	if !ok {
		return StateUnset, nil
	}
	return StateSet, nil
}

// Authenticate enrolls candidate when no master credential exists yet and
// otherwise checks it against the stored digest. There is no lockout.
func (s *Service) Authenticate(ctx context.Context, candidate string) (Result, error) {
	if crypto.IsBlank(candidate) {
		return 0, fmt.Errorf("authenticate: %w: master credential is empty", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	digest := crypto.HashString(candidate)
	stored, ok, err := s.repo.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}

	if !ok {
		if err := s.repo.Set(ctx, digest); err != nil {
			return 0, fmt.Errorf("authenticate: enroll: %w", err)
		}
		s.logger.Info("master credential enrolled")
		return ResultEnrolled, nil
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) != 1 {
		s.logger.Warn("master authentication failed")
		return 0, ErrAuthenticationFailed
	}
	s.logger.Debug("master authenticated")
	return ResultAuthenticated, nil
}
