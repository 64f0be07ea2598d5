package app

import (
	"context"
	"fmt"

	"github.com/amanthanvi/lockbox/internal/auth"
)

// BootstrapVault enrolls master as the vault's master credential. It refuses
// to run against a vault that already has one.
func BootstrapVault(ctx context.Context, authSvc *auth.Service, master string) error {
	if authSvc == nil {
		return fmt.Errorf("bootstrap vault: auth service is nil")
	}

	state, err := authSvc.State(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap vault: %w", err)
	}
	if state == auth.StateSet {
		return ErrAlreadyInit
	}

	result, err := authSvc.Authenticate(ctx, master)
	if err != nil {
		return fmt.Errorf("bootstrap vault: %w", err)
	}
	if result != auth.ResultEnrolled {
		return ErrAlreadyInit
	}
	return nil
}
