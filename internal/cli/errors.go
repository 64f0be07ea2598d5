package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/amanthanvi/lockbox/internal/auth"
	"github.com/amanthanvi/lockbox/internal/config"
	"github.com/amanthanvi/lockbox/internal/crypto"
	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/amanthanvi/lockbox/internal/storage"
)

const (
	ExitCodeSuccess           = 0
	ExitCodeGeneric           = 1
	ExitCodeUsage             = 2
	ExitCodeNotFound          = 3
	ExitCodePermission        = 4
	ExitCodeAuthFailed        = 5
	ExitCodeDependencyMissing = 6
	ExitCodeIO                = 7
)

var ErrVaultNotInitialized = errors.New("vault not initialized; run `lockbox init`")

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed),
		errors.Is(err, crypto.ErrAuthenticationFailed):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, keystore.ErrKeyNotFound),
		errors.Is(err, ErrVaultNotInitialized):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, storage.ErrValidation),
		errors.Is(err, storage.ErrInvalidField),
		errors.Is(err, auth.ErrValidation),
		errors.Is(err, app.ErrValidation),
		errors.Is(err, app.ErrAlreadyInit),
		errors.Is(err, app.ErrTargetNotEmpty),
		errors.Is(err, config.ErrInvalidConfig):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, storage.ErrSchemaTooNew):
		return asExitError(ExitCodeDependencyMissing, err)
	case errors.Is(err, os.ErrPermission):
		return asExitError(ExitCodePermission, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrStorage) {
		return asExitError(ExitCodeIO, err)
	}

	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
