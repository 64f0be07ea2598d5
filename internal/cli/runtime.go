package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/amanthanvi/lockbox/internal/auth"
	"github.com/amanthanvi/lockbox/internal/config"
	"github.com/amanthanvi/lockbox/internal/keystore"
	logpkg "github.com/amanthanvi/lockbox/internal/log"
	"github.com/amanthanvi/lockbox/internal/storage"
	"github.com/spf13/cobra"
)

var loadConfigFn = config.Load

// vaultSession is an open vault plus the services built on it.
type vaultSession struct {
	cfg    config.Config
	report config.LoadReport
	logger *slog.Logger
	keys   *keystore.Store
	store  *storage.Store
	auth   *auth.Service
	audit  *audit.Service
}

// record appends to the audit chain. A failed append is logged and never
// fails the command.
func (s *vaultSession) record(ctx context.Context, event audit.Event) {
	if s == nil || s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("record audit event", "action", event.Action, "error", err)
	}
}

func loadRuntimeConfig(deps commandDeps) (config.Config, config.LoadReport, error) {
	loadOpts := config.LoadOptions{}
	if deps.globals != nil {
		if configPath := strings.TrimSpace(deps.globals.ConfigPath); configPath != "" {
			loadOpts.ConfigPath = configPath
		}
		if vaultPath := strings.TrimSpace(deps.globals.VaultPath); vaultPath != "" {
			loadOpts.Flags.VaultPath = &vaultPath
		}
		if level := strings.TrimSpace(deps.globals.LogLevel); level != "" {
			loadOpts.Flags.LogLevel = &level
		}
	}

	cfg, report, err := loadConfigFn(loadOpts)
	if err != nil {
		return config.Config{}, report, fmt.Errorf("load config: %w", err)
	}
	return cfg, report, nil
}

func newRuntimeLogger(deps commandDeps, cfg config.Config) (*slog.Logger, io.Closer, error) {
	opts := cfg.Logging.Options()
	if deps.globals.Quiet && opts.File == "" {
		opts.Level = "error"
	}
	logger, closer, err := logpkg.New(opts, deps.errOut)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return logger.With("component", "cli"), closer, nil
}

// openVaultSession opens (creating if needed) the vault named by the
// effective config. Callers must invoke the returned close func.
func openVaultSession(ctx context.Context, deps commandDeps, cfg config.Config, report config.LoadReport) (*vaultSession, func(), error) {
	logger, logCloser, err := newRuntimeLogger(deps, cfg)
	if err != nil {
		return nil, nil, err
	}

	keys, err := keystore.New(cfg.Vault.KeysDir, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}

	storeOpts := []storage.Option{storage.WithLogger(logger)}
	if cfg.Vault.DailyBackup {
		storeOpts = append(storeOpts, storage.WithDailyBackup(cfg.Vault.BackupDir))
	}
	store, err := storage.Open(cfg.Vault.Path, keys, storeOpts...)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}

	authSvc, err := auth.New(store.Master, logger)
	if err != nil {
		_ = store.Close()
		_ = logCloser.Close()
		return nil, nil, err
	}

	auditSvc, err := audit.NewService(ctx, store.Audit)
	if err != nil {
		_ = store.Close()
		_ = logCloser.Close()
		return nil, nil, err
	}

	session := &vaultSession{
		cfg:    cfg,
		report: report,
		logger: logger,
		keys:   keys,
		store:  store,
		auth:   authSvc,
		audit:  auditSvc,
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close vault", "error", err)
		}
		_ = logCloser.Close()
	}
	return session, closeFn, nil
}

// withUnlockedVault opens an initialized vault, checks the master password
// and runs fn. It never enrolls a master password; that is init's job.
func withUnlockedVault(cmd *cobra.Command, deps commandDeps, fn func(context.Context, *vaultSession) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, report, err := loadRuntimeConfig(deps)
	if err != nil {
		return mapCommandError(err)
	}
	if _, err := os.Stat(cfg.Vault.Path); errors.Is(err, os.ErrNotExist) {
		return mapCommandError(fmt.Errorf("%w: %s", ErrVaultNotInitialized, cfg.Vault.Path))
	} else if err != nil {
		return mapCommandError(fmt.Errorf("stat vault: %w", err))
	}

	session, closeFn, err := openVaultSession(ctx, deps, cfg, report)
	if err != nil {
		return mapCommandError(err)
	}
	defer closeFn()

	state, err := session.auth.State(ctx)
	if err != nil {
		return mapCommandError(err)
	}
	if state != auth.StateSet {
		return mapCommandError(fmt.Errorf("%w: %s", ErrVaultNotInitialized, session.cfg.Vault.Path))
	}

	master, err := deps.secrets.read(cmd, deps, "Master password")
	if err != nil {
		return mapCommandError(err)
	}
	if _, err := session.auth.Authenticate(ctx, master); err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			session.record(ctx, audit.AuthFailureEvent(cmd.CommandPath()))
		}
		return mapCommandError(err)
	}

	return mapCommandError(fn(ctx, session))
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printLine(deps commandDeps, format string, args ...any) error {
	if deps.globals.Quiet {
		return nil
	}
	_, err := fmt.Fprintf(deps.out, format+"\n", args...)
	return err
}
