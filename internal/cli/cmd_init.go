package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/amanthanvi/lockbox/internal/auth"
	"github.com/spf13/cobra"
)

const defaultInitConfig = `[vault]
# path = "/path/to/Accounts.db"
keys_dir = "keys"
backup_dir = "backup"
daily_backup = true

[logging]
level = "info"
file = ""
max_size_mb = 10
max_files = 5
`

func newInitCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault and enroll the master password",
		Example: "  lockbox init\n" +
			"  printf '%s\\n' \"$MASTER\" | lockbox --password-stdin init",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("init does not accept positional arguments")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, report, err := loadRuntimeConfig(deps)
			if err != nil {
				return mapCommandError(err)
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
			if state == auth.StateSet {
				return mapCommandError(fmt.Errorf("%w: %s", app.ErrAlreadyInit, cfg.Vault.Path))
			}

			master, err := deps.secrets.readConfirmed(cmd, deps, "Master password")
			if err != nil {
				return mapCommandError(err)
			}
			if err := app.BootstrapVault(ctx, session.auth, master); err != nil {
				return mapCommandError(err)
			}
			vaultID, err := session.store.VaultID(ctx)
			if err != nil {
				return mapCommandError(err)
			}
			session.record(ctx, audit.VaultInitEvent(vaultID))
			session.logger.Info("vault initialized", "path", cfg.Vault.Path)

			if err := writeDefaultConfig(report.ConfigPath); err != nil {
				return mapCommandError(err)
			}

			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{
					"initialized": true,
					"vault_id":    vaultID,
					"vault_path":  cfg.Vault.Path,
					"keys_dir":    cfg.Vault.KeysDir,
					"config_path": report.ConfigPath,
				}))
			}
			if err := printLine(deps, "initialized vault: %s", cfg.Vault.Path); err != nil {
				return mapCommandError(err)
			}
			return mapCommandError(printLine(deps, "config: %s", report.ConfigPath))
		},
	}
	return cmd
}

// writeDefaultConfig leaves an existing config file untouched.
func writeDefaultConfig(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("init: stat config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("init: create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultInitConfig), 0o600); err != nil {
		return fmt.Errorf("init: write config: %w", err)
	}
	return nil
}
