package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amanthanvi/lockbox/internal/app"
	debugpkg "github.com/amanthanvi/lockbox/internal/debug"
	"github.com/spf13/cobra"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "debug",
		Short:   "Diagnostics helpers",
		Example: "  lockbox debug bundle --output ./lockbox-debug.json",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Collect sanitized diagnostics into a JSON bundle",
		Long:  "Collect platform, config and vault health facts into a JSON file. No master password is needed and no account data is read.",
		Example: "  lockbox debug bundle --output ./lockbox-debug.json\n" +
			"  lockbox --json debug bundle --output ./lockbox-debug.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			if strings.TrimSpace(outputPath) == "" {
				return usageErrorf("debug bundle requires --output")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			bundle := debugpkg.NewBundle(time.Now())
			bundle.Version = map[string]any{
				"version":    deps.build.Version,
				"commit":     deps.build.Commit,
				"build_time": deps.build.BuildTime,
			}
			collectVaultDiagnostics(ctx, deps, &bundle)

			if err := debugpkg.WriteBundle(outputPath, bundle); err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{
					"output":  outputPath,
					"healthy": bundle.Healthy(),
				}))
			}
			return mapCommandError(printLine(deps, "debug bundle written: %s", outputPath))
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Bundle output path")
	return cmd
}

// collectVaultDiagnostics records what it can and turns every failure into a
// failed check rather than an error.
func collectVaultDiagnostics(ctx context.Context, deps commandDeps, bundle *debugpkg.Bundle) {
	cfg, report, err := loadRuntimeConfig(deps)
	bundle.AddCheck("config", err, "loaded")
	if err != nil {
		return
	}
	bundle.Config = map[string]any{
		"config_path":      report.ConfigPath,
		"policy_overrides": report.PolicyOverrides,
		"vault_path":       cfg.Vault.Path,
		"keys_dir":         cfg.Vault.KeysDir,
		"backup_dir":       cfg.Vault.BackupDir,
		"daily_backup":     cfg.Vault.DailyBackup,
		"log_level":        cfg.Logging.Level,
		"log_file":         cfg.Logging.File,
	}

	if _, err := os.Stat(cfg.Vault.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrVaultNotInitialized
		}
		bundle.AddCheck("vault", err, "")
		return
	}

	session, closeFn, err := openVaultSession(ctx, deps, cfg, report)
	bundle.AddCheck("vault", err, "opened")
	if err != nil {
		return
	}
	defer closeFn()

	vault := map[string]any{}
	if version, err := session.store.SchemaVersion(ctx); err == nil {
		vault["schema_version"] = version
	}
	if vaultID, err := session.store.VaultID(ctx); err == nil {
		vault["vault_id"] = vaultID
	}
	if state, err := session.auth.State(ctx); err == nil {
		vault["master"] = state.String()
	}
	bundle.Vault = vault

	keyReport, err := app.NewKeyService(session.store.Accounts, session.keys, session.logger).Check(ctx)
	if err == nil && !keyReport.Healthy() {
		err = fmt.Errorf("%d accounts missing keys, %d orphaned keys", len(keyReport.MissingKeys), len(keyReport.Orphaned))
	}
	if keyReport != nil {
		vault["accounts"] = keyReport.Accounts
	}
	bundle.AddCheck("keys", err, "consistent")

	verify, err := session.audit.Verify(ctx)
	if err == nil && !verify.Valid {
		err = errors.New(verify.Error)
	}
	okMessage := ""
	if verify != nil {
		okMessage = fmt.Sprintf("%d events", verify.EventCount)
	}
	bundle.AddCheck("audit", err, okMessage)
}
