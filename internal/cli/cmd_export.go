package cli

import (
	"context"
	"strings"

	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/spf13/cobra"
)

func newExportCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Create and restore passphrase-encrypted vault exports",
	}
	cmd.AddCommand(newExportCreateCommand(deps))
	cmd.AddCommand(newExportRestoreCommand(deps))
	return cmd
}

func newExportCreateCommand(deps commandDeps) *cobra.Command {
	var (
		output    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write the vault and its keys to an encrypted archive",
		Example: "  lockbox export create --output ~/lockbox-2026-10-16.lbx\n" +
			"  printf '%s\\n%s\\n' \"$MASTER\" \"$EXPORT_PASS\" | lockbox --password-stdin export create --output vault.lbx",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("export create does not accept positional arguments")
			}
			if strings.TrimSpace(output) == "" {
				return usageErrorf("export create requires --output")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				passphrase, err := deps.secrets.readConfirmed(cmd, deps, "Export passphrase")
				if err != nil {
					return err
				}
				manifest, err := app.NewExportService(session.store, session.logger).Create(ctx, app.ExportCreateRequest{
					OutputPath: output,
					Passphrase: []byte(passphrase),
					Overwrite:  overwrite,
				})
				var exportID string
				var files int
				if manifest != nil {
					exportID, files = manifest.ExportID, len(manifest.Files)
				}
				session.record(ctx, audit.ExportEvent(exportID, files, err))
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"path":     output,
						"manifest": manifest,
					})
				}
				return printLine(deps, "export created: %s (%d files)", output, len(manifest.Files))
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Archive output path")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing archive")
	return cmd
}

func newExportRestoreCommand(deps commandDeps) *cobra.Command {
	var (
		input     string
		target    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Unpack an encrypted archive into a vault directory",
		Long:  "Unpack an encrypted archive into <target>/Accounts.db and <target>/keys. The master password of the exported vault stays in effect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("export restore does not accept positional arguments")
			}
			if strings.TrimSpace(input) == "" {
				return usageErrorf("export restore requires --input")
			}
			if strings.TrimSpace(target) == "" {
				return usageErrorf("export restore requires --target")
			}

			cfg, _, err := loadRuntimeConfig(deps)
			if err != nil {
				return mapCommandError(err)
			}
			logger, closer, err := newRuntimeLogger(deps, cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer closer.Close()

			passphrase, err := deps.secrets.read(cmd, deps, "Export passphrase")
			if err != nil {
				return mapCommandError(err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			manifest, err := app.RestoreExport(ctx, app.ExportRestoreRequest{
				InputPath:  input,
				Passphrase: []byte(passphrase),
				TargetDir:  target,
				Overwrite:  overwrite,
			}, logger)
			if err != nil {
				return mapCommandError(err)
			}

			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{
					"target":   target,
					"manifest": manifest,
				}))
			}
			return mapCommandError(printLine(deps, "export restored: %s (vault %s)", target, manifest.VaultID))
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Archive to restore")
	cmd.Flags().StringVar(&target, "target", "", "Directory to restore into")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing vault in the target directory")
	return cmd
}
