package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/spf13/cobra"
)

func newKeysCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"key"},
		Short:   "Inspect and clean up per-account key files",
	}
	cmd.AddCommand(newKeysGCCommand(deps))
	cmd.AddCommand(newKeysCheckCommand(deps))
	return cmd
}

func newKeysGCCommand(deps commandDeps) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove key files no account references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("keys gc does not accept positional arguments")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				result, err := app.NewKeyService(session.store.Accounts, session.keys, session.logger).GC(ctx, dryRun)
				if !dryRun {
					var removed []string
					if result != nil {
						removed = result.Removed
					}
					session.record(ctx, audit.KeyGCEvent(removed, err))
				}
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, result)
				}
				if dryRun {
					for _, keyID := range result.Orphaned {
						if err := printLine(deps, "would remove: %s", keyID); err != nil {
							return err
						}
					}
					return printLine(deps, "orphaned keys: %d", len(result.Orphaned))
				}
				return printLine(deps, "removed keys: %d", len(result.Removed))
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List orphaned keys without removing them")
	return cmd
}

func newKeysCheckCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report accounts without keys and keys without accounts",
		Long:  "Report accounts whose key file is missing and key files no account references. Exits 1 when either list is non-empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("keys check does not accept positional arguments")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				report, err := app.NewKeyService(session.store.Accounts, session.keys, session.logger).Check(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, report); err != nil {
						return err
					}
				} else if err := writeKeyCheckReport(deps, report); err != nil {
					return err
				}
				if !report.Healthy() {
					return &ExitError{
						Code: ExitCodeGeneric,
						Err:  fmt.Errorf("key check failed: %d missing, %d orphaned", len(report.MissingKeys), len(report.Orphaned)),
					}
				}
				return nil
			})
		},
	}
}

func writeKeyCheckReport(deps commandDeps, report *app.KeyCheckReport) error {
	if err := printLine(deps, "accounts: %d", report.Accounts); err != nil {
		return err
	}
	missing := make([]string, 0, len(report.MissingKeys))
	for _, id := range report.MissingKeys {
		missing = append(missing, fmt.Sprintf("%d", id))
	}
	if err := printLine(deps, "missing keys: %s", listOrNone(missing)); err != nil {
		return err
	}
	return printLine(deps, "orphaned keys: %s", listOrNone(report.Orphaned))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
