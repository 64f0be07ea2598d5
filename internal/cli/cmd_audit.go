package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/spf13/cobra"
)

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit log",
	}
	cmd.AddCommand(newAuditListCommand(deps))
	cmd.AddCommand(newAuditVerifyCommand(deps))
	return cmd
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var (
		action string
		target string
		since  string
		until  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List audit events, oldest first",
		Example: "  lockbox audit ls --action account.delete\n" +
			"  lockbox audit ls --since 2026-10-01T00:00:00Z --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit ls does not accept positional arguments")
			}
			if limit < 0 {
				return usageErrorf("--limit must not be negative")
			}
			filter := audit.Filter{
				Target: strings.TrimSpace(target),
				Limit:  limit,
			}
			var err error
			if strings.TrimSpace(action) != "" {
				if filter.Action, err = audit.ParseAction(action); err != nil {
					return usageErrorf("--action: %v", err)
				}
			}
			if filter.Since, err = parseAuditTime("--since", since); err != nil {
				return err
			}
			if filter.Until, err = parseAuditTime("--until", until); err != nil {
				return err
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				events, err := session.audit.List(ctx, filter)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, events)
				}
				if deps.globals.Quiet {
					return nil
				}
				w := tabwriter.NewWriter(deps.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIME\tACTION\tTARGET\tRESULT\tDETAILS")
				for _, event := range events {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						event.ID,
						event.At.Local().Format(time.RFC3339),
						event.Action,
						strings.TrimSuffix(string(event.Kind)+":"+event.Target, ":"),
						event.Result,
						describeDetails(event.Details),
					)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Only show events with this action ("+actionNames()+")")
	cmd.Flags().StringVar(&target, "target", "", "Only show events for this account id, vault id or export id")
	cmd.Flags().StringVar(&since, "since", "", "Only show events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only show events at or before this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (0 for the default)")
	return cmd
}

func newAuditVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain",
		Long:  "Recompute the audit hash chain. Exits 1 when an event was altered or removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit verify does not accept positional arguments")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				result, err := session.audit.Verify(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if err := printJSON(deps.out, result); err != nil {
						return err
					}
				} else if result.Valid {
					if err := printLine(deps, "audit chain valid: %d events", result.EventCount); err != nil {
						return err
					}
				}
				if !result.Valid {
					return &ExitError{Code: ExitCodeGeneric, Err: fmt.Errorf("audit chain invalid: %s", result.Error)}
				}
				return nil
			})
		},
	}
}

func parseAuditTime(flag, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, usageErrorf("%s: expected RFC 3339 time, got %q", flag, raw)
	}
	return &parsed, nil
}

func actionNames() string {
	names := make([]string, 0, len(audit.AllActions))
	for _, action := range audit.AllActions {
		names = append(names, string(action))
	}
	return strings.Join(names, ", ")
}

func describeDetails(details audit.Details) string {
	parts := make([]string, 0, 4)
	if details.Field != "" {
		parts = append(parts, "field="+string(details.Field))
	}
	if len(details.KeyIDs) > 0 {
		parts = append(parts, "keys="+strings.Join(details.KeyIDs, ","))
	}
	if details.Count > 0 {
		parts = append(parts, fmt.Sprintf("count=%d", details.Count))
	}
	if details.Command != "" {
		parts = append(parts, "command="+strconv.Quote(details.Command))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
