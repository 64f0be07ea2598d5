package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/amanthanvi/lockbox/internal/audit"
	"github.com/spf13/cobra"
)

func newAccountCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"accounts"},
		Short:   "Manage stored accounts",
	}
	cmd.AddCommand(newAccountAddCommand(deps))
	cmd.AddCommand(newAccountListCommand(deps))
	cmd.AddCommand(newAccountShowCommand(deps))
	cmd.AddCommand(newAccountSetCommand(deps))
	cmd.AddCommand(newAccountRemoveCommand(deps))
	return cmd
}

func newAccountAddCommand(deps commandDeps) *cobra.Command {
	var (
		req      app.AddAccountRequest
		generate bool
		genOpts  generateOptions
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		Example: "  lockbox account add --website example.com --username alice --password hunter2\n" +
			"  lockbox account add --website example.com --username alice --generate --length 32",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("account add does not accept positional arguments")
			}
			passwordSet := cmd.Flags().Changed("password")
			if generate && passwordSet {
				return usageErrorf("--generate and --password are mutually exclusive")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				switch {
				case generate:
					password, err := app.GeneratePassword(genOpts.request())
					if err != nil {
						return err
					}
					req.Password = password
				case !passwordSet:
					password, err := deps.secrets.read(cmd, deps, "Account password")
					if err != nil {
						return err
					}
					req.Password = password
				}

				view, err := app.NewAccountService(session.store.Accounts, session.logger).Add(ctx, req)
				var createdID int64
				var createdKey string
				if view != nil {
					createdID, createdKey = view.ID, view.KeyID
				}
				session.record(ctx, audit.AccountEvent(audit.ActionAccountCreate, createdID, createdKey, err))
				if err != nil {
					return err
				}
				if generate {
					view.Password = req.Password
				}
				if deps.globals.JSON {
					return printJSON(deps.out, view)
				}
				if generate {
					if err := printLine(deps, "generated password: %s", req.Password); err != nil {
						return err
					}
				}
				return printLine(deps, "account added: id=%d", view.ID)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Website, "website", "", "Website")
	flags.StringVar(&req.Notes, "notes", "", "Notes")
	flags.StringVar(&req.Email, "email", "", "Email address")
	flags.StringVar(&req.Username, "username", "", "Username")
	flags.StringVar(&req.Password, "password", "", "Password (prompted when omitted)")
	flags.BoolVar(&generate, "generate", false, "Generate a random password")
	genOpts.bind(cmd)
	return cmd
}

func newAccountListCommand(deps commandDeps) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("account ls does not accept positional arguments")
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				views, err := app.NewAccountService(session.store.Accounts, session.logger).List(ctx, app.ListAccountsRequest{Reveal: reveal})
				if reveal {
					session.record(ctx, audit.RevealAllEvent(len(views), err))
				}
				if err != nil {
					return err
				}
				for _, view := range views {
					if view.Error != "" {
						fmt.Fprintf(deps.errOut, "warning: account %d could not be decrypted: %s\n", view.ID, view.Error)
					}
				}
				if deps.globals.JSON {
					return printJSON(deps.out, views)
				}
				if deps.globals.Quiet {
					return nil
				}
				return writeAccountTable(deps, views)
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show passwords in clear text")
	return cmd
}

func newAccountShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one account with its password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("account show requires exactly one <id>")
			}
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				view, err := app.NewAccountService(session.store.Accounts, session.logger).Show(ctx, id)
				var keyID string
				if view != nil {
					keyID = view.KeyID
				}
				session.record(ctx, audit.AccountEvent(audit.ActionAccountReveal, id, keyID, err))
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, view)
				}
				return writeAccountDetail(deps, *view)
			})
		},
	}
}

func newAccountSetCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <field> <value>",
		Short: "Replace one field of an account",
		Long:  "Replace one field of an account. <field> is one of Website, Notes, Email, Username or Password.",
		Example: "  lockbox account set 3 Password 'n3w-s3cret'\n" +
			"  lockbox account set 3 notes ''",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return usageErrorf("account set requires <id> <field> <value>")
			}
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				err := app.NewAccountService(session.store.Accounts, session.logger).Set(ctx, id, args[1], args[2])
				session.record(ctx, audit.FieldUpdateEvent(id, args[1], err))
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id, "field": args[1], "updated": true})
				}
				return printLine(deps, "account updated: id=%d field=%s", id, args[1])
			})
		},
	}
}

func newAccountRemoveCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove an account and its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("account rm requires exactly one <id>")
			}
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}

			return withUnlockedVault(cmd, deps, func(ctx context.Context, session *vaultSession) error {
				err := app.NewAccountService(session.store.Accounts, session.logger).Remove(ctx, id)
				session.record(ctx, audit.AccountEvent(audit.ActionAccountDelete, id, "", err))
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id, "removed": true})
				}
				return printLine(deps, "account removed: id=%d", id)
			})
		},
	}
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, usageErrorf("invalid account id %q", raw)
	}
	return id, nil
}

func writeAccountTable(deps commandDeps, views []app.AccountView) error {
	w := tabwriter.NewWriter(deps.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWEBSITE\tUSERNAME\tEMAIL\tPASSWORD\tNOTES")
	for _, view := range views {
		if view.Error != "" {
			fmt.Fprintf(w, "%d\t<unreadable>\t\t\t\t\n", view.ID)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", view.ID, view.Website, view.Username, view.Email, view.Password, view.Notes)
	}
	return w.Flush()
}

func writeAccountDetail(deps commandDeps, view app.AccountView) error {
	w := tabwriter.NewWriter(deps.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%d\n", view.ID)
	fmt.Fprintf(w, "website:\t%s\n", view.Website)
	fmt.Fprintf(w, "username:\t%s\n", view.Username)
	fmt.Fprintf(w, "email:\t%s\n", view.Email)
	fmt.Fprintf(w, "password:\t%s\n", view.Password)
	fmt.Fprintf(w, "notes:\t%s\n", view.Notes)
	return w.Flush()
}
