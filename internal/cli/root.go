// Package cli wires the lockbox cobra command tree onto the app services.
package cli

import (
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type GlobalOptions struct {
	ConfigPath    string
	VaultPath     string
	LogLevel      string
	JSON          bool
	Quiet         bool
	PasswordStdin bool
}

type commandDeps struct {
	out     io.Writer
	errOut  io.Writer
	globals *GlobalOptions
	build   BuildInfo
	secrets *secretInput
}

// NewRootCommand builds the command tree. Results go to out; prompts,
// warnings and the default text log go to errOut.
func NewRootCommand(out, errOut io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{
		out:     out,
		errOut:  errOut,
		globals: globals,
		build:   build,
		secrets: &secretInput{},
	}

	cmd := &cobra.Command{
		Use:           "lockbox",
		Short:         "Local encrypted credential vault",
		Long:          "lockbox keeps website credentials in a local SQLite vault. Every account is encrypted under its own key, stored outside the database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path")
	flags.StringVar(&globals.VaultPath, "vault", "", "Vault database path")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-essential output")
	flags.BoolVar(&globals.PasswordStdin, "password-stdin", false, "Read the master password and other secrets from stdin, one per line")

	cmd.AddCommand(newInitCommand(deps))
	cmd.AddCommand(newAccountCommand(deps))
	cmd.AddCommand(newGenerateCommand(deps))
	cmd.AddCommand(newKeysCommand(deps))
	cmd.AddCommand(newExportCommand(deps))
	cmd.AddCommand(newAuditCommand(deps))
	cmd.AddCommand(newDebugCommand(deps))
	cmd.AddCommand(newVersionCommand(deps))
	cmd.InitDefaultCompletionCmd()
	return cmd
}
