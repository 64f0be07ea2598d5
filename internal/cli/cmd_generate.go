package cli

import (
	"github.com/amanthanvi/lockbox/internal/app"
	"github.com/spf13/cobra"
)

type generateOptions struct {
	length  int
	lower   bool
	upper   bool
	digits  bool
	symbols bool
}

func (o *generateOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&o.length, "length", app.DefaultPasswordLength, "Generated password length")
	flags.BoolVar(&o.lower, "lower", true, "Include lowercase letters")
	flags.BoolVar(&o.upper, "upper", true, "Include uppercase letters")
	flags.BoolVar(&o.digits, "digits", true, "Include digits")
	flags.BoolVar(&o.symbols, "symbols", true, "Include symbols (!@#$%^&*)")
}

func (o generateOptions) request() app.GeneratePasswordRequest {
	return app.GeneratePasswordRequest{
		Length:  o.length,
		Lower:   o.lower,
		Upper:   o.upper,
		Digits:  o.digits,
		Symbols: o.symbols,
	}
}

func newGenerateCommand(deps commandDeps) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random password",
		Example: "  lockbox generate\n" +
			"  lockbox generate --length 32 --symbols=false",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("generate does not accept positional arguments")
			}
			password, err := app.GeneratePassword(opts.request())
			if err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{"password": password}))
			}
			_, err = deps.out.Write([]byte(password + "\n"))
			return mapCommandError(err)
		},
	}
	opts.bind(cmd)
	return cmd
}
