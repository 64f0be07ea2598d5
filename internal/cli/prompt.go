package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword and stdinIsTerminal are swapped out in tests.
var (
	readPassword    = term.ReadPassword
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// secretInput hands out secrets either from a no-echo terminal prompt or, with
// --password-stdin, one line at a time from the command's stdin.
type secretInput struct {
	reader *bufio.Reader
}

func (s *secretInput) lineReader(cmd *cobra.Command) *bufio.Reader {
	if s.reader == nil {
		s.reader = bufio.NewReader(cmd.InOrStdin())
	}
	return s.reader
}

// read returns the secret as a string for the string-based services. The
// terminal buffer is wiped once copied; the returned copy is not.
func (s *secretInput) read(cmd *cobra.Command, deps commandDeps, prompt string) (string, error) {
	if deps.globals.PasswordStdin {
		line, err := s.lineReader(cmd).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return "", usageErrorf("--password-stdin: expected another line on stdin for %s", strings.ToLower(prompt))
			}
			return "", fmt.Errorf("read %s from stdin: %w", strings.ToLower(prompt), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	if !stdinIsTerminal() {
		return "", usageErrorf("stdin is not a terminal; pass --password-stdin to read %s from stdin", strings.ToLower(prompt))
	}
	if _, err := fmt.Fprintf(deps.errOut, "%s: ", prompt); err != nil {
		return "", err
	}
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(deps.errOut)
	if err != nil {
		memguard.WipeBytes(raw)
		return "", fmt.Errorf("read %s: %w", strings.ToLower(prompt), err)
	}
	secret := string(raw)
	memguard.WipeBytes(raw)
	return secret, nil
}

// readConfirmed asks twice on a terminal and once with --password-stdin.
func (s *secretInput) readConfirmed(cmd *cobra.Command, deps commandDeps, prompt string) (string, error) {
	first, err := s.read(cmd, deps, prompt)
	if err != nil {
		return "", err
	}
	if deps.globals.PasswordStdin {
		return first, nil
	}
	second, err := s.read(cmd, deps, "Confirm "+strings.ToLower(prompt))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", usageErrorf("%s entries do not match", strings.ToLower(prompt))
	}
	return first, nil
}
