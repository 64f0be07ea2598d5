package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// fakeTerminal replaces the no-echo prompt with canned answers and keeps the
// buffers it handed out so the test can check they were wiped.
func fakeTerminal(t *testing.T, answers ...string) *[][]byte {
	t.Helper()

	prevRead, prevTerminal := readPassword, stdinIsTerminal
	t.Cleanup(func() {
		readPassword = prevRead
		stdinIsTerminal = prevTerminal
	})

	issued := &[][]byte{}
	stdinIsTerminal = func() bool { return true }
	readPassword = func(int) ([]byte, error) {
		if len(answers) == 0 {
			return nil, errors.New("no more input")
		}
		buf := []byte(answers[0])
		answers = answers[1:]
		*issued = append(*issued, buf)
		return buf, nil
	}
	return issued
}

func terminalDeps() (commandDeps, *bytes.Buffer) {
	var errOut bytes.Buffer
	return commandDeps{
		out:     &bytes.Buffer{},
		errOut:  &errOut,
		globals: &GlobalOptions{},
		secrets: &secretInput{},
	}, &errOut
}

func TestTerminalReadWipesBuffer(t *testing.T) {
	issued := fakeTerminal(t, "correct horse")
	deps, errOut := terminalDeps()

	secret, err := deps.secrets.read(&cobra.Command{}, deps, "Master password")
	require.NoError(t, err)
	require.Equal(t, "correct horse", secret)
	require.Contains(t, errOut.String(), "Master password: ")

	require.Len(t, *issued, 1)
	require.Equal(t, make([]byte, len("correct horse")), (*issued)[0])
}

func TestTerminalConfirmMismatchIsUsageError(t *testing.T) {
	issued := fakeTerminal(t, "first", "second")
	deps, _ := terminalDeps()

	_, err := deps.secrets.readConfirmed(&cobra.Command{}, deps, "Master password")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
	for _, buf := range *issued {
		require.Equal(t, make([]byte, len(buf)), buf)
	}
}

func TestNonTerminalWithoutStdinFlagIsUsageError(t *testing.T) {
	fakeTerminal(t)
	stdinIsTerminal = func() bool { return false }
	deps, _ := terminalDeps()

	_, err := deps.secrets.read(&cobra.Command{}, deps, "Master password")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
}
