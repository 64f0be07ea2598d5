//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	masterPassword = "integration-master"
	exitNotFound   = 3
	exitAuthFailed = 5
)

var (
	repoRoot         string
	integrationBin   string
	integrationCache string
)

func TestMain(m *testing.M) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Fprintln(os.Stderr, "integration: resolve current file")
		os.Exit(1)
	}
	repoRoot = filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))

	tmpDir, err := os.MkdirTemp(repoRoot, ".integration-bin-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration: create temp dir: %v\n", err)
		os.Exit(1)
	}

	integrationCache = filepath.Join(tmpDir, "gocache")
	if err := os.MkdirAll(integrationCache, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "integration: create gocache: %v\n", err)
		os.Exit(1)
	}

	integrationBin = filepath.Join(tmpDir, "lockbox")
	buildCmd := exec.Command("go", "build", "-o", integrationBin, "./cmd/lockbox")
	buildCmd.Dir = repoRoot
	buildCmd.Env = append(os.Environ(), "GOCACHE="+integrationCache, "CGO_ENABLED=0")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "integration: build cli: %v\n%s\n", err, string(output))
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type cliHarness struct {
	home      string
	vaultPath string
	config    string
}

type cliResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	home := t.TempDir()
	return &cliHarness{
		home:      home,
		vaultPath: filepath.Join(home, "vault", "Accounts.db"),
		config:    filepath.Join(home, "config.toml"),
	}
}

func (h *cliHarness) env() []string {
	return []string{
		"LOCKBOX_HOME=" + h.home,
		"LOCKBOX_VAULT_PATH=" + h.vaultPath,
		"LOCKBOX_CONFIG_PATH=" + h.config,
		"GOCACHE=" + integrationCache,
	}
}

func (h *cliHarness) keysDir() string {
	return filepath.Join(filepath.Dir(h.vaultPath), "keys")
}

// run feeds stdin to lockbox with --password-stdin.
func (h *cliHarness) run(timeout time.Duration, stdin string, args ...string) cliResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, integrationBin, append([]string{"--password-stdin"}, args...)...)
	cmd.Dir = h.home
	cmd.Env = append(os.Environ(), h.env()...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := cliResult{
		stdout: strings.TrimSpace(stdout.String()),
		stderr: strings.TrimSpace(stderr.String()),
		err:    err,
	}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res
	}
	res.exitCode = -1
	if ctx.Err() != nil {
		res.stderr = strings.TrimSpace(res.stderr + "\n" + ctx.Err().Error())
	}
	return res
}

func requireSuccess(t *testing.T, res cliResult, command ...string) string {
	t.Helper()
	require.NoError(t, res.err, "command failed: %s\nstderr:\n%s", strings.Join(command, " "), res.stderr)
	require.Equal(t, 0, res.exitCode)
	return res.stdout
}

func requireExit(t *testing.T, res cliResult, code int, command ...string) string {
	t.Helper()
	require.Error(t, res.err, "command unexpectedly succeeded: %s\nstdout:\n%s", strings.Join(command, " "), res.stdout)
	require.Equal(t, code, res.exitCode, "stderr:\n%s", res.stderr)
	return res.stderr
}

type accountJSON struct {
	ID       int64  `json:"id"`
	KeyID    string `json:"key_id"`
	Website  string `json:"website"`
	Username string `json:"username"`
	Password string `json:"password"`
	Error    string `json:"error"`
}

func TestIntegrationAccountLifecycle(t *testing.T) {
	h := newHarness(t)
	master := masterPassword + "\n"

	requireSuccess(t, h.run(10*time.Second, master, "init"), "init")
	addOut := requireSuccess(t, h.run(10*time.Second, master, "--json", "account", "add", "--website", "example.com", "--username", "alice", "--password", "hunter2"), "account add")
	var added accountJSON
	require.NoError(t, json.Unmarshal([]byte(addOut), &added))
	id := strconv.FormatInt(added.ID, 10)

	requireSuccess(t, h.run(10*time.Second, master, "account", "set", id, "Password", "rotated"), "account set")

	showOut := requireSuccess(t, h.run(10*time.Second, master, "--json", "account", "show", id), "account show")
	var shown accountJSON
	require.NoError(t, json.Unmarshal([]byte(showOut), &shown))
	require.Equal(t, "rotated", shown.Password)
	require.Equal(t, "alice", shown.Username)

	raw, err := os.ReadFile(h.vaultPath)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "rotated")

	requireSuccess(t, h.run(10*time.Second, master, "account", "rm", id), "account rm")
	_, err = os.Stat(filepath.Join(h.keysDir(), added.KeyID+".bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestIntegrationExitCodes(t *testing.T) {
	h := newHarness(t)

	requireExit(t, h.run(10*time.Second, masterPassword+"\n", "account", "ls"), exitNotFound, "account ls before init")
	requireSuccess(t, h.run(10*time.Second, masterPassword+"\n", "init"), "init")
	requireExit(t, h.run(10*time.Second, "wrong\n", "account", "ls"), exitAuthFailed, "account ls with wrong master")
	requireSuccess(t, h.run(10*time.Second, masterPassword+"\n", "account", "rm", "999"), "account rm missing")
}

func TestIntegrationMissingKeyIsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	master := masterPassword + "\n"

	requireSuccess(t, h.run(10*time.Second, master, "init"), "init")
	addOut := requireSuccess(t, h.run(10*time.Second, master, "--json", "account", "add", "--website", "lost.example", "--password", "pw"), "account add")
	var added accountJSON
	require.NoError(t, json.Unmarshal([]byte(addOut), &added))
	require.NoError(t, os.Remove(filepath.Join(h.keysDir(), added.KeyID+".bin")))

	res := h.run(10*time.Second, master, "--json", "account", "ls")
	listOut := requireSuccess(t, res, "account ls")
	require.Contains(t, res.stderr, "could not be decrypted")
	var views []accountJSON
	require.NoError(t, json.Unmarshal([]byte(listOut), &views))
	require.Len(t, views, 1)
	require.NotEmpty(t, views[0].Error)

	requireExit(t, h.run(10*time.Second, master, "keys", "check"), 1, "keys check")
}

func TestIntegrationExportRestore(t *testing.T) {
	source := newHarness(t)
	master := masterPassword + "\n"
	archive := filepath.Join(source.home, "vault.lbx")

	requireSuccess(t, source.run(10*time.Second, master, "init"), "init")
	requireSuccess(t, source.run(10*time.Second, master, "account", "add", "--website", "restore-me.example", "--password", "pw"), "account add")
	requireSuccess(t, source.run(30*time.Second, master+"export-pass\n", "export", "create", "--output", archive), "export create")

	target := newHarness(t)
	requireSuccess(t, target.run(30*time.Second, "export-pass\n", "export", "restore", "--input", archive, "--target", filepath.Dir(target.vaultPath)), "export restore")
	listOut := requireSuccess(t, target.run(10*time.Second, master, "account", "ls"), "account ls")
	require.Contains(t, listOut, "restore-me.example")
}
