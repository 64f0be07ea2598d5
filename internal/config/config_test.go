package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsResolveUnderHome(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, report, err := Load(LoadOptions{Env: isolatedEnv(home)})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "config.toml"), report.ConfigPath)
	require.Equal(t, filepath.Join(home, "Accounts.db"), cfg.Vault.Path)
	require.Equal(t, filepath.Join(home, "keys"), cfg.Vault.KeysDir)
	require.Equal(t, filepath.Join(home, "backup"), cfg.Vault.BackupDir)
	require.True(t, cfg.Vault.DailyBackup)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 10, cfg.Logging.MaxSizeMB)
	require.Equal(t, 5, cfg.Logging.MaxFiles)
}

func TestLoadXDGDataHomeWithoutLockboxHome(t *testing.T) {
	t.Parallel()

	data := t.TempDir()
	cfg, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		PolicyPath: filepath.Join(t.TempDir(), "missing-policy.toml"),
		Env: map[string]string{
			"LOCKBOX_HOME":  "",
			"XDG_DATA_HOME": data,
		},
	})
	require.NoError(t, err)
	if runtime.GOOS == "darwin" {
		require.Contains(t, cfg.Vault.Path, filepath.Join("Application Support", "Lockbox"))
		return
	}
	require.Equal(t, filepath.Join(data, "lockbox", "Accounts.db"), cfg.Vault.Path)
}

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfgPath := writeConfigFile(t, `
[vault]
path = "/srv/file/Accounts.db"
`)

	flagPath := "/srv/flag/Accounts.db"
	env := isolatedEnv(home)
	env["LOCKBOX_VAULT_PATH"] = "/srv/env/Accounts.db"
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        env,
		Flags: FlagOverrides{
			VaultPath: &flagPath,
		},
	})
	require.NoError(t, err)
	require.Equal(t, flagPath, cfg.Vault.Path)
	require.Equal(t, "/srv/flag/keys", cfg.Vault.KeysDir)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[logging]
level = "warn"
`)

	env := isolatedEnv(t.TempDir())
	env["LOCKBOX_LOG_LEVEL"] = "debug"
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        env,
	})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[vault]
daily_backup = false
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        isolatedEnv(t.TempDir()),
	})
	require.NoError(t, err)
	require.False(t, cfg.Vault.DailyBackup)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[vault]
path = "/srv/lockbox/Accounts.db"
keys_dir = "/srv/lockbox-keys"
backup_dir = "snapshots"
daily_backup = true

[logging]
level = "debug"
file = "/tmp/lockbox.log"
max_size_mb = 42
max_files = 9
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        isolatedEnv(t.TempDir()),
	})
	require.NoError(t, err)
	require.Equal(t, "/srv/lockbox/Accounts.db", cfg.Vault.Path)
	require.Equal(t, "/srv/lockbox-keys", cfg.Vault.KeysDir)
	require.Equal(t, "/srv/lockbox/snapshots", cfg.Vault.BackupDir)
	require.True(t, cfg.Vault.DailyBackup)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/lockbox.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
}

func TestLoadConfigValidationRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{name: "unknown-level", contents: "[logging]\nlevel = \"loud\"\n"},
		{name: "zero-size", contents: "[logging]\nmax_size_mb = 0\n"},
		{name: "negative-files", contents: "[logging]\nmax_files = -1\n"},
		{name: "empty-keys-dir", contents: "[vault]\nkeys_dir = \"\"\n"},
		{name: "backup-without-dir", contents: "[vault]\nbackup_dir = \"\"\ndaily_backup = true\n"},
		{name: "shared-dirs", contents: "[vault]\nkeys_dir = \"same\"\nbackup_dir = \"same\"\n"},
		{name: "log-in-keys-dir", contents: "[logging]\nfile = \"keys/lockbox.log\"\n"},
		{name: "malformed", contents: "[vault\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.contents)
			_, _, err := Load(LoadOptions{
				ConfigPath: cfgPath,
				Env:        isolatedEnv(t.TempDir()),
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRelativeLogFileSitsNextToVault(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	env := isolatedEnv(home)
	env["LOCKBOX_VAULT_PATH"] = filepath.Join(home, "vault", "Accounts.db")
	env["LOCKBOX_LOG_FILE"] = filepath.Join("logs", "lockbox.log")

	cfg, _, err := Load(LoadOptions{Env: env})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "vault", "logs", "lockbox.log"), cfg.Logging.File)

	opts := cfg.Logging.Options()
	require.Equal(t, cfg.Logging.File, opts.File)
	require.Equal(t, cfg.Logging.MaxSizeMB, opts.MaxSizeMB)
	require.Equal(t, cfg.Logging.MaxFiles, opts.MaxFiles)
	require.Equal(t, "info", opts.Level)
}

func TestLoadConfigRejectsMalformedEnv(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"LOCKBOX_DAILY_BACKUP", "LOCKBOX_LOG_MAX_SIZE_MB", "LOCKBOX_LOG_MAX_FILES"} {
		env := isolatedEnv(t.TempDir())
		env[key] = "nope"
		_, _, err := Load(LoadOptions{Env: env})
		require.ErrorIs(t, err, ErrInvalidConfig, key)
	}
}

func TestPolicyOverrideWinsAndIsReported(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[vault]
daily_backup = false
`)
	policyPath := writePolicyFile(t, `
[vault]
daily_backup = true
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: policyPath,
		Env:        isolatedEnv(t.TempDir()),
	})
	require.NoError(t, err)
	require.True(t, cfg.Vault.DailyBackup)
	require.Contains(t, report.PolicyOverrides, "vault.daily_backup")
}

func TestMissingPolicyFileIsNotAnError(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[logging]
level = "error"
`)
	missingPolicy := filepath.Join(t.TempDir(), "missing-policy.toml")

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		PolicyPath: missingPolicy,
		Env:        isolatedEnv(t.TempDir()),
	})
	require.NoError(t, err)
	require.NotNil(t, report.PolicyOverrides)
	require.Empty(t, report.PolicyOverrides)
	require.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadPolicyPathFromEnv(t *testing.T) {
	t.Parallel()

	policyPath := writePolicyFile(t, `
[logging]
level = "warn"
`)

	env := isolatedEnv(t.TempDir())
	env["LOCKBOX_POLICY_FILE"] = policyPath
	cfg, _, err := Load(LoadOptions{Env: env})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigPathFromHome(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("[vault]\nkeys_dir = \"k\"\n"), 0o600))

	cfg, _, err := Load(LoadOptions{Env: isolatedEnv(home)})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "k"), cfg.Vault.KeysDir)
}

func isolatedEnv(home string) map[string]string {
	return map[string]string{
		"LOCKBOX_HOME":        home,
		"LOCKBOX_CONFIG_PATH": filepath.Join(home, "config.toml"),
		"LOCKBOX_POLICY_FILE": filepath.Join(home, "policy.toml"),
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}
