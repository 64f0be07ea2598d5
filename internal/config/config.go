package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/amanthanvi/lockbox/internal/log"
)

const (
	defaultVaultFile    = "Accounts.db"
	defaultKeysDir      = "keys"
	defaultBackupDir    = "backup"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Vault   VaultConfig   `toml:"vault"`
	Logging LoggingConfig `toml:"logging"`
}

// VaultConfig locates the database, the key directory and the daily backup
// directory. KeysDir and BackupDir are resolved against the directory of
// Path when relative.
type VaultConfig struct {
	Path        string `toml:"path"`
	KeysDir     string `toml:"keys_dir"`
	BackupDir   string `toml:"backup_dir"`
	DailyBackup bool   `toml:"daily_backup"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	PolicyPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	VaultPath *string
	LogLevel  *string
}

type LoadReport struct {
	ConfigPath      string
	PolicyOverrides []string
}

func DefaultConfig() Config {
	return Config{
		Vault: VaultConfig{
			Path:        "",
			KeysDir:     defaultKeysDir,
			BackupDir:   defaultBackupDir,
			DailyBackup: true,
		},
		Logging: LoggingConfig{
			Level:     log.DefaultLevel,
			File:      "",
			MaxSizeMB: log.DefaultMaxSizeMB,
			MaxFiles:  log.DefaultMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{PolicyOverrides: []string{}}

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	report.ConfigPath = configPath
	if err := loadAndApplyFile(configPath, &cfg, nil); err != nil {
		return Config{}, report, err
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	policyPath, err := resolvePolicyPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve policy path: %w", err)
	}
	if err := loadAndApplyFile(policyPath, &cfg, &report.PolicyOverrides); err != nil {
		return Config{}, report, err
	}

	if err := resolvePaths(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}

	return cfg, report, nil
}

type rawConfig struct {
	Vault   *rawVault   `toml:"vault"`
	Logging *rawLogging `toml:"logging"`
}

type rawVault struct {
	Path        *string `toml:"path"`
	KeysDir     *string `toml:"keys_dir"`
	BackupDir   *string `toml:"backup_dir"`
	DailyBackup *bool   `toml:"daily_backup"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config, policyOverrides *[]string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	applyRawConfig(cfg, raw, policyOverrides)
	return nil
}

func applyRawConfig(cfg *Config, raw rawConfig, policyOverrides *[]string) {
	if raw.Vault != nil {
		setString("vault.path", raw.Vault.Path, &cfg.Vault.Path, policyOverrides)
		setString("vault.keys_dir", raw.Vault.KeysDir, &cfg.Vault.KeysDir, policyOverrides)
		setString("vault.backup_dir", raw.Vault.BackupDir, &cfg.Vault.BackupDir, policyOverrides)
		setBool("vault.daily_backup", raw.Vault.DailyBackup, &cfg.Vault.DailyBackup, policyOverrides)
	}

	if raw.Logging != nil {
		setString("logging.level", raw.Logging.Level, &cfg.Logging.Level, policyOverrides)
		setString("logging.file", raw.Logging.File, &cfg.Logging.File, policyOverrides)
		setInt("logging.max_size_mb", raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB, policyOverrides)
		setInt("logging.max_files", raw.Logging.MaxFiles, &cfg.Logging.MaxFiles, policyOverrides)
	}
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "LOCKBOX_VAULT_PATH"); ok {
		cfg.Vault.Path = value
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_KEYS_DIR"); ok {
		cfg.Vault.KeysDir = value
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_BACKUP_DIR"); ok {
		cfg.Vault.BackupDir = value
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_DAILY_BACKUP"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse LOCKBOX_DAILY_BACKUP: %v", ErrInvalidConfig, err)
		}
		cfg.Vault.DailyBackup = parsed
	}

	if value, ok := lookupEnv(opts, "LOCKBOX_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_LOG_MAX_SIZE_MB"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse LOCKBOX_LOG_MAX_SIZE_MB: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxSizeMB = parsed
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_LOG_MAX_FILES"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse LOCKBOX_LOG_MAX_FILES: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.MaxFiles = parsed
	}

	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.VaultPath != nil && *flags.VaultPath != "" {
		cfg.Vault.Path = *flags.VaultPath
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.Logging.Level = *flags.LogLevel
	}
}

// resolvePaths fills in the default vault location and anchors relative key
// and backup directories next to the database file.
func resolvePaths(cfg *Config, opts LoadOptions) error {
	if strings.TrimSpace(cfg.Vault.Path) == "" {
		home, err := lockboxHome(opts)
		if err != nil {
			return fmt.Errorf("resolve vault path: %w", err)
		}
		cfg.Vault.Path = filepath.Join(home, defaultVaultFile)
	}

	base := filepath.Dir(cfg.Vault.Path)
	if cfg.Vault.KeysDir != "" && !filepath.IsAbs(cfg.Vault.KeysDir) {
		cfg.Vault.KeysDir = filepath.Join(base, cfg.Vault.KeysDir)
	}
	if cfg.Vault.BackupDir != "" && !filepath.IsAbs(cfg.Vault.BackupDir) {
		cfg.Vault.BackupDir = filepath.Join(base, cfg.Vault.BackupDir)
	}
	if cfg.Logging.File != "" && !filepath.IsAbs(cfg.Logging.File) {
		cfg.Logging.File = filepath.Join(base, cfg.Logging.File)
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Vault.KeysDir) == "" {
		return fmt.Errorf("%w: vault.keys_dir must not be empty", ErrInvalidConfig)
	}
	if cfg.Vault.DailyBackup && strings.TrimSpace(cfg.Vault.BackupDir) == "" {
		return fmt.Errorf("%w: vault.backup_dir must be set when vault.daily_backup is enabled", ErrInvalidConfig)
	}
	if filepath.Clean(cfg.Vault.KeysDir) == filepath.Clean(cfg.Vault.BackupDir) {
		return fmt.Errorf("%w: vault.keys_dir and vault.backup_dir must differ", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be > 0", ErrInvalidConfig)
	}
	if cfg.Logging.MaxFiles <= 0 {
		return fmt.Errorf("%w: logging.max_files must be > 0", ErrInvalidConfig)
	}
	if cfg.Logging.File != "" && filepath.Clean(filepath.Dir(cfg.Logging.File)) == filepath.Clean(cfg.Vault.KeysDir) {
		return fmt.Errorf("%w: logging.file must not be inside vault.keys_dir", ErrInvalidConfig)
	}
	return nil
}

// Options converts the logging section for log.New.
func (c LoggingConfig) Options() log.Options {
	return log.Options{
		Level:     c.Level,
		File:      c.File,
		MaxSizeMB: c.MaxSizeMB,
		MaxFiles:  c.MaxFiles,
	}
}

func setString(field string, raw *string, target *string, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setBool(field string, raw *bool, target *bool, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setInt(field string, raw *int, target *int, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func resolvePolicyPath(opts LoadOptions) (string, error) {
	if opts.PolicyPath != "" {
		return opts.PolicyPath, nil
	}
	if value, ok := lookupEnv(opts, "LOCKBOX_POLICY_FILE"); ok {
		return value, nil
	}
	home, err := lockboxHome(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "policy.toml"), nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func lockboxHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "LOCKBOX_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Lockbox"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "lockbox"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "LOCKBOX_HOME"); ok && value != "" {
		return filepath.Join(value, "config.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Lockbox", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "lockbox", "config.toml"), nil
}
