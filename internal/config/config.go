// Package config holds OPERATOR-LEVEL configuration for a Strata
// installation: where state lives, which store backend to use, the HTTP
// listen address, and the lifecycle manager settings.
//
// Everything is set via env vars (STRATA_*) or a config file
// (strata.config.yaml). Nested sections (deletion.*, archival.*, backup.*)
// map to env vars with underscores, e.g. backup.retention_days →
// STRATA_BACKUP_RETENTION_DAYS.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/backup"
	"github.com/stratamem/strata/internal/deletion"
)

// Viper keys. Each maps to an env var with the STRATA_ prefix
// (e.g. "data_dir" → STRATA_DATA_DIR) and to a YAML field in
// strata.config.yaml.
const (
	KeyDataDir       = "data_dir"
	KeyStoreBackend  = "store_backend"
	KeyListenAddr    = "listen_addr"
	KeyLogLevel      = "log_level"
	KeyOtelEnabled   = "otel_enabled"
	KeyGlobalRPM     = "global_rpm"
	KeyPerCallerRPM  = "per_caller_rpm"
	KeyPoliciesFile  = "archival_policies_file"
	KeyMaxEntries    = "max_entries"
	SectionDeletion  = "deletion"
	SectionArchival  = "archival"
	SectionBackup    = "backup"
)

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	DefaultListenAddr   = ":8780"
	DefaultLogLevel     = "info"
	DefaultGlobalRPM    = 600
	DefaultPerCallerRPM = 120
	DefaultMaxEntries   = 100000
)

// Config holds resolved operator-level configuration for a Strata process.
type Config struct {
	DataDir       string // Base directory for all state (~/.strata)
	StoreBackend  string // "sqlite" or "memory"
	ListenAddr    string // HTTP listen address
	LogLevel      string // zerolog level name
	OtelEnabled   bool   // Export traces/metrics to stdout
	GlobalRPM     int    // Requests per minute across all callers
	PerCallerRPM  int    // Requests per minute per caller
	PoliciesFile  string // YAML archival policy file (optional)
	MaxEntries    int    // Storage-pressure denominator

	Deletion deletion.Config
	Archival archival.Config
	Backup   backup.Config

	usingDefaultBackupKey bool
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// BackupDir returns the directory backup files are written to.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" && filepath.IsAbs(c.Backup.Dir) {
		return c.Backup.Dir
	}
	if c.Backup.Dir != "" {
		return filepath.Join(c.DataDir, c.Backup.Dir)
	}
	return filepath.Join(c.DataDir, "backups")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when backup encryption runs on a derived
// key. Suppressed when STRATA_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultBackupKey {
		log.Warn().Msg("Using generated default STRATA_BACKUP_ENCRYPTION_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("STRATA_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault(KeyStoreBackend, BackendSQLite)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyLogLevel, DefaultLogLevel)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerCallerRPM, DefaultPerCallerRPM)
	viper.SetDefault(KeyMaxEntries, DefaultMaxEntries)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:      resolveDataDir(),
		StoreBackend: viper.GetString(KeyStoreBackend),
		ListenAddr:   viper.GetString(KeyListenAddr),
		LogLevel:     viper.GetString(KeyLogLevel),
		OtelEnabled:  viper.GetBool(KeyOtelEnabled),
		GlobalRPM:    viper.GetInt(KeyGlobalRPM),
		PerCallerRPM: viper.GetInt(KeyPerCallerRPM),
		PoliciesFile: viper.GetString(KeyPoliciesFile),
		MaxEntries:   viper.GetInt(KeyMaxEntries),
	}

	if err := viper.UnmarshalKey(SectionDeletion, &cfg.Deletion); err != nil {
		return nil, fmt.Errorf("parsing deletion config: %w", err)
	}
	if err := viper.UnmarshalKey(SectionArchival, &cfg.Archival); err != nil {
		return nil, fmt.Errorf("parsing archival config: %w", err)
	}
	if err := viper.UnmarshalKey(SectionBackup, &cfg.Backup); err != nil {
		return nil, fmt.Errorf("parsing backup config: %w", err)
	}
	cfg.Deletion = cfg.Deletion.WithDefaults()
	cfg.Archival = cfg.Archival.WithDefaults()
	cfg.Backup = cfg.Backup.WithDefaults()
	cfg.Backup.Dir = cfg.BackupDir()

	if cfg.Backup.Encryption && cfg.Backup.EncryptionKey == "" {
		cfg.Backup.EncryptionKey = deriveDefaultKey(cfg.DataDir, "backup-encryption")
		cfg.usingDefaultBackupKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strata"
	}
	return filepath.Join(home, ".strata")
}

// deriveDefaultKey produces a deterministic fallback key from the data
// directory path and a salt. This is NOT cryptographically strong — it
// exists solely so `strata serve` works out of the box while still
// encrypting backups with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("strata:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if c.StoreBackend != BackendSQLite && c.StoreBackend != BackendMemory {
		return fmt.Errorf("store_backend must be %q or %q (got %q)", BackendSQLite, BackendMemory, c.StoreBackend)
	}
	if c.GlobalRPM <= 0 || c.PerCallerRPM <= 0 {
		return fmt.Errorf("rate limits must be positive (global_rpm=%d, per_caller_rpm=%d)", c.GlobalRPM, c.PerCallerRPM)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be positive")
	}
	if c.Deletion.RecoveryPeriodDays <= 0 {
		return fmt.Errorf("deletion.recovery_period_days must be positive")
	}
	if c.Deletion.CriticalImportanceThreshold < 0 || c.Deletion.CriticalImportanceThreshold > 1 {
		return fmt.Errorf("deletion.critical_importance_threshold must be within [0,1]")
	}
	if c.Archival.StoragePressureThreshold <= 0 || c.Archival.StoragePressureThreshold > 1 {
		return fmt.Errorf("archival.storage_pressure_threshold must be within (0,1]")
	}
	if c.Backup.MaxBackups <= 0 {
		return fmt.Errorf("backup.max_backups must be positive")
	}
	return nil
}
