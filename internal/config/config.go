package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all daemon configuration settings. It is loaded once at
// startup and passed around as an immutable snapshot.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	ListenAddr  string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:6580"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	GamePath    string `envconfig:"GAME_PATH" required:"true"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./data/downloads"`
	TempDir     string `envconfig:"TEMP_DIR" default:"./data/tmp"`
	StateDir    string `envconfig:"STATE_DIR" default:"./data/state"`
	BackupDir   string `envconfig:"BACKUP_DIR" default:"./data/backups"`
	TrashDir    string `envconfig:"TRASH_DIR" default:"./data/trash"`

	NexusAPIKey  string `envconfig:"NEXUS_API_KEY"`
	NexusAPIBase string `envconfig:"NEXUS_API_BASE" default:"https://api.nexusmods.com"`

	ConcurrencyLimit int           `envconfig:"CONCURRENCY_LIMIT" default:"3"`
	DownloadTimeout  time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"30m"`
	StallTimeout     time.Duration `envconfig:"STALL_TIMEOUT" default:"60s"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`

	AutoInstall          bool `envconfig:"AUTO_INSTALL" default:"true"`
	ConfirmBeforeInstall bool `envconfig:"CONFIRM_BEFORE_INSTALL" default:"false"`
	DeleteAfterInstall   bool `envconfig:"DELETE_AFTER_INSTALL" default:"false"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// QueueStateFile is the persisted download queue snapshot.
func (c *Config) QueueStateFile() string {
	return filepath.Join(c.StateDir, "queue.json")
}

// RegistryStateFile is the persisted installed-mod registry snapshot.
func (c *Config) RegistryStateFile() string {
	return filepath.Join(c.StateDir, "registry.json")
}

// ModsDir is the game's mods directory, the installation target.
func (c *Config) ModsDir() string {
	return filepath.Join(c.GamePath, "Mods")
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.GamePath == "" {
		return fmt.Errorf("game path cannot be empty")
	}

	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency limit must be positive: %d", c.ConcurrencyLimit)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", c.MaxRetries)
	}

	if c.StallTimeout <= 0 {
		return fmt.Errorf("stall timeout must be positive: %s", c.StallTimeout)
	}

	for name, dir := range map[string]string{
		"download directory": c.DownloadDir,
		"temp directory":     c.TempDir,
		"state directory":    c.StateDir,
		"backup directory":   c.BackupDir,
		"trash directory":    c.TrashDir,
	} {
		if dir == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
	}

	return nil
}
