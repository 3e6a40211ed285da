package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nstogner/deskpilot/pkg/logging"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	StoreJSONL  = "jsonl"
	StoreSQLite = "sqlite"

	CredentialsKeyring = "keyring"
	CredentialsSQLite  = "sqlite"
	CredentialsEnv     = "env"
)

// Config is the application configuration. Fields left empty in the file and
// the environment are filled with defaults.
type Config struct {
	Provider    string `yaml:"provider"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	MaxTokens   int    `yaml:"max_tokens"`
	MaxTurns    int    `yaml:"max_turns"`
	DataDir     string `yaml:"data_dir"`
	Store       string `yaml:"store"`
	Credentials string `yaml:"credentials"`
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`

	Tools   ToolsConfig   `yaml:"tools"`
	Browser BrowserConfig `yaml:"browser"`
	Desktop DesktopConfig `yaml:"desktop"`

	// APIKey comes from <PROVIDER>_API_KEY and is never read from the file.
	APIKey string `yaml:"-"`
}

type ToolsConfig struct {
	Workers           int     `yaml:"workers"`
	ActionsPerSecond  float64 `yaml:"actions_per_second"`
	ScreenshotMaxSide int     `yaml:"screenshot_max_side"`
}

type BrowserConfig struct {
	Headless   bool   `yaml:"headless"`
	ProfileDir string `yaml:"profile_dir"`
}

type DesktopConfig struct {
	Image string `yaml:"image"`
	// VNC publishes the desktop's VNC port on the host.
	VNC bool `yaml:"vnc"`
}

// DefaultPath returns the config file location under the user's home.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deskpilot"
	}
	return filepath.Join(home, ".deskpilot")
}

// Load reads .env, then the YAML file at path, then environment overrides.
// Missing files are not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DESKPILOT_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("DESKPILOT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("DESKPILOT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("DESKPILOT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DESKPILOT_MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DESKPILOT_MAX_TURNS %q: %w", v, err)
		}
		c.MaxTurns = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderGemini
	}
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 25
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Store == "" {
		c.Store = StoreJSONL
	}
	if c.Credentials == "" {
		c.Credentials = CredentialsKeyring
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7070"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Tools.Workers <= 0 {
		c.Tools.Workers = 2
	}
	if c.Tools.ScreenshotMaxSide <= 0 {
		c.Tools.ScreenshotMaxSide = 1280
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = filepath.Join(c.DataDir, "browser-profile")
	}
	if c.Desktop.Image == "" {
		c.Desktop.Image = "deskpilot-desktop:latest"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv(strings.ToUpper(c.Provider) + "_API_KEY")
	}
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.Store {
	case StoreJSONL, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Credentials {
	case CredentialsKeyring, CredentialsSQLite, CredentialsEnv:
	default:
		return fmt.Errorf("unknown credentials backend %q", c.Credentials)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Tools.ActionsPerSecond < 0 {
		return fmt.Errorf("tools.actions_per_second must not be negative")
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	lvl, _ := logging.ParseLevel(c.LogLevel)
	return lvl
}

// DBPath is the SQLite database used by the sqlite store and credentials.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "deskpilot.db")
}
