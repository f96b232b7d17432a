// ABOUTME: Configuration loading and parsing for passcode-master
// ABOUTME: Supports TOML files with environment variable expansion and defaults

package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config represents the complete passcode-master configuration
type Config struct {
	Admin       []int64           `toml:"admin"`
	Database    DatabaseConfig    `toml:"database"`
	Web         WebConfig         `toml:"web"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Logging     LoggingConfig     `toml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// WebConfig holds the websocket feed configuration
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	// AccessKey is the bcrypt hash clients must prove knowledge of.
	// Generate one with the hashkey subcommand.
	AccessKey string `toml:"access_key"`
}

// CoordinatorConfig holds coordinator tuning knobs. Zero values fall back
// to the coordinator package defaults.
type CoordinatorConfig struct {
	QueueSize     int `toml:"queue_size"`
	CookieCeiling int `toml:"cookie_ceiling"`
	BusBuffer     int `toml:"bus_buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. An unset variable expands to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Web.Enabled {
		if c.Web.Bind == "" {
			return fmt.Errorf("web.bind is required when web is enabled")
		}
		if c.Web.AccessKey == "" {
			return fmt.Errorf("web.access_key is required when web is enabled")
		}
	}

	if c.Coordinator.QueueSize < 0 {
		return fmt.Errorf("coordinator.queue_size must not be negative")
	}
	if c.Coordinator.CookieCeiling < 0 {
		return fmt.Errorf("coordinator.cookie_ceiling must not be negative")
	}

	return nil
}

// IsAdmin reports whether user is listed in the admin section. Command
// front ends consult it before honoring privileged operations such as
// approvals and toggles.
func (c *Config) IsAdmin(user int64) bool {
	for _, id := range c.Admin {
		if id == user {
			return true
		}
	}
	return false
}

// Default returns a configuration skeleton suitable for writing out as a
// starting point.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "passcode.db"},
		Web: WebConfig{
			Enabled: false,
			Bind:    "127.0.0.1:8080",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
