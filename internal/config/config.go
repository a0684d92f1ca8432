// Package config loads and validates the mirror-builder configuration
// document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	CacheRoot       string        `yaml:"cache-root"`
	Mirrors         []Mirror      `yaml:"mirrors"`
	Timeouts        Timeouts      `yaml:"timeouts"`
	MetricsTextfile string        `yaml:"metrics-textfile,omitempty"`
	Notify          *NotifyConfig `yaml:"notify,omitempty"`
}

// Mirror describes one mirror: a name, the source repositories feeding it,
// and the destination for published pages.
type Mirror struct {
	Name     string   `yaml:"name"`
	Projects []string `yaml:"projects"`
	Output   string   `yaml:"output"`
}

// Timeouts bounds every external tool invocation. A hung command is
// surfaced as a timeout failure instead of blocking the run indefinitely.
type Timeouts struct {
	Git Duration `yaml:"git"`
	Pip Duration `yaml:"pip"`
}

// NotifyConfig enables optional run-event publication over NATS.
type NotifyConfig struct {
	NATSURL string `yaml:"nats-url"`
	Subject string `yaml:"subject"`
}

// Duration wraps time.Duration with YAML string parsing ("10m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	defaultGitTimeout = 10 * time.Minute
	defaultPipTimeout = 30 * time.Minute
)

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env if present so ${VAR} expansion below can see it.
	_ = godotenv.Load()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Timeouts.Git == 0 {
		config.Timeouts.Git = Duration(defaultGitTimeout)
	}
	if config.Timeouts.Pip == 0 {
		config.Timeouts.Pip = Duration(defaultPipTimeout)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks structural requirements before any filesystem work starts.
func (c *Config) Validate() error {
	if c.CacheRoot == "" {
		return fmt.Errorf("cache-root is required")
	}
	if len(c.Mirrors) == 0 {
		return fmt.Errorf("at least one mirror must be configured")
	}
	seen := make(map[string]bool, len(c.Mirrors))
	for i, m := range c.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirror %d: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("mirror %q: duplicate name", m.Name)
		}
		seen[m.Name] = true
		if m.Output == "" {
			return fmt.Errorf("mirror %q: output is required", m.Name)
		}
		if len(m.Projects) == 0 {
			return fmt.Errorf("mirror %q: at least one project is required", m.Name)
		}
	}
	if c.Notify != nil {
		if c.Notify.NATSURL == "" || c.Notify.Subject == "" {
			return fmt.Errorf("notify requires both nats-url and subject")
		}
	}
	return nil
}
