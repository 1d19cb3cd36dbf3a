package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "courtline.yml"

// Config models courtline.yml.
type Config struct {
	Service struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"service"`
	Owner struct {
		ID string `yaml:"id"`
	} `yaml:"owner"`
	Store struct {
		Driver    string `yaml:"driver"`
		Key       string `yaml:"key"`
		Path      string `yaml:"path"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"store"`
	Refresh struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"refresh"`
	Reservation struct {
		Durations   []int  `yaml:"durations"`
		DefaultTime string `yaml:"default_time"`
	} `yaml:"reservation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevServer DevServer `yaml:"dev_server"`
}

type DevServer struct {
	Addr      string   `yaml:"addr"`
	Courts    []string `yaml:"courts"`
	Step      string   `yaml:"step"`
	JWTSecret string   `yaml:"jwt_secret"`
	Password  string   `yaml:"password"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.BaseURL) == "" {
		return fmt.Errorf("config.service.base_url is required")
	}
	if _, err := c.ServiceTimeout(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "sqlite", "file":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config.store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config.store.driver must be one of sqlite, file, redis (got %q)", c.Store.Driver)
	}
	if c.Refresh.Concurrency <= 0 {
		return fmt.Errorf("config.refresh.concurrency must be positive")
	}
	if len(c.Reservation.Durations) == 0 {
		return fmt.Errorf("config.reservation.durations is required")
	}
	for _, d := range c.Reservation.Durations {
		if d <= 0 {
			return fmt.Errorf("config.reservation.durations has non-positive duration %d", d)
		}
	}
	if _, err := time.Parse("15:04", c.Reservation.DefaultTime); err != nil {
		return fmt.Errorf("config.reservation.default_time must be HH:MM (got %q)", c.Reservation.DefaultTime)
	}
	if _, err := c.DevServer.StepDuration(); err != nil {
		return err
	}
	for _, court := range c.DevServer.Courts {
		if strings.TrimSpace(court) == "" {
			return fmt.Errorf("config.dev_server.courts contains an empty court")
		}
	}
	return nil
}

// ServiceTimeout parses service.timeout.
func (c *Config) ServiceTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Service.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config.service.timeout must be a positive duration (got %q)", c.Service.Timeout)
	}
	return d, nil
}

// StepDuration parses dev_server.step. Empty means tasks never advance.
func (d DevServer) StepDuration() (time.Duration, error) {
	if d.Step == "" {
		return 0, nil
	}
	step, err := time.ParseDuration(d.Step)
	if err != nil || step < 0 {
		return 0, fmt.Errorf("config.dev_server.step must be a duration (got %q)", d.Step)
	}
	return step, nil
}

// AllowsDuration reports whether minutes is one of the configured durations.
func (c *Config) AllowsDuration(minutes int) bool {
	for _, d := range c.Reservation.Durations {
		if d == minutes {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `service:
  base_url: http://127.0.0.1:8080
  timeout: 10s

owner:
  # filled from the last login when empty
  id: ""

store:
  driver: sqlite
  key: courtline:tasks:v1
  path: .courtline/tasks.json
  redis_addr: ""

refresh:
  concurrency: 4

reservation:
  durations: [60, 120]
  default_time: "12:00"

log:
  level: warn
  format: console

dev_server:
  addr: 127.0.0.1:8080
  courts: [court-1, court-2, court-3]
  step: 30s
  jwt_secret: courtline-dev-secret
  password: courtline
`
