package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fleetcheck.yml.
type Config struct {
	Fleet struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"fleet" json:"fleet"`
	Fuel struct {
		StandardPricePerLiter float64 `yaml:"standard_price_per_liter" json:"standard_price_per_liter"`
	} `yaml:"fuel" json:"fuel"`
	Pendency struct {
		DueDays int `yaml:"due_days" json:"due_days"`
	} `yaml:"pendency" json:"pendency"`
	Checklist struct {
		MaxRulePasses int `yaml:"max_rule_passes" json:"max_rule_passes"`
	} `yaml:"checklist" json:"checklist"`
	Dispatch []DispatchConfig `yaml:"dispatch" json:"dispatch,omitempty"`
}

// DispatchConfig is one outbound endpoint for financial notifications.
type DispatchConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fc fleet config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fleet.ID == "" {
		return fmt.Errorf("config.fleet.id is required")
	}
	if c.Fleet.Kind != "vehicle-fleet" {
		return fmt.Errorf("config.fleet.kind must be 'vehicle-fleet'")
	}
	if c.Fuel.StandardPricePerLiter <= 0 {
		return fmt.Errorf("config.fuel.standard_price_per_liter must be > 0")
	}
	if c.Pendency.DueDays <= 0 {
		return fmt.Errorf("config.pendency.due_days must be > 0")
	}
	if c.Checklist.MaxRulePasses <= 0 {
		return fmt.Errorf("config.checklist.max_rule_passes must be > 0")
	}
	for i, d := range c.Dispatch {
		if d.URL == "" {
			return fmt.Errorf("config.dispatch[%d].url is required", i)
		}
		for _, evt := range d.Events {
			if evt == "" {
				return fmt.Errorf("config.dispatch[%d] has empty event filter", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetcheck.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a fleet.
func Default(fleetID string) *Config {
	var cfg Config
	cfg.Fleet.ID = fleetID
	cfg.Fleet.Kind = "vehicle-fleet"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, fleetID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(fleetID string) string {
	return fmt.Sprintf(defaultTemplate, fleetID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `fleet:
  id: %s
  kind: vehicle-fleet

fuel:
  standard_price_per_liter: 5.89

pendency:
  due_days: 30

checklist:
  max_rule_passes: 8
`
