package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowline.yml.
type Config struct {
	Server   Server              `yaml:"server"`
	Projects map[string]*Project `yaml:"projects"`
	Grants   []Grant             `yaml:"grants"`
}

type Server struct {
	Listen            string        `yaml:"listen"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TokenSecret       string        `yaml:"token_secret"`
}

// Project describes a workflow project: its entry points, base configuration
// and named configuration profiles.
type Project struct {
	Name          string              `yaml:"name" json:"name"`
	EntryPoints   []string            `yaml:"entry_points" json:"entry_points"`
	Configuration map[string]any      `yaml:"configuration" json:"configuration"`
	Profiles      map[string]*Profile `yaml:"profiles" json:"profiles"`
}

type Profile struct {
	Configuration map[string]any `yaml:"configuration" json:"configuration"`
}

// Grant bootstraps a secret read permission at startup.
type Grant struct {
	Project string `yaml:"project"`
	Owner   string `yaml:"owner"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure and applies defaults.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8001"
	}
	if c.Server.LeaseTTL <= 0 {
		c.Server.LeaseTTL = 30 * time.Second
	}
	if c.Server.SweepInterval <= 0 {
		c.Server.SweepInterval = c.Server.LeaseTTL / 3
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = c.Server.LeaseTTL / 2
	}
	for name, p := range c.Projects {
		if p == nil {
			return fmt.Errorf("project %s is empty", name)
		}
		p.Name = name
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for _, g := range c.Grants {
		if g.Project == "" || g.Owner == "" {
			return fmt.Errorf("grants entries require project and owner")
		}
	}
	return nil
}

// Validate checks a single project definition.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	for _, ep := range p.EntryPoints {
		if ep == "" {
			return fmt.Errorf("project %s has empty entry point", p.Name)
		}
	}
	for name, profile := range p.Profiles {
		if name == "" {
			return fmt.Errorf("project %s has profile with empty name", p.Name)
		}
		if profile == nil {
			return fmt.Errorf("project %s profile %s is empty", p.Name, name)
		}
	}
	return nil
}

// HasEntryPoint reports whether the entry point is allowed. An empty
// entry_points list allows any.
func (p *Project) HasEntryPoint(ep string) bool {
	if len(p.EntryPoints) == 0 {
		return true
	}
	for _, v := range p.EntryPoints {
		if v == ep {
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
	return filepath.Join(workspace, "flowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
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

const defaultTemplate = `server:
  listen: ":8001"
  lease_ttl: 30s
  sweep_interval: 10s
  heartbeat_interval: 15s

projects:
  %s:
    entry_points: [default]
    configuration:
      arguments: {}
    profiles:
      dev:
        configuration:
          arguments:
            debug: true
`
