package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models flagdeck.yml.
type Config struct {
	Build struct {
		DebugDevice      bool `yaml:"debug_device" json:"debug_device"`
		Teamfood         bool `yaml:"teamfood" json:"teamfood"`
		StudioBuild      bool `yaml:"studio_build" json:"studio_build"`
		QSBOnFirstScreen bool `yaml:"qsb_on_first_screen" json:"qsb_on_first_screen"`
	} `yaml:"build" json:"build"`
	Overrides struct {
		AllowRelease bool `yaml:"allow_release" json:"allow_release"`
	} `yaml:"overrides" json:"overrides"`
	Flags []Entry `yaml:"flags" json:"flags"`
}

// Entry declares one flag in the catalog.
type Entry struct {
	ID          int64  `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Channel     string `yaml:"channel" json:"channel"`
	Kind        string `yaml:"kind,omitempty" json:"kind,omitempty"`
	State       string `yaml:"state,omitempty" json:"state,omitempty"`
	Default     int    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description" json:"description"`
}

const (
	ChannelDebug   = "debug"
	ChannelRelease = "release"

	KindBool = "bool"
	KindInt  = "int"
)

// IsInt reports whether the entry declares an integer flag.
func (e Entry) IsInt() bool { return e.Kind == KindInt }

//go:embed launcher.yml
var defaultTemplate []byte

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with flagdeck catalog export > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in catalog if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := make(map[string]int, len(c.Flags))
	for i, e := range c.Flags {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("config.flags[%d].name is required", i)
		}
		if name != e.Name {
			return fmt.Errorf("flag %q has surrounding whitespace", e.Name)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("flag %s declared twice (entries %d and %d)", name, prev, i)
		}
		seen[name] = i
		switch e.Channel {
		case ChannelDebug, ChannelRelease:
		default:
			return fmt.Errorf("flag %s has unknown channel %q", name, e.Channel)
		}
		switch e.Kind {
		case "", KindBool:
			if _, err := ParseState(e.State); err != nil {
				return fmt.Errorf("flag %s: %w", name, err)
			}
			if e.Default != 0 {
				return fmt.Errorf("flag %s: default is only valid for int flags; use state", name)
			}
		case KindInt:
			if e.State != "" {
				return fmt.Errorf("flag %s: state is only valid for bool flags", name)
			}
		default:
			return fmt.Errorf("flag %s has unknown kind %q", name, e.Kind)
		}
	}
	return nil
}

// Lookup returns the entry named name.
func (c *Config) Lookup(name string) (Entry, bool) {
	for _, e := range c.Flags {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flagdeck.yml")
}

// GenerateDefault returns the built-in catalog YAML.
func GenerateDefault() string {
	return string(defaultTemplate)
}

// Default returns the built-in launcher catalog.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultTemplate, &cfg); err != nil {
		panic(fmt.Sprintf("built-in catalog: %v", err))
	}
	return &cfg
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

// ToYAML renders the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
