package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beer-garden/beer-garden/errors"
)

// PluginArgs holds a beer.conf PLUGIN_ARGS value: either one argument
// list shared by every instance or a per-instance map.
type PluginArgs struct {
	Shared      []string
	PerInstance map[string][]string
}

// UnmarshalYAML accepts both shapes.
func (a *PluginArgs) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	if err := value.Decode(&list); err == nil {
		a.Shared = list
		return nil
	}
	var perInstance map[string][]string
	if err := value.Decode(&perInstance); err == nil {
		a.PerInstance = perInstance
		return nil
	}
	return fmt.Errorf("PLUGIN_ARGS must be a list or a map of instance name to list")
}

// Empty reports whether no arguments were configured.
func (a *PluginArgs) Empty() bool {
	return a == nil || (a.Shared == nil && a.PerInstance == nil)
}

// BeerConf is one plugin's configuration document.
type BeerConf struct {
	Name        string            `yaml:"NAME"`
	Version     string            `yaml:"VERSION"`
	PluginEntry string            `yaml:"PLUGIN_ENTRY"`
	Instances   []string          `yaml:"INSTANCES"`
	PluginArgs  *PluginArgs       `yaml:"PLUGIN_ARGS"`
	LogLevel    string            `yaml:"LOG_LEVEL"`
	Description string            `yaml:"DESCRIPTION"`
	IconName    string            `yaml:"ICON_NAME"`
	DisplayName string            `yaml:"DISPLAY_NAME"`
	Requires    []string          `yaml:"REQUIRES"`
	Environment map[string]string `yaml:"ENVIRONMENT"`
	Metadata    map[string]any    `yaml:"METADATA"`
}

// LoadBeerConf reads and validates one plugin configuration file.
func LoadBeerConf(path string) (*BeerConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapValidation(err, "config", "LoadBeerConf", "read "+path)
	}

	var conf BeerConf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, errors.WrapValidation(err, "config", "LoadBeerConf", "parse "+path)
	}
	if err := conf.Normalize(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Normalize fills defaults and enforces the invariants between
// INSTANCES, PLUGIN_ARGS, and ENVIRONMENT.
func (c *BeerConf) Normalize() error {
	if c.Name == "" || c.Version == "" || c.PluginEntry == "" {
		return errors.WrapValidation(errors.ErrMissingConfig, "BeerConf", "Normalize",
			"NAME, VERSION and PLUGIN_ENTRY are required")
	}

	// A per-instance args map names the instances when INSTANCES is
	// absent; when both are given every instance must have an entry.
	if c.PluginArgs != nil && c.PluginArgs.PerInstance != nil {
		if len(c.Instances) == 0 {
			for name := range c.PluginArgs.PerInstance {
				c.Instances = append(c.Instances, name)
			}
		} else {
			for _, name := range c.Instances {
				if _, ok := c.PluginArgs.PerInstance[name]; !ok {
					return errors.WrapValidation(errors.ErrInvalidConfig, "BeerConf", "Normalize",
						fmt.Sprintf("instance %q has no PLUGIN_ARGS entry", name))
				}
			}
		}
	}
	if len(c.Instances) == 0 {
		c.Instances = []string{"default"}
	}

	for key := range c.Environment {
		if strings.HasPrefix(strings.ToUpper(key), EnvPrefix) {
			return errors.WrapValidation(errors.ErrInvalidConfig, "BeerConf", "Normalize",
				fmt.Sprintf("ENVIRONMENT key %q uses the reserved %s prefix", key, EnvPrefix))
		}
	}
	return nil
}

// ArgsFor returns the launch arguments for one instance.
func (c *BeerConf) ArgsFor(instance string) []string {
	if c.PluginArgs == nil {
		return nil
	}
	if c.PluginArgs.PerInstance != nil {
		return c.PluginArgs.PerInstance[instance]
	}
	return c.PluginArgs.Shared
}
