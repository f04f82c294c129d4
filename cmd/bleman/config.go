package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config carries file-backed defaults for the commands. Flags still win
// over file values.
type Config struct {
	Scan    ScanConfig    `yaml:"scan"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type ScanConfig struct {
	Duration time.Duration `yaml:"-" default:"10s"`
	Format   string        `yaml:"format" default:"table"`
}

type MonitorConfig struct {
	Reconnect    string        `yaml:"reconnect" default:"same-address"`
	ClaimTimeout time.Duration `yaml:"-" default:"30s"`
	SettleDelay  time.Duration `yaml:"-" default:"500ms"`
	StaleAfter   time.Duration `yaml:"-" default:"15s"`
}

// Durations arrive as strings ("30s"); yaml.v3 has no native
// time.Duration support, so the sections decode by hand. Absent keys
// keep the struct defaults.

func (c *ScanConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Duration string `yaml:"duration"`
		Format   string `yaml:"format"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Format != "" {
		c.Format = raw.Format
	}
	return setDuration(&c.Duration, "scan.duration", raw.Duration)
}

func (c *MonitorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Reconnect    string `yaml:"reconnect"`
		ClaimTimeout string `yaml:"claim_timeout"`
		SettleDelay  string `yaml:"settle_delay"`
		StaleAfter   string `yaml:"stale_after"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Reconnect != "" {
		c.Reconnect = raw.Reconnect
	}
	if err := setDuration(&c.ClaimTimeout, "monitor.claim_timeout", raw.ClaimTimeout); err != nil {
		return err
	}
	if err := setDuration(&c.SettleDelay, "monitor.settle_delay", raw.SettleDelay); err != nil {
		return err
	}
	return setDuration(&c.StaleAfter, "monitor.stale_after", raw.StaleAfter)
}

func setDuration(dst *time.Duration, key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = d
	return nil
}

// defaultConfigPath is resolved lazily so tests can run without a home
// directory.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleman", "config.yaml")
}

// loadConfig builds the effective configuration from the --config flag.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfigFile(path)
}

// loadConfigFile layers struct defaults under the config file, if one
// exists. An explicit path that does not exist is an error; the
// implicit default path is allowed to be absent.
func loadConfigFile(path string) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
