// Package config loads the router daemon's startup configuration from the
// environment, matching the teacher's preference for direct env-var reads at
// the entry point over a configuration framework. An optional YAML file can
// override individual values before the process-level env vars are applied,
// for operators who prefer a checked-in file over a long env var list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gasoline-dev/tabrouter/internal/extlink"
	"github.com/gasoline-dev/tabrouter/internal/router"
)

// Config is the daemon's fully resolved startup configuration (§6
// Environment, plus the extension-link and control-surface addresses).
type Config struct {
	LogLevel string

	Router  router.Config
	Link    extlink.Config

	ControlSecret string
	ControlAddr   string
	ExtensionAddr string
}

// Defaults returns the spec's documented defaults before any env var or
// override file is applied.
func Defaults() Config {
	return Config{
		LogLevel:      "info",
		Router:        router.DefaultConfig(),
		Link:          extlink.DefaultConfig(),
		ControlAddr:   "127.0.0.1:7801",
		ExtensionAddr: "127.0.0.1:7802",
	}
}

// overrideFile is the shape of the optional on-disk override (YAML). Every
// field is a pointer so an absent key in the file leaves the default (or the
// env var value, if Load is given a file and env vars both) untouched.
type overrideFile struct {
	LogLevel          *string `yaml:"logLevel"`
	HeartbeatInterval *string `yaml:"heartbeatInterval"`
	HeartbeatTimeout  *string `yaml:"heartbeatTimeout"`
	LinkGraceWindow   *string `yaml:"linkGraceWindow"`
	QueueSoftCap      *int    `yaml:"queueSoftCap"`
	PendingHardCap    *int    `yaml:"pendingHardCap"`
	ControlSecret     *string `yaml:"controlSecret"`
	ControlAddr       *string `yaml:"controlAddr"`
	ExtensionAddr     *string `yaml:"extensionAddr"`
}

// Load resolves Config from, in increasing priority: the documented
// defaults, an optional YAML file at overridePath (skipped silently if
// overridePath is empty or the file does not exist), then the ROUTER_*
// environment variables (§6 Environment; ambient stack §"Configuration").
func Load(overridePath string) (Config, error) {
	cfg := Defaults()

	if overridePath != "" {
		if err := applyOverrideFile(&cfg, overridePath); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverrideFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading override file %q: %w", path, err)
	}

	var of overrideFile
	if err := yaml.Unmarshal(data, &of); err != nil {
		return fmt.Errorf("config: parsing override file %q: %w", path, err)
	}

	if of.LogLevel != nil {
		cfg.LogLevel = *of.LogLevel
	}
	if of.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*of.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("config: heartbeatInterval: %w", err)
		}
		cfg.Link.HeartbeatInterval = d
	}
	if of.HeartbeatTimeout != nil {
		d, err := time.ParseDuration(*of.HeartbeatTimeout)
		if err != nil {
			return fmt.Errorf("config: heartbeatTimeout: %w", err)
		}
		cfg.Link.HeartbeatTimeout = d
	}
	if of.LinkGraceWindow != nil {
		d, err := time.ParseDuration(*of.LinkGraceWindow)
		if err != nil {
			return fmt.Errorf("config: linkGraceWindow: %w", err)
		}
		cfg.Router.LinkGraceWindow = d
	}
	if of.QueueSoftCap != nil {
		cfg.Router.QueueSoftCap = *of.QueueSoftCap
	}
	if of.PendingHardCap != nil {
		cfg.Router.PendingHardCap = *of.PendingHardCap
	}
	if of.ControlSecret != nil {
		cfg.ControlSecret = *of.ControlSecret
	}
	if of.ControlAddr != nil {
		cfg.ControlAddr = *of.ControlAddr
	}
	if of.ExtensionAddr != nil {
		cfg.ExtensionAddr = *of.ExtensionAddr
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("ROUTER_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if err := envDuration("ROUTER_HEARTBEAT_INTERVAL", &cfg.Link.HeartbeatInterval); err != nil {
		return err
	}
	if err := envDuration("ROUTER_HEARTBEAT_TIMEOUT", &cfg.Link.HeartbeatTimeout); err != nil {
		return err
	}
	if err := envDuration("ROUTER_LINK_GRACE_WINDOW", &cfg.Router.LinkGraceWindow); err != nil {
		return err
	}
	if err := envInt("ROUTER_QUEUE_SOFT_CAP", &cfg.Router.QueueSoftCap); err != nil {
		return err
	}
	if err := envInt("ROUTER_PENDING_HARD_CAP", &cfg.Router.PendingHardCap); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("ROUTER_CONTROL_SECRET"); ok {
		cfg.ControlSecret = v
	}
	if v, ok := os.LookupEnv("ROUTER_CONTROL_ADDR"); ok {
		cfg.ControlAddr = v
	}
	if v, ok := os.LookupEnv("ROUTER_EXTENSION_ADDR"); ok {
		cfg.ExtensionAddr = v
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", name, v, err)
	}
	*dst = d
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}
