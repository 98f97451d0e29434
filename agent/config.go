// Package agent assembles the relay client, the execution engine, and the
// browser surface into one process: it registers a handler per command
// type, persists run history, and exposes the same operations as local
// MCP tools and a status HTTP endpoint.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent   IdentityConfig `yaml:"agent"`
	Relay   RelayConfig    `yaml:"relay"`
	Browser BrowserConfig  `yaml:"browser"`
	Engine  EngineConfig   `yaml:"engine"`
	Journal JournalConfig  `yaml:"journal"`
	Status  StatusConfig   `yaml:"status"`
}

// IdentityConfig names the agent on the relay channel.
type IdentityConfig struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	// Active is the boot default; the persisted setting wins afterwards.
	Active *bool `yaml:"active"`
}

// RelayConfig controls the relay connection.
type RelayConfig struct {
	URLs              []string      `yaml:"urls"`
	Token             string        `yaml:"token"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// BrowserConfig controls the Chrome lifecycle.
type BrowserConfig struct {
	Remote          string        `yaml:"remote"`
	Headful         bool          `yaml:"headful"`
	XvfbDisplay     string        `yaml:"xvfb_display"`
	MemoryLimit     int64         `yaml:"memory_limit"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

// EngineConfig gates the execution engine.
type EngineConfig struct {
	AllowScripts            bool          `yaml:"allow_scripts"`
	ScriptMaxLen            int           `yaml:"script_max_len"`
	ScriptTimeout           time.Duration `yaml:"script_timeout"`
	AllowSensitiveFill      bool          `yaml:"allow_sensitive_fill"`
	AllowSensitiveOverwrite bool          `yaml:"allow_sensitive_overwrite"`
	DelayBase               time.Duration `yaml:"delay_base"`
	DelayJitter             time.Duration `yaml:"delay_jitter"`
}

// JournalConfig locates the history database.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig controls the local status endpoint. Empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent: parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields, for callers building a Config
// directly instead of through LoadFile.
func (c *Config) ApplyDefaults() { c.applyDefaults() }

func (c *Config) applyDefaults() {
	if c.Agent.ID == "" {
		host, _ := os.Hostname()
		c.Agent.ID = "domdrive-" + host
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "dev"
	}
	if c.Agent.Active == nil {
		active := true
		c.Agent.Active = &active
	}
	if c.Relay.ConnectTimeout <= 0 {
		c.Relay.ConnectTimeout = 10 * time.Second
	}
	if c.Relay.HeartbeatInterval <= 0 {
		c.Relay.HeartbeatInterval = 25 * time.Second
	}
	if c.Relay.BackoffBase <= 0 {
		c.Relay.BackoffBase = time.Second
	}
	if c.Relay.BackoffMax <= 0 {
		c.Relay.BackoffMax = 60 * time.Second
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Engine.ScriptMaxLen <= 0 {
		c.Engine.ScriptMaxLen = 8192
	}
	if c.Engine.ScriptTimeout <= 0 {
		c.Engine.ScriptTimeout = 10 * time.Second
	}
	if c.Engine.DelayBase <= 0 {
		c.Engine.DelayBase = 250 * time.Millisecond
	}
	if c.Engine.DelayJitter <= 0 {
		c.Engine.DelayJitter = 400 * time.Millisecond
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "domdrive.db"
	}
}

// Validate rejects configurations the agent cannot start with.
func (c *Config) Validate() error {
	if len(c.Relay.URLs) == 0 {
		return fmt.Errorf("agent: relay.urls is required")
	}
	return nil
}
