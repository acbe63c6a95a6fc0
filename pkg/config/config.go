// Package config loads the hub's tunables from .guild/config.yaml and
// the agent roster from .guild/agents.toml. Both files are optional;
// missing files and zero values fall back to the defaults every
// component also applies on its own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"guild/pkg/protocol"
)

// Duration is a time.Duration that reads from yaml as either a Go
// duration string ("45s") or integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// UnmarshalYAML accepts "30s" style strings or raw nanosecond counts.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config is the .guild/config.yaml structure.
type Config struct {
	Bus    BusConfig    `yaml:"bus,omitempty"`
	Memory MemoryConfig `yaml:"memory,omitempty"`
	Router RouterConfig `yaml:"router,omitempty"`
	Agent  AgentConfig  `yaml:"agent,omitempty"`
	LLM    LLMConfig    `yaml:"llm,omitempty"`
}

// BusConfig tunes delivery behavior.
type BusConfig struct {
	MaxAttempts      int      `yaml:"max_attempts,omitempty"`
	AckTimeout       Duration `yaml:"ack_timeout,omitempty"`
	RetryInterval    Duration `yaml:"retry_interval,omitempty"`
	MessageTTL       Duration `yaml:"message_ttl,omitempty"`
	DispatchInterval Duration `yaml:"dispatch_interval,omitempty"`
}

// MemoryConfig tunes the decay sweep.
type MemoryConfig struct {
	DecayInterval   Duration `yaml:"decay_interval,omitempty"`
	ImportanceFloor float64  `yaml:"importance_floor,omitempty"`
	DemoteFactor    float64  `yaml:"demote_factor,omitempty"`
}

// RouterConfig tunes task routing.
type RouterConfig struct {
	MaxRejections    int      `yaml:"max_rejections,omitempty"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout,omitempty"`
}

// AgentConfig tunes every instance started from this hub.
type AgentConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	ContextBudget     int      `yaml:"context_budget,omitempty"`
}

// LLMConfig points instances at the language-model endpoint.
type LLMConfig struct {
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Temperature float64  `yaml:"temperature,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// Default returns the configuration every component assumes when a
// field is zero.
func Default() Config {
	return Config{
		Bus: BusConfig{
			MaxAttempts:      3,
			AckTimeout:       Duration(30 * time.Second),
			RetryInterval:    Duration(2 * time.Second),
			MessageTTL:       Duration(time.Hour),
			DispatchInterval: Duration(time.Second),
		},
		Memory: MemoryConfig{
			DecayInterval:   Duration(time.Hour),
			ImportanceFloor: 0.1,
			DemoteFactor:    0.7,
		},
		Router: RouterConfig{
			MaxRejections:    3,
			HeartbeatTimeout: Duration(45 * time.Second),
		},
		Agent: AgentConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			ContextBudget:     2000,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:1234/v1",
			Model:       "default",
			Temperature: 0.7,
			Timeout:     Duration(60 * time.Second),
		},
	}
}

// withDefaults fills zero fields from Default.
func (c Config) withDefaults() Config {
	d := Default()
	if c.Bus.MaxAttempts == 0 {
		c.Bus.MaxAttempts = d.Bus.MaxAttempts
	}
	if c.Bus.AckTimeout == 0 {
		c.Bus.AckTimeout = d.Bus.AckTimeout
	}
	if c.Bus.RetryInterval == 0 {
		c.Bus.RetryInterval = d.Bus.RetryInterval
	}
	if c.Bus.MessageTTL == 0 {
		c.Bus.MessageTTL = d.Bus.MessageTTL
	}
	if c.Bus.DispatchInterval == 0 {
		c.Bus.DispatchInterval = d.Bus.DispatchInterval
	}
	if c.Memory.DecayInterval == 0 {
		c.Memory.DecayInterval = d.Memory.DecayInterval
	}
	if c.Memory.ImportanceFloor == 0 {
		c.Memory.ImportanceFloor = d.Memory.ImportanceFloor
	}
	if c.Memory.DemoteFactor == 0 {
		c.Memory.DemoteFactor = d.Memory.DemoteFactor
	}
	if c.Router.MaxRejections == 0 {
		c.Router.MaxRejections = d.Router.MaxRejections
	}
	if c.Router.HeartbeatTimeout == 0 {
		c.Router.HeartbeatTimeout = d.Router.HeartbeatTimeout
	}
	if c.Agent.HeartbeatInterval == 0 {
		c.Agent.HeartbeatInterval = d.Agent.HeartbeatInterval
	}
	if c.Agent.ContextBudget == 0 {
		c.Agent.ContextBudget = d.Agent.ContextBudget
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.LLM.BaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = d.LLM.Temperature
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = d.LLM.Timeout
	}
	return c
}

// Load reads guildDir/config.yaml. A missing file yields the defaults.
func Load(guildDir string) (Config, error) {
	path := filepath.Join(guildDir, protocol.ConfigFileName)
	data, err := os.ReadFile(path) //nolint:gosec // path is rooted in the hub directory
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// Save writes cfg to guildDir/config.yaml.
func Save(guildDir string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(guildDir, protocol.ConfigFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // hub config is not secret
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
