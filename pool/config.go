package pool

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/events"
	"github.com/veldt/denbot/navigate"
	"github.com/veldt/denbot/raid"
	"github.com/veldt/denbot/rotation"
)

// Config holds all daemon configuration. Values come from the YAML file
// first; DENBOT_* environment variables override the top-level fields.
type Config struct {
	LogLevel   string `yaml:"log_level" env:"DENBOT_LOG_LEVEL"`
	Listen     string `yaml:"listen" env:"DENBOT_LISTEN"`
	Database   string `yaml:"database" env:"DENBOT_DATABASE"`
	CoordsFile string `yaml:"coords_file" env:"DENBOT_COORDS_FILE"`
	// CatalogFile optionally seeds the queue with filler raids at startup.
	CatalogFile string `yaml:"catalog_file" env:"DENBOT_CATALOG_FILE"`

	// RestartDelay is the pause before relaunching a crashed session.
	RestartDelay time.Duration `yaml:"restart_delay"`

	Queue     QueueConfig     `yaml:"queue"`
	Probe     ProbeConfig     `yaml:"probe"`
	Nav       NavConfig       `yaml:"nav"`
	Retention RetentionConfig `yaml:"retention"`

	Sessions []SessionConfig `yaml:"sessions"`
}

// QueueConfig bounds the shared request queue.
type QueueConfig struct {
	GlobalCap  int `yaml:"global_cap"`
	PerUserCap int `yaml:"per_user_cap"`
}

// ChainConfig is one pointer chain: a root offset from the main module base
// and the offsets applied after each dereference.
type ChainConfig struct {
	Root    int64   `yaml:"root"`
	Offsets []int64 `yaml:"offsets"`
}

func (c ChainConfig) chain() den.Chain {
	return den.Chain{Root: c.Root, Offsets: c.Offsets}
}

// ProbeConfig locates the environment probe targets in game memory.
type ProbeConfig struct {
	Clock    ChainConfig `yaml:"clock"`
	Progress ChainConfig `yaml:"progress"`
	Battle   ChainConfig `yaml:"battle"`
	Player   ChainConfig `yaml:"player"`
	// SignatureAddr/SignatureExpect are the static interference probe:
	// the bytes at main+SignatureAddr must equal the hex-decoded
	// SignatureExpect.
	SignatureAddr   int64  `yaml:"signature_addr"`
	SignatureExpect string `yaml:"signature_expect"`
}

func (c ProbeConfig) raidOptions() (raid.Options, error) {
	expect, err := hex.DecodeString(c.SignatureExpect)
	if err != nil {
		return raid.Options{}, fmt.Errorf("pool: signature_expect is not hex: %w", err)
	}
	return raid.Options{
		Clock:    c.Clock.chain(),
		Progress: c.Progress.chain(),
		Battle:   c.Battle.chain(),
		Player:   c.Player.chain(),
		Signature: raid.SignatureProbe{
			Addr:   c.SignatureAddr,
			Expect: expect,
		},
	}, nil
}

// NavConfig tunes overworld movement.
type NavConfig struct {
	Threshold float64       `yaml:"threshold"`
	Burst     time.Duration `yaml:"burst"`
	Settle    time.Duration `yaml:"settle"`
	MaxBursts int           `yaml:"max_bursts"`
}

func (c NavConfig) options() navigate.Options {
	return navigate.Options{
		Threshold: c.Threshold,
		Burst:     c.Burst,
		Settle:    c.Settle,
		MaxBursts: c.MaxBursts,
	}
}

// RetentionConfig is per-table event retention in days.
type RetentionConfig struct {
	CyclesDays     int `yaml:"cycles_days"`
	AuditDays      int `yaml:"audit_days"`
	HeartbeatsDays int `yaml:"heartbeats_days"`
}

// Retention converts to the events-layer retention settings.
func (c RetentionConfig) Retention() events.RetentionConfig {
	return events.RetentionConfig{
		CyclesDays:     c.CyclesDays,
		AuditDays:      c.AuditDays,
		HeartbeatsDays: c.HeartbeatsDays,
	}
}

// SessionConfig describes one bot session: which console it drives and how
// its rotation behaves.
type SessionConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`

	RequestSlot int              `yaml:"request_slot"`
	RequestDen  string           `yaml:"request_den"`
	Rotation    []rotation.Entry `yaml:"rotation"`

	InjectRetries int           `yaml:"inject_retries"`
	LobbyWait     time.Duration `yaml:"lobby_wait"`
	SoloStart     *bool         `yaml:"solo_start"`
	BattleTimeout time.Duration `yaml:"battle_timeout"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

func (c SessionConfig) rotationConfig() rotation.Config {
	return rotation.Config{
		SessionID:     c.ID,
		Rotation:      c.Rotation,
		RequestSlot:   c.RequestSlot,
		RequestDen:    c.RequestDen,
		InjectRetries: c.InjectRetries,
		LobbyWait:     c.LobbyWait,
		SoloStart:     c.SoloStart,
		BattleTimeout: c.BattleTimeout,
		Cooldown:      c.Cooldown,
	}
}

func (c *Config) defaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = ":8424"
	}
	if c.Database == "" {
		c.Database = "denbot.db"
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
}

// Validate checks the parts that would otherwise fail at session start.
func (c *Config) Validate() error {
	if len(c.Sessions) == 0 {
		return fmt.Errorf("pool: no sessions configured")
	}
	if _, err := c.Probe.raidOptions(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("pool: session %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("pool: duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Addr == "" {
			return fmt.Errorf("pool: session %q has no console address", s.ID)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file and applies environment overrides.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pool: parse config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("pool: env overrides: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}
