package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/neurolov/swarmd/internal/agent"
	"github.com/neurolov/swarmd/internal/api"
	"github.com/neurolov/swarmd/internal/app/admission"
	"github.com/neurolov/swarmd/internal/app/settlement"
	"github.com/neurolov/swarmd/internal/infra/connection"
	"github.com/neurolov/swarmd/internal/infra/logging"
	"github.com/neurolov/swarmd/internal/infra/scheduler"
)

// Config is the top-level swarmd configuration.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	API        APIConfig        `toml:"api"`
	Storage    StorageConfig    `toml:"storage"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Admission  AdmissionConfig  `toml:"admission"`
	Settlement SettlementConfig `toml:"settlement"`
	Agent      AgentConfig      `toml:"agent"`
	Logging    LoggingConfig    `toml:"logging"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

type NodeConfig struct {
	ID string `toml:"id"`
}

type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout string   `toml:"request_timeout"`
}

type StorageConfig struct {
	Dir string `toml:"dir"` // empty means the swarmd home
}

type HeartbeatConfig struct {
	Interval   string `toml:"interval"`
	MaxMissed  int    `toml:"max_missed"`
	OutboxSize int    `toml:"outbox_size"`
}

type SchedulerConfig struct {
	DispatchInterval   string `toml:"dispatch_interval"`
	RelaxHardwareAfter string `toml:"relax_hardware_after"`
}

type AdmissionConfig struct {
	Window         string  `toml:"window"`
	MaxRequests    int     `toml:"max_requests"`
	FraudThreshold float64 `toml:"fraud_threshold"`
	VelocityRPS    float64 `toml:"velocity_rps"`
	VelocityBurst  int     `toml:"velocity_burst"`
	RedisAddr      string  `toml:"redis_addr"` // shared rate window; empty keeps it in memory
}

type SettlementConfig struct {
	RetryBase   string `toml:"retry_base"`
	RetryMax    string `toml:"retry_max"`
	MaxAttempts int    `toml:"max_attempts"`
	MaxBacklog  int    `toml:"max_backlog"` // health turns degraded above this
}

// AgentConfig is read by `swarmd agent`.
type AgentConfig struct {
	Coordinator   string  `toml:"coordinator"`
	Identity      string  `toml:"identity"`
	SwarmID       string  `toml:"swarm_id"`
	Power         float64 `toml:"power"`
	Hardware      string  `toml:"hardware"`
	ReconnectBase string  `toml:"reconnect_base"`
	ReconnectMax  string  `toml:"reconnect_max"`
	MaxAttempts   int     `toml:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			CORSOrigins:    []string{"*"},
			RequestTimeout: "30s",
		},
		Heartbeat: HeartbeatConfig{
			Interval:   "30s",
			MaxMissed:  2,
			OutboxSize: 64,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval:   "5s",
			RelaxHardwareAfter: "10m",
		},
		Admission: AdmissionConfig{
			Window:         "15m",
			MaxRequests:    100,
			FraudThreshold: 0.8,
			VelocityRPS:    1,
			VelocityBurst:  10,
		},
		Settlement: SettlementConfig{
			RetryBase:   "1s",
			RetryMax:    "60s",
			MaxAttempts: 5,
			MaxBacklog:  100,
		},
		Agent: AgentConfig{
			Coordinator:   "ws://127.0.0.1:8420",
			Power:         1,
			Hardware:      "CPU",
			ReconnectBase: "1s",
			ReconnectMax:  "30s",
			MaxAttempts:   5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// Home returns the swarmd home directory. SWARMD_HOME overrides ~/.swarmd.
func Home() string {
	if h := os.Getenv("SWARMD_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmd"
	}
	return filepath.Join(home, ".swarmd")
}

// ConfigPath returns the path of config.toml under the home directory.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads config.toml, falling back to defaults when it is absent.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile decodes path over DefaultConfig. A missing file is not an
// error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to config.toml.
func SaveConfig(cfg Config) error {
	if err := os.MkdirAll(Home(), 0700); err != nil {
		return err
	}
	f, err := os.Create(ConfigPath())
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// StorageDir returns the database directory.
func (c Config) StorageDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return Home()
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ─── Component Configs ──────────────────────────────────────────────────────

func (c Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format}
}

func (c Config) APIConfig() api.Config {
	def := api.DefaultConfig()
	cfg := api.Config{
		CORSOrigins:    c.API.CORSOrigins,
		RequestTimeout: parseDuration(c.API.RequestTimeout, def.RequestTimeout),
		Metrics:        c.Telemetry.Prometheus,
		MaxBodyBytes:   def.MaxBodyBytes,
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}
	// Sessions may stay silent for a little over MaxMissed probe rounds.
	probe := parseDuration(c.Heartbeat.Interval, connection.DefaultConfig().ProbeInterval)
	if missed := c.Heartbeat.MaxMissed; missed > 0 {
		cfg.PongWait = probe * time.Duration(missed+1)
	}
	return cfg
}

func (c Config) ConnectionConfig() connection.Config {
	def := connection.DefaultConfig()
	cfg := connection.Config{
		ProbeInterval: parseDuration(c.Heartbeat.Interval, def.ProbeInterval),
		MaxMissed:     c.Heartbeat.MaxMissed,
		OutboxSize:    c.Heartbeat.OutboxSize,
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = def.MaxMissed
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	return cfg
}

func (c Config) SchedulerConfig() scheduler.Config {
	def := scheduler.DefaultConfig()
	return scheduler.Config{
		DispatchInterval:   parseDuration(c.Scheduler.DispatchInterval, def.DispatchInterval),
		DispatchBatch:      def.DispatchBatch,
		RelaxHardwareAfter: parseDuration(c.Scheduler.RelaxHardwareAfter, def.RelaxHardwareAfter),
	}
}

func (c Config) AdmissionConfig() admission.Config {
	def := admission.DefaultConfig()
	cfg := admission.Config{
		Window:         parseDuration(c.Admission.Window, def.Window),
		MaxRequests:    c.Admission.MaxRequests,
		FraudThreshold: c.Admission.FraudThreshold,
		VelocityRPS:    c.Admission.VelocityRPS,
		VelocityBurst:  c.Admission.VelocityBurst,
		IdleTTL:        def.IdleTTL,
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.FraudThreshold <= 0 {
		cfg.FraudThreshold = def.FraudThreshold
	}
	return cfg
}

func (c Config) SettlementConfig() settlement.Config {
	def := settlement.DefaultConfig()
	cfg := settlement.Config{
		BaseDelay:    parseDuration(c.Settlement.RetryBase, def.BaseDelay),
		MaxDelay:     parseDuration(c.Settlement.RetryMax, def.MaxDelay),
		MaxAttempts:  c.Settlement.MaxAttempts,
		PollInterval: def.PollInterval,
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return cfg
}

func (c Config) AgentConfig() agent.Config {
	def := agent.DefaultConfig()
	return agent.Config{
		URL:              c.Agent.Coordinator,
		Identity:         c.Agent.Identity,
		SwarmID:          c.Agent.SwarmID,
		Power:            c.Agent.Power,
		Hardware:         c.Agent.Hardware,
		ReconnectBase:    parseDuration(c.Agent.ReconnectBase, def.ReconnectBase),
		ReconnectMax:     parseDuration(c.Agent.ReconnectMax, def.ReconnectMax),
		MaxAttempts:      c.Agent.MaxAttempts,
		HandshakeTimeout: def.HandshakeTimeout,
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
