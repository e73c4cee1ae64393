package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/opsbridge/internal/schedule"
)

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Runner   RunnerConfig   `yaml:"runner"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	Vault    VaultConfig    `yaml:"vault"`

	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

type TelegramConfig struct {
	Token  string   `yaml:"token"`
	ChatID int64    `yaml:"chat_id"`
	Notify []string `yaml:"notify"`
}

type BridgeConfig struct {
	MaxSteps           int           `yaml:"max_steps"`
	SwarmMaxIterations int           `yaml:"swarm_max_iterations"`
	BatchWindow        time.Duration `yaml:"batch_window"`
	ReasoningMaxChars  int           `yaml:"reasoning_max_chars"`
	SwarmMinChars      int           `yaml:"swarm_min_chars"`
	SwarmIdle          time.Duration `yaml:"swarm_idle"`
}

type RunnerConfig struct {
	MaxOperations int           `yaml:"max_operations"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SinkBuffer    int           `yaml:"sink_buffer"`
	DedupSize     int           `yaml:"dedup_size"`
}

type MetricsConfig struct {
	Interval   time.Duration `yaml:"interval"`
	ForceEvery int           `yaml:"force_every"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         int    `yaml:"port"`
	Auth         string `yaml:"auth"`
	ReplayEvents int    `yaml:"replay_events"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ScheduleConfig declares a recurring assessment. Schedule is a cron
// expression or a JSON schedule object.
type ScheduleConfig struct {
	Name      string `yaml:"name"`
	Schedule  string `yaml:"schedule"`
	Target    string `yaml:"target"`
	Objective string `yaml:"objective"`
	MaxSteps  int    `yaml:"max_steps"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Telegram: TelegramConfig{
			Notify: []string{"user_handoff", "assessment_complete", "termination", "error"},
		},
		Bridge: BridgeConfig{
			MaxSteps:           100,
			SwarmMaxIterations: 20,
			BatchWindow:        20 * time.Millisecond,
			ReasoningMaxChars:  2000,
			SwarmMinChars:      120,
			SwarmIdle:          1500 * time.Millisecond,
		},
		Runner: RunnerConfig{
			MaxOperations: 8,
			IdleTimeout:   30 * time.Minute,
			SinkBuffer:    1024,
			DedupSize:     4096,
		},
		Metrics: MetricsConfig{
			Interval:   time.Second,
			ForceEvery: 5,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/opsbridge.db",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Web: WebConfig{
			Enabled:      true,
			Port:         8080,
			ReplayEvents: 200,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("OPSBRIDGE_CONFIG")
	if path == "" {
		path = "config/opsbridge.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Bridge.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_steps must be positive, got %d", c.Bridge.MaxSteps))
	}
	if c.Bridge.SwarmMaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("bridge.swarm_max_iterations must be positive, got %d", c.Bridge.SwarmMaxIterations))
	}
	if c.Bridge.BatchWindow <= 0 || c.Bridge.BatchWindow > time.Second {
		errs = append(errs, fmt.Errorf("bridge.batch_window must be in (0, 1s], got %v", c.Bridge.BatchWindow))
	}
	if c.Runner.MaxOperations <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_operations must be positive, got %d", c.Runner.MaxOperations))
	}
	if c.Metrics.Interval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.interval must be positive, got %v", c.Metrics.Interval))
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}
	names := make(map[string]bool, len(c.Schedules))
	for i, sc := range c.Schedules {
		switch {
		case sc.Name == "":
			errs = append(errs, fmt.Errorf("schedules[%d].name is required", i))
		case names[sc.Name]:
			errs = append(errs, fmt.Errorf("duplicate schedule name %q", sc.Name))
		}
		names[sc.Name] = true
		if sc.Target == "" {
			errs = append(errs, fmt.Errorf("schedules[%d].target is required", i))
		}
		if _, err := schedule.Parse(sc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSBRIDGE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("OPSBRIDGE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("OPSBRIDGE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.MaxSteps = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_SWARM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.SwarmMaxIterations = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("OPSBRIDGE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("OPSBRIDGE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("OPSBRIDGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OPSBRIDGE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
