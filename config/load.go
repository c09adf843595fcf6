package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"risk-gate-go/infrastructure/logger"
	"risk-gate-go/internal/store"
	"risk-gate-go/order"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string           `yaml:"env"`
	Log        logger.Config    `yaml:"log"`
	Storage    store.Config     `yaml:"storage"`
	Broker     BrokerConfig     `yaml:"broker"`
	Engine     EngineConfig     `yaml:"engine"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerts     AlertConfig      `yaml:"alerts"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Limits     LimitsConfig     `yaml:"limits"`
	// LimitsFile 单独的限额文件，设置后覆盖 limits 段并支持热更新
	LimitsFile   string       `yaml:"limits_file"`
	LimitsReload ReloadConfig `yaml:"limits_reload"`
}

const (
	ReloadFSNotify = "fsnotify"
	ReloadPoll     = "poll"
	ReloadOff      = "off"
)

// ReloadConfig 限额文件热更新方式。部分网络文件系统收不到 inotify 事件，可改用轮询。
type ReloadConfig struct {
	Mode         string        `yaml:"mode"` // fsnotify（默认）, poll, off
	Cooldown     time.Duration `yaml:"cooldown"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

const (
	BrokerFake   = "fake"
	BrokerREST   = "rest"
	BrokerAlpaca = "alpaca"
)

type BrokerConfig struct {
	Kind      string  `yaml:"kind"` // fake, rest, alpaca
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	BaseURL   string  `yaml:"base_url"`
	RateLimit float64 `yaml:"rate_limit"` // 每秒请求数
	Burst     int     `yaml:"burst"`
	// FakeEquity kind=fake 时的初始权益
	FakeEquity string `yaml:"fake_equity"`
}

type EngineConfig struct {
	InitialCash    string                             `yaml:"initial_cash"`
	Retry          order.RetryConfig                  `yaml:"retry"`
	AttemptTimeout time.Duration                      `yaml:"attempt_timeout"`
	PollInterval   time.Duration                      `yaml:"poll_interval"`
	RecoverOnStart bool                               `yaml:"recover_on_start"`
	Symbols        map[string]order.SymbolConstraints `yaml:"symbols"`
}

type ReconcileConfig struct {
	Interval             time.Duration `yaml:"interval"`
	Epsilon              string        `yaml:"epsilon"`
	PauseAfterMismatches int           `yaml:"pause_after_mismatches"`
	SyncCash             bool          `yaml:"sync_cash"`
}

type BreakerConfig struct {
	// WarningFraction 达到上限该比例时进入 HALF_OPEN
	WarningFraction string        `yaml:"warning_fraction"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

type KillSwitchConfig struct {
	Token string `yaml:"token"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	Console          bool          `yaml:"console"`
}

type MarketDataConfig struct {
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("GATE_BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("GATE_BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("GATE_KILL_SWITCH_TOKEN"); v != "" {
		cfg.KillSwitch.Token = v
	}
	if v := os.Getenv("GATE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	switch cfg.Broker.Kind {
	case BrokerFake:
	case BrokerREST, BrokerAlpaca:
		if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
			return errors.New("broker.api_key/api_secret is required (or env overrides)")
		}
		if cfg.Broker.Kind == BrokerREST && cfg.Broker.BaseURL == "" {
			return errors.New("broker.base_url is required for rest broker")
		}
	default:
		return fmt.Errorf("broker.kind %q must be one of fake, rest, alpaca", cfg.Broker.Kind)
	}
	if cfg.Broker.RateLimit < 0 || cfg.Broker.Burst < 0 {
		return errors.New("broker.rate_limit/burst must be >= 0")
	}
	switch cfg.Storage.Driver {
	case "", store.DriverSQLite, store.DriverPostgres, store.DriverBolt:
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		return errors.New("storage.dsn is required")
	}
	if cfg.Env == "prod" && cfg.Broker.Kind == BrokerFake {
		return errors.New("broker.kind fake is not allowed in prod")
	}
	if cfg.Env == "prod" && cfg.KillSwitch.Token == "" {
		return errors.New("kill_switch.token is required in prod (or GATE_KILL_SWITCH_TOKEN)")
	}
	if err := ValidateParams(cfg); err != nil {
		return err
	}
	switch cfg.LimitsReload.Mode {
	case "", ReloadFSNotify, ReloadPoll, ReloadOff:
	default:
		return fmt.Errorf("limits_reload.mode %q must be one of fsnotify, poll, off", cfg.LimitsReload.Mode)
	}
	if cfg.LimitsFile == "" {
		if _, err := cfg.Limits.ToLimits(); err != nil {
			return err
		}
	}
	return nil
}
