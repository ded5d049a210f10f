// Package config loads node configuration: a yaml file over built-in defaults, then
// WAKULINK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"wakulink/go-backend/internal/dispatch"
	"wakulink/go-backend/internal/natsbus"
	"wakulink/go-backend/internal/waku"
)

const EnvPrefix = "WAKULINK"

const (
	TransportMock   = waku.TransportMock
	TransportGoWaku = waku.TransportGoWaku
	TransportNATS   = "nats"

	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Transport  string          `yaml:"transport" envconfig:"TRANSPORT"`
	Dispatcher dispatch.Config `yaml:"dispatcher" envconfig:"DISPATCHER"`
	Network    waku.Config     `yaml:"network" envconfig:"NETWORK"`
	NATS       natsbus.Config  `yaml:"nats" envconfig:"NATS"`
	Storage    StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Identity   IdentityConfig  `yaml:"identity" envconfig:"IDENTITY"`
	Metrics    MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
	Log        LogConfig       `yaml:"log" envconfig:"LOG"`
	Limits     LimitsConfig    `yaml:"limits" envconfig:"LIMITS"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend" envconfig:"BACKEND"`
	Path        string `yaml:"path" envconfig:"PATH"`
	DatabaseURL string `yaml:"databaseURL" envconfig:"DATABASE_URL"`
}

type IdentityConfig struct {
	MnemonicFile string `yaml:"mnemonicFile" envconfig:"MNEMONIC_FILE"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// LimitsConfig bounds outbound emits per message type. EmitRPS <= 0 disables the limiter.
type LimitsConfig struct {
	EmitRPS     float64       `yaml:"emitRPS" envconfig:"EMIT_RPS"`
	EmitBurst   int           `yaml:"emitBurst" envconfig:"EMIT_BURST"`
	EmitIdleTTL time.Duration `yaml:"emitIdleTTL" envconfig:"EMIT_IDLE_TTL"`
}

func Default() Config {
	return Config{
		Transport:  TransportMock,
		Dispatcher: dispatch.DefaultConfig(),
		Network:    waku.DefaultConfig(),
		NATS:       natsbus.DefaultConfig(),
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Log:     LogConfig{Level: "info"},
		Limits: LimitsConfig{
			EmitRPS:     20,
			EmitBurst:   40,
			EmitIdleTTL: 10 * time.Minute,
		},
	}
}

// Load reads configPath, or the first default candidate that exists, over Default() and then
// applies environment overrides. An explicit path that cannot be read is an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

func Normalize(cfg Config) Config {
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportMock
	}
	if cfg.Transport == TransportMock || cfg.Transport == TransportGoWaku {
		cfg.Network.Transport = cfg.Transport
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Limits.EmitBurst <= 0 {
		cfg.Limits.EmitBurst = 1
	}
	return cfg
}

func Validate(cfg Config) error {
	switch cfg.Transport {
	case TransportMock, TransportGoWaku, TransportNATS:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
	switch cfg.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path is required for the file backend", ErrInvalidConfig)
		}
	case StoragePostgres:
		if strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
			return fmt.Errorf("%w: storage.databaseURL is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, cfg.Storage.Backend)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
