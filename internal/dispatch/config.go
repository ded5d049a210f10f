package dispatch

import (
	"strings"
	"time"

	"wakulink/go-backend/internal/dedup"
)

const (
	DefaultPubsubTopic  = "/waku/2/default-waku/proto"
	DefaultContentTopic = "/wakulink/1/dispatch/json"
)

type Config struct {
	PubsubTopic  string `yaml:"pubsubTopic" envconfig:"PUBSUB_TOPIC"`
	ContentTopic string `yaml:"contentTopic" envconfig:"CONTENT_TOPIC"`
	// Ephemeral is the default channel variant for Emit when the caller does not choose one.
	Ephemeral             bool          `yaml:"ephemeral" envconfig:"EPHEMERAL"`
	ProbeInterval         time.Duration `yaml:"probeInterval" envconfig:"PROBE_INTERVAL"`
	BackoffBase           time.Duration `yaml:"backoffBase" envconfig:"BACKOFF_BASE"`
	BackoffMax            time.Duration `yaml:"backoffMax" envconfig:"BACKOFF_MAX"`
	BackfillWindow        time.Duration `yaml:"backfillWindow" envconfig:"BACKFILL_WINDOW"`
	RecreateAfterAttempts int           `yaml:"recreateAfterAttempts" envconfig:"RECREATE_AFTER_ATTEMPTS"`
	ConnectivityTimeout   time.Duration `yaml:"connectivityTimeout" envconfig:"CONNECTIVITY_TIMEOUT"`
	OperationTimeout      time.Duration `yaml:"operationTimeout" envconfig:"OPERATION_TIMEOUT"`
	DedupCapacity         int           `yaml:"dedupCapacity" envconfig:"DEDUP_CAPACITY"`
	HistoryPageSize       int           `yaml:"historyPageSize" envconfig:"HISTORY_PAGE_SIZE"`
}

func DefaultConfig() Config {
	return Config{
		PubsubTopic:           DefaultPubsubTopic,
		ContentTopic:          DefaultContentTopic,
		Ephemeral:             false,
		ProbeInterval:         10 * time.Second,
		BackoffBase:           time.Second,
		BackoffMax:            30 * time.Second,
		BackfillWindow:        30 * time.Second,
		RecreateAfterAttempts: 3,
		ConnectivityTimeout:   30 * time.Second,
		OperationTimeout:      15 * time.Second,
		DedupCapacity:         dedup.DefaultCapacity,
		HistoryPageSize:       20,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.PubsubTopic = strings.TrimSpace(cfg.PubsubTopic)
	cfg.ContentTopic = strings.TrimSpace(cfg.ContentTopic)
	if cfg.PubsubTopic == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	if cfg.ContentTopic == "" {
		cfg.ContentTopic = def.ContentTopic
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = def.BackfillWindow
	}
	if cfg.RecreateAfterAttempts <= 0 {
		cfg.RecreateAfterAttempts = def.RecreateAfterAttempts
	}
	if cfg.ConnectivityTimeout <= 0 {
		cfg.ConnectivityTimeout = def.ConnectivityTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = def.HistoryPageSize
	}
	return cfg
}
