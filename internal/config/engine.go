package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig holds the tunables operators adjust without a restart:
// cache lifetimes and event batching thresholds.
type EngineConfig struct {
	SnapshotTTL          time.Duration `mapstructure:"snapshotTTL"`
	IdempotencyRetention time.Duration `mapstructure:"idempotencyRetention"`
	WarmLockTTL          time.Duration `mapstructure:"warmLockTTL"`

	BatchQueueBound    int           `mapstructure:"batchQueueBound"`
	BatchFlushSize     int           `mapstructure:"batchFlushSize"`
	BatchFlushInterval time.Duration `mapstructure:"batchFlushInterval"`

	UseStoredFunction bool `mapstructure:"useStoredFunction"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SnapshotTTL:          24 * time.Hour,
		IdempotencyRetention: 24 * time.Hour,
		WarmLockTTL:          5 * time.Second,
		BatchQueueBound:      10000,
		BatchFlushSize:       100,
		BatchFlushInterval:   2 * time.Second,
		UseStoredFunction:    false,
	}
}

// EngineConfigHolder hands out the current engine tuning and swaps it
// atomically when the config file changes on disk.
type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("drawdown")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/drawdown/config")
	v.AddConfigPath("/etc/drawdown")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DRAWDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.snapshotTTL", defaults.SnapshotTTL)
	v.SetDefault("engine.idempotencyRetention", defaults.IdempotencyRetention)
	v.SetDefault("engine.warmLockTTL", defaults.WarmLockTTL)
	v.SetDefault("engine.batchQueueBound", defaults.BatchQueueBound)
	v.SetDefault("engine.batchFlushSize", defaults.BatchFlushSize)
	v.SetDefault("engine.batchFlushInterval", defaults.BatchFlushInterval)
	v.SetDefault("engine.useStoredFunction", defaults.UseStoredFunction)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.SnapshotTTL <= 0 {
		return errors.New("engine.snapshotTTL must be positive")
	}
	if cfg.BatchFlushSize <= 0 {
		return errors.New("engine.batchFlushSize must be positive")
	}
	if cfg.BatchQueueBound < cfg.BatchFlushSize {
		return errors.New("engine.batchQueueBound must be at least engine.batchFlushSize")
	}
	if cfg.BatchFlushInterval <= 0 {
		return errors.New("engine.batchFlushInterval must be positive")
	}
	return nil
}
