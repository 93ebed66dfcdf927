package core

import (
	"fmt"
	"strings"
	"time"
)

type ChangeLogConfig struct {
	// ResultLimit bounds the number of locators a single Since call may
	// return; zero disables the bound.
	ResultLimit int `koanf:"result_limit" mapstructure:"result_limit"`
}

type EventsConfig struct {
	OrderedDelivery bool   `koanf:"ordered_delivery" mapstructure:"ordered_delivery"`
	NodeID          string `koanf:"node_id" mapstructure:"node_id"`
}

type CacheConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type OutboxConfig struct {
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	ChangeLog   ChangeLogConfig `koanf:"change_log" mapstructure:"change_log"`
	Events      EventsConfig    `koanf:"events" mapstructure:"events"`
	Cache       CacheConfig     `koanf:"cache" mapstructure:"cache"`
	Outbox      OutboxConfig    `koanf:"outbox" mapstructure:"outbox"`
}

func DefaultConfig() Config {
	dispatcher := DefaultOutboxDispatcherConfig()
	return Config{
		ServiceName: "entities",
		ChangeLog: ChangeLogConfig{
			ResultLimit: 10000,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Outbox: OutboxConfig{
			BatchSize:      dispatcher.BatchSize,
			MaxAttempts:    dispatcher.MaxAttempts,
			InitialBackoff: dispatcher.InitialBackoff,
			MaxBackoff:     dispatcher.MaxBackoff,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.ChangeLog.ResultLimit < 0 {
		return fmt.Errorf("core: change_log.result_limit must not be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("core: cache.ttl must not be negative")
	}
	if c.Outbox.BatchSize < 0 || c.Outbox.MaxAttempts < 0 {
		return fmt.Errorf("core: outbox batch_size and max_attempts must not be negative")
	}
	if c.Outbox.InitialBackoff < 0 || c.Outbox.MaxBackoff < 0 {
		return fmt.Errorf("core: outbox backoff must not be negative")
	}
	if c.Outbox.MaxBackoff > 0 && c.Outbox.InitialBackoff > c.Outbox.MaxBackoff {
		return fmt.Errorf("core: outbox initial_backoff exceeds max_backoff")
	}
	return nil
}

func (c Config) DispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      c.Outbox.BatchSize,
		MaxAttempts:    c.Outbox.MaxAttempts,
		InitialBackoff: c.Outbox.InitialBackoff,
		MaxBackoff:     c.Outbox.MaxBackoff,
	}
}
