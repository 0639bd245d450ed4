// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config defines the relay configuration, loaded through viper so
// every knob can come from the config file, QGRAM_* environment variables,
// or a flag.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full relay configuration.
type Config struct {
	Ingress    IngressConfig    `mapstructure:"ingress"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Forward    ForwardConfig    `mapstructure:"forward"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Store      StoreConfig      `mapstructure:"store"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type IngressConfig struct {
	Addr         string        `mapstructure:"addr"`
	CallbackPath string        `mapstructure:"callback_path"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DedupConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	CacheSize     int           `mapstructure:"cache_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type DispatcherConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ReclaimPerSweep int           `mapstructure:"reclaim_per_sweep"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
}

type ClassifierConfig struct {
	// AtTextLimit is the max combined text length for a message to classify
	// as a pure @-mention.
	AtTextLimit int `mapstructure:"at_text_limit"`
}

type ForwardConfig struct {
	MaxDepth   int           `mapstructure:"max_depth"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// MediaReferer is sent as Referer for gateway-hosted media downloads.
	MediaReferer      string   `mapstructure:"media_referer"`
	MediaRefererHosts []string `mapstructure:"media_referer_hosts"`
}

type TelegramConfig struct {
	BotToken       string  `mapstructure:"bot_token"`
	APIBaseURL     string  `mapstructure:"api_base_url"`
	SendsPerSecond float64 `mapstructure:"sends_per_second"`
	// OwnerChatID receives service notices (request events, offline alerts).
	OwnerChatID int64 `mapstructure:"owner_chat_id"`
}

type StoreConfig struct {
	MessageMapPath string `mapstructure:"message_map_path"`
	ContactsPath   string `mapstructure:"contacts_path"`
}

type RelayConfig struct {
	// SelfID is the relay's own account on the source platform; its echoes
	// are never relayed.
	SelfID            string   `mapstructure:"self_id"`
	BlacklistEnabled  bool     `mapstructure:"blacklist_enabled"`
	BlacklistKeywords []string `mapstructure:"blacklist_keywords"`
	// AutoCreateContacts records unmapped conversations as delivery-disabled
	// contacts and notifies the owner chat once per conversation.
	AutoCreateContacts bool `mapstructure:"auto_create_contacts"`
	// StatusCheckInterval is how often the gateway is polled for liveness.
	// Zero disables the check.
	StatusCheckInterval time.Duration `mapstructure:"status_check_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ingress.addr", ":3000")
	v.SetDefault("ingress.callback_path", "/callback")
	v.SetDefault("ingress.max_body_bytes", int64(5<<20))
	v.SetDefault("ingress.read_timeout", 10*time.Second)
	v.SetDefault("ingress.write_timeout", 10*time.Second)

	v.SetDefault("dedup.ttl", time.Hour)
	v.SetDefault("dedup.cache_size", 1000)
	v.SetDefault("dedup.sweep_interval", 5*time.Minute)

	v.SetDefault("dispatcher.idle_timeout", 10*time.Minute)
	v.SetDefault("dispatcher.sweep_interval", 5*time.Minute)
	v.SetDefault("dispatcher.reclaim_per_sweep", 10)
	v.SetDefault("dispatcher.queue_capacity", 1000)

	v.SetDefault("classifier.at_text_limit", 50)

	v.SetDefault("forward.max_depth", 5)
	v.SetDefault("forward.batch_size", 10)
	v.SetDefault("forward.batch_delay", time.Second)

	v.SetDefault("gateway.base_url", "http://napcat:3001")
	v.SetDefault("gateway.call_timeout", 30*time.Second)
	v.SetDefault("gateway.media_referer", "https://web.qun.qq.com/")
	v.SetDefault("gateway.media_referer_hosts", []string{"qlogo.cn", "ftn.qq.com"})

	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.sends_per_second", 25.0)

	v.SetDefault("store.message_map_path", "qgram.db")
	v.SetDefault("store.contacts_path", "contacts.yaml")

	v.SetDefault("relay.blacklist_enabled", true)
	v.SetDefault("relay.auto_create_contacts", true)
	v.SetDefault("relay.status_check_interval", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load unmarshals the viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no safe fallback.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Forward.MaxDepth <= 0 {
		return fmt.Errorf("forward.max_depth must be positive")
	}
	if c.Forward.BatchSize <= 0 {
		return fmt.Errorf("forward.batch_size must be positive")
	}
	return nil
}
