// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command qgram relays chat events from a OneBot gateway to Telegram. It
// receives gateway callbacks over HTTP, deduplicates and orders them per
// conversation, classifies each message and delivers it through the
// Telegram Bot API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hououinkami/qgram/pkg/config"
	"github.com/hououinkami/qgram/pkg/media"
	"github.com/hououinkami/qgram/pkg/onebot"
	"github.com/hououinkami/qgram/pkg/relay"
	"github.com/hououinkami/qgram/pkg/store"
	"github.com/hououinkami/qgram/pkg/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "qgram",
	Short:   "OneBot to Telegram chat relay",
	Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	config.SetDefaults(v)
	v.SetEnvPrefix("QGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("qgram")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/qgram")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return config.Load(v)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Format == "json" {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Logging)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting qgram")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messages, err := store.OpenMessageMap(cfg.Store.MessageMapPath, log)
	if err != nil {
		return fmt.Errorf("failed to open message map: %w", err)
	}
	defer messages.Close()

	contacts, err := store.OpenContactStore(cfg.Store.ContactsPath)
	if err != nil {
		return fmt.Errorf("failed to open contact store: %w", err)
	}
	log.Info().Int("contacts", contacts.Len()).Msg("Contact store loaded")

	gateway := onebot.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, cfg.Gateway.CallTimeout, log)
	sender := telegram.NewBotAPI(cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken, cfg.Telegram.SendsPerSecond, log)
	fetcher := media.NewFetcher(cfg.Gateway.MediaRefererHosts, cfg.Gateway.MediaReferer, log)

	classifier := relay.NewClassifier(gateway, cfg.Classifier.AtTextLimit, log)
	expander := relay.NewExpander(gateway, classifier, fetcher, cfg.Forward.MaxDepth, cfg.Forward.BatchSize, cfg.Forward.BatchDelay, log)
	blacklist := relay.NewBlacklist(cfg.Relay.BlacklistEnabled, cfg.Relay.BlacklistKeywords, log)
	dedup := relay.NewDeduplicator(cfg.Dedup.TTL, cfg.Dedup.CacheSize, cfg.Dedup.SweepInterval, log)
	stats := &relay.Stats{}

	pipeline := relay.NewRelay(
		gateway, classifier, expander, sender, fetcher,
		contacts, messages, dedup, blacklist, stats,
		cfg.Relay.SelfID, cfg.Telegram.OwnerChatID, cfg.Relay.AutoCreateContacts, log,
	)

	dispatcher := relay.NewDispatcher(
		pipeline.HandleEvent,
		cfg.Dispatcher.QueueCapacity,
		cfg.Dispatcher.IdleTimeout,
		cfg.Dispatcher.SweepInterval,
		cfg.Dispatcher.ReclaimPerSweep,
		log,
	)

	ingress := relay.NewIngress(cfg.Ingress, dedup, dispatcher, stats, log)

	go dedup.RunSweeper(ctx)
	go dispatcher.RunReclaimer(ctx)
	go pipeline.RunStatusCheck(ctx, cfg.Relay.StatusCheckInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ingress.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ingress failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ingress.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ingress shutdown did not complete cleanly")
	}
	dispatcher.Shutdown()
	log.Info().Msg("Stopped")
	return nil
}
