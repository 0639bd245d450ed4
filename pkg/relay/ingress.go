// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/config"
	"github.com/hououinkami/qgram/pkg/onebot"
)

// systemConversationKey orders events that carry no conversation of their
// own (meta events, some notices) behind one shared worker.
const systemConversationKey = "system"

// Ingress is the gateway-facing HTTP server. The callback endpoint
// acknowledges before processing: admission (dedup then dispatch) happens
// after the response is written so gateway retries are never provoked by
// slow downstream work.
type Ingress struct {
	cfg        config.IngressConfig
	dedup      *Deduplicator
	dispatcher *Dispatcher
	stats      *Stats
	server     *http.Server
	log        zerolog.Logger

	// baseCtx detaches admission from the request lifetime.
	baseCtx context.Context
}

// NewIngress creates the server; Start binds it.
func NewIngress(cfg config.IngressConfig, dedup *Deduplicator, dispatcher *Dispatcher, stats *Stats, log zerolog.Logger) *Ingress {
	in := &Ingress{
		cfg:        cfg,
		dedup:      dedup,
		dispatcher: dispatcher,
		stats:      stats,
		log:        log.With().Str("component", "ingress").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.CallbackPath, in.handleCallback)
	mux.HandleFunc("/health", in.handleHealth)

	in.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return in
}

// Start serves until the listener fails or Shutdown is called. baseCtx
// scopes the detached processing of accepted events.
func (in *Ingress) Start(baseCtx context.Context) error {
	in.baseCtx = baseCtx
	in.log.Info().Str("addr", in.cfg.Addr).Str("path", in.cfg.CallbackPath).Msg("Ingress listening")
	err := in.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (in *Ingress) Shutdown(ctx context.Context) error {
	return in.server.Shutdown(ctx)
}

func (in *Ingress) handleCallback(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := in.log.With().Str("request_id", requestID).Logger()

	switch r.Method {
	case http.MethodOptions:
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, in.cfg.MaxBodyBytes)
	var evt onebot.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("Callback body too large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Warn().Err(err).Msg("Malformed callback body")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Fast ack. Everything after this line runs detached from the request.
	writeCORS(w)
	w.WriteHeader(http.StatusOK)

	go in.admit(&evt, log)
}

// admit runs deduplication then dispatch. Dedup happens before the event
// reaches any worker queue, so a duplicate never costs ordering slots. Only
// message events are deduplicated: notices carry the id of the message they
// refer to (a recall names the recalled message), so checking them against
// the cache would drop every recall of a delivered message.
func (in *Ingress) admit(evt *onebot.Event, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Event admission panicked")
		}
	}()

	in.stats.Received()

	var msgID string
	if evt.PostType == onebot.PostTypeMessage || evt.PostType == onebot.PostTypeMessageSent {
		msgID = evt.MessageID.String()
		if in.dedup.CheckAndMark(msgID) {
			in.stats.Duplicate()
			log.Debug().Str("message_id", msgID).Msg("Duplicate event dropped")
			return
		}
	}

	key := evt.ConversationKey()
	if key == "" {
		key = systemConversationKey
	}
	if err := in.dispatcher.Submit(in.baseCtx, key, evt); err != nil {
		log.Warn().Err(err).Str("conversation", key).Msg("Failed to enqueue event")
		in.dedup.Unmark(msgID)
		in.stats.Failed()
	}
}

func (in *Ingress) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := struct {
		Status  string        `json:"status"`
		Time    string        `json:"time"`
		Workers int           `json:"workers"`
		Dedup   int           `json:"dedup_cache"`
		Stats   StatsSnapshot `json:"stats"`
	}{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Workers: in.dispatcher.WorkerCount(),
		Dedup:   in.dedup.Len(),
		Stats:   in.stats.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		in.log.Warn().Err(err).Msg("Failed to write health response")
	}
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
