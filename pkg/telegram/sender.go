// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"golang.org/x/time/rate"
)

// Sender is the outbound delivery collaborator: one operation per content
// shape. Implementations return the delivered message so callers can record
// id mappings.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opts TextOptions) (*SentMessage, error)
	SendPhoto(ctx context.Context, chatID int64, media Media) (*SentMessage, error)
	SendMediaGroup(ctx context.Context, chatID int64, media []Media) ([]SentMessage, error)
	SendVideo(ctx context.Context, chatID int64, media Media) (*SentMessage, error)
	SendVoice(ctx context.Context, chatID int64, media Media) (*SentMessage, error)
	SendDocument(ctx context.Context, chatID int64, media Media) (*SentMessage, error)
	SendAnimation(ctx context.Context, chatID int64, media Media) (*SentMessage, error)
}

// BotAPI implements Sender over the Telegram Bot HTTP API. All sends go
// through a shared rate limiter to stay under Telegram's flood ceilings.
type BotAPI struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ Sender = (*BotAPI)(nil)

// NewBotAPI creates a sender. msgsPerSecond bounds the global send rate;
// zero or negative means Telegram's documented 30/s ceiling.
func NewBotAPI(baseURL, token string, msgsPerSecond float64, log zerolog.Logger) *BotAPI {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if msgsPerSecond <= 0 {
		msgsPerSecond = 30
	}
	return &BotAPI{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 90 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(msgsPerSecond), 1),
		log:     log.With().Str("component", "telegram_sender").Logger(),
	}
}

type textPayload struct {
	ChatID           int64   `json:"chat_id"`
	Text             string  `json:"text"`
	ParseMode        *string `json:"parse_mode,omitempty"`
	ReplyToMessageID *int64  `json:"reply_to_message_id,omitempty"`
}

func (b *BotAPI) SendText(ctx context.Context, chatID int64, text string, opts TextOptions) (*SentMessage, error) {
	payload := textPayload{ChatID: chatID, Text: text}
	if opts.HTML {
		payload.ParseMode = ptr.Ptr("HTML")
	}
	if opts.ReplyTo != 0 {
		payload.ReplyToMessageID = ptr.Ptr(opts.ReplyTo)
	}
	return b.callJSON(ctx, "sendMessage", payload)
}

func (b *BotAPI) SendPhoto(ctx context.Context, chatID int64, media Media) (*SentMessage, error) {
	return b.sendMedia(ctx, "sendPhoto", "photo", chatID, media)
}

func (b *BotAPI) SendVideo(ctx context.Context, chatID int64, media Media) (*SentMessage, error) {
	return b.sendMedia(ctx, "sendVideo", "video", chatID, media)
}

func (b *BotAPI) SendVoice(ctx context.Context, chatID int64, media Media) (*SentMessage, error) {
	return b.sendMedia(ctx, "sendVoice", "voice", chatID, media)
}

func (b *BotAPI) SendDocument(ctx context.Context, chatID int64, media Media) (*SentMessage, error) {
	return b.sendMedia(ctx, "sendDocument", "document", chatID, media)
}

func (b *BotAPI) SendAnimation(ctx context.Context, chatID int64, media Media) (*SentMessage, error) {
	return b.sendMedia(ctx, "sendAnimation", "animation", chatID, media)
}

// SendMediaGroup delivers up to ten media entries as one album. Byte
// payloads are attached as multipart parts referenced via attach:// names.
func (b *BotAPI) SendMediaGroup(ctx context.Context, chatID int64, media []Media) ([]SentMessage, error) {
	if len(media) == 0 {
		return nil, fmt.Errorf("empty media group")
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, err
	}

	type inputMedia struct {
		Type      string  `json:"type"`
		Media     string  `json:"media"`
		Caption   *string `json:"caption,omitempty"`
		ParseMode *string `json:"parse_mode,omitempty"`
	}
	entries := make([]inputMedia, 0, len(media))
	for i, m := range media {
		entry := inputMedia{Type: string(m.Kind)}
		if len(m.Bytes) > 0 {
			name := fmt.Sprintf("file%d", i)
			entry.Media = "attach://" + name
			part, err := mw.CreateFormFile(name, fileName(m, i))
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(m.Bytes); err != nil {
				return nil, err
			}
		} else {
			entry.Media = m.URL
		}
		if m.Caption != "" {
			entry.Caption = ptr.Ptr(m.Caption)
			entry.ParseMode = ptr.Ptr("HTML")
		}
		entries = append(entries, entry)
	}

	mediaJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	if err := mw.WriteField("media", string(mediaJSON)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	raw, err := b.do(ctx, "sendMediaGroup", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	var sent []SentMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return nil, fmt.Errorf("failed to decode sendMediaGroup result: %w", err)
	}
	return sent, nil
}

func (b *BotAPI) sendMedia(ctx context.Context, method, field string, chatID int64, media Media) (*SentMessage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, err
	}
	if media.Caption != "" {
		if err := mw.WriteField("caption", media.Caption); err != nil {
			return nil, err
		}
		if err := mw.WriteField("parse_mode", "HTML"); err != nil {
			return nil, err
		}
	}
	if len(media.Bytes) > 0 {
		part, err := mw.CreateFormFile(field, fileName(media, 0))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(media.Bytes); err != nil {
			return nil, err
		}
	} else if media.URL != "" {
		if err := mw.WriteField(field, media.URL); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("%s: media has neither bytes nor URL", method)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	raw, err := b.do(ctx, method, mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	var sent SentMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return &sent, nil
}

func (b *BotAPI) callJSON(ctx context.Context, method string, payload any) (*SentMessage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	raw, err := b.do(ctx, method, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var sent SentMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return &sent, nil
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

func (b *BotAPI) do(ctx context.Context, method, contentType string, body io.Reader) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram %s rejected: %d %s", method, envelope.ErrorCode, envelope.Description)
	}

	b.log.Trace().Str("method", method).Msg("Telegram call complete")
	return envelope.Result, nil
}

func fileName(m Media, index int) string {
	if m.Filename != "" {
		return m.Filename
	}
	switch m.Kind {
	case MediaVideo:
		return fmt.Sprintf("video%d.mp4", index)
	default:
		return fmt.Sprintf("file%d.bin", index)
	}
}
