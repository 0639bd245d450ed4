// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/onebot"
	"github.com/hououinkami/qgram/pkg/telegram"
)

// ForwardFetcher retrieves a forwarded-message bundle from the gateway.
type ForwardFetcher interface {
	GetForwardMsg(ctx context.Context, messageID string) ([]onebot.ForwardedMessage, error)
}

// MediaFetcher downloads one manifest item for re-upload. Gateway media URLs
// expire and may need a Referer, so Telegram cannot fetch them itself.
type MediaFetcher interface {
	Fetch(ctx context.Context, rawURL, kind string) ([]byte, string, error)
}

// captionLimit keeps album captions under Telegram's 1024-character cap
// with room for the header line.
const captionLimit = 1000

// ExpandedForward is the flattened result of one forward expansion: one
// preview line per entry plus a manifest of photo and video attachments in
// encounter order.
type ExpandedForward struct {
	Lines []string
	Media []telegram.Media
}

// Preview joins the entry lines into the album caption body.
func (e *ExpandedForward) Preview() string {
	return strings.Join(e.Lines, "\n")
}

// Expander resolves forwarded-message bundles into sendable previews and
// media batches. Expansion is iterative over a work list so nested bundles
// land after their parent, and bounded by maxDepth.
type Expander struct {
	gateway    ForwardFetcher
	classifier *Classifier
	fetcher    MediaFetcher
	maxDepth   int
	batchSize  int
	batchDelay time.Duration
	log        zerolog.Logger
}

// NewExpander creates an Expander. Zero limits fall back to the defaults of
// 5 levels and batches of 10 with a one second pause.
func NewExpander(gateway ForwardFetcher, classifier *Classifier, fetcher MediaFetcher, maxDepth, batchSize int, batchDelay time.Duration, log zerolog.Logger) *Expander {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchDelay <= 0 {
		batchDelay = time.Second
	}
	return &Expander{
		gateway:    gateway,
		classifier: classifier,
		fetcher:    fetcher,
		maxDepth:   maxDepth,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		log:        log.With().Str("component", "forward").Logger(),
	}
}

type pendingBundle struct {
	id    string
	depth int
}

// Expand resolves the bundle identified by forwardID. A fetch failure on
// the root bundle is an error; nested bundle failures degrade to a
// placeholder line so the rest of the expansion still delivers.
func (e *Expander) Expand(ctx context.Context, forwardID string) (*ExpandedForward, error) {
	result := &ExpandedForward{}
	work := []pendingBundle{{id: forwardID, depth: 1}}

	for len(work) > 0 {
		bundle := work[0]
		work = work[1:]

		if bundle.depth > e.maxDepth {
			result.Lines = append(result.Lines, "[nested messages omitted]")
			continue
		}

		messages, err := e.gateway.GetForwardMsg(ctx, bundle.id)
		if err != nil {
			if bundle.depth == 1 {
				return nil, fmt.Errorf("failed to fetch forward bundle %s: %w", bundle.id, err)
			}
			e.log.Warn().Err(err).Str("bundle_id", bundle.id).Int("depth", bundle.depth).
				Msg("Nested forward bundle fetch failed")
			result.Lines = append(result.Lines, "[nested messages unavailable]")
			continue
		}

		if bundle.depth > 1 {
			result.Lines = append(result.Lines, "")
		}
		work = append(work, e.appendBundle(ctx, result, messages, bundle.depth)...)
	}
	return result, nil
}

// appendBundle renders one bundle's entries and returns any nested bundles
// discovered, to be expanded after the parent completes.
func (e *Expander) appendBundle(ctx context.Context, result *ExpandedForward, messages []onebot.ForwardedMessage, depth int) []pendingBundle {
	var nested []pendingBundle
	for i := range messages {
		msg := &messages[i]
		line, child := e.renderEntry(ctx, result, msg, depth)
		result.Lines = append(result.Lines, line)
		if child != "" {
			nested = append(nested, pendingBundle{id: child, depth: depth + 1})
		}
	}
	return nested
}

// renderEntry classifies one bundle entry into a preview line, collecting any
// photo or video into the shared manifest. A per-entry failure is contained
// to that entry.
func (e *Expander) renderEntry(ctx context.Context, result *ExpandedForward, msg *onebot.ForwardedMessage, depth int) (line string, nestedID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Any("panic", r).Str("message_id", msg.MessageID.String()).
				Msg("Forward entry processing panicked")
			line = "[entry processing failed]"
			nestedID = ""
		}
	}()

	name := msg.Sender.DisplayName()
	classified := e.classifier.ClassifyForwarded(ctx, msg)

	switch classified.Type {
	case TypeForward:
		if depth >= e.maxDepth {
			return name + ": [nested messages omitted]", ""
		}
		return name + ": [nested messages]", classified.ForwardID

	case TypeImage, TypeSticker:
		result.Media = append(result.Media, telegram.Media{
			Kind:     telegram.MediaPhoto,
			URL:      classified.Content,
			Filename: classified.File,
		})
		if classified.Text != "" {
			return name + ": [image] " + classified.Text, ""
		}
		return name + ": [image]", ""

	case TypeImages:
		for _, img := range classified.Images {
			result.Media = append(result.Media, telegram.Media{
				Kind:     telegram.MediaPhoto,
				URL:      img.URL,
				Filename: img.File,
			})
		}
		return fmt.Sprintf("%s: [album: %d images]", name, len(classified.Images)), ""

	case TypeVideo:
		result.Media = append(result.Media, telegram.Media{
			Kind:     telegram.MediaVideo,
			URL:      classified.Content,
			Filename: classified.File,
		})
		return name + ": [video]", ""

	case TypeVoice:
		return name + ": [voice]", ""

	case TypeFile:
		if classified.File != "" {
			return fmt.Sprintf("%s: [file: %s]", name, classified.File), ""
		}
		return name + ": [file]", ""

	case TypeReply:
		return name + ": " + classified.Text, ""

	default:
		content := strings.ReplaceAll(classified.Content, "\n", " ")
		return name + ": " + content, ""
	}
}

// SendBatches delivers an expanded forward to one chat. Every manifest item
// is downloaded for re-upload first (a failed download degrades that item to
// its URL). The full preview rides as the caption of the first batch's first
// item; later batches carry only their position range. A bundle with no
// media goes out as plain text, and a batch of one item goes out as a single
// photo or video send since media groups require at least two entries.
func (e *Expander) SendBatches(ctx context.Context, sender telegram.Sender, chatID int64, header string, exp *ExpandedForward) ([]telegram.SentMessage, error) {
	caption := header
	if preview := exp.Preview(); preview != "" {
		caption += "\n" + preview
	}
	caption = truncateCaption(caption, captionLimit)

	if len(exp.Media) == 0 {
		sent, err := sender.SendText(ctx, chatID, caption, telegram.TextOptions{HTML: true})
		if err != nil {
			return nil, err
		}
		return []telegram.SentMessage{*sent}, nil
	}

	items := e.fetchManifest(ctx, exp.Media)

	var all []telegram.SentMessage
	for start := 0; start < len(items); start += e.batchSize {
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := make([]telegram.Media, end-start)
		copy(batch, items[start:end])

		if start == 0 {
			batch[0].Caption = caption
		} else {
			batch[0].Caption = fmt.Sprintf("%s\n%d ~ %d", header, start+1, end)
			if err := sleepCtx(ctx, e.batchDelay); err != nil {
				return all, err
			}
		}

		sent, err := e.sendBatch(ctx, sender, chatID, batch)
		if err != nil {
			return all, fmt.Errorf("failed to send forward batch %d-%d: %w", start+1, end, err)
		}
		all = append(all, sent...)
	}
	return all, nil
}

// fetchManifest downloads each manifest item to bytes. A download failure is
// contained to its item, which falls back to the raw URL.
func (e *Expander) fetchManifest(ctx context.Context, manifest []telegram.Media) []telegram.Media {
	items := make([]telegram.Media, len(manifest))
	copy(items, manifest)
	if e.fetcher == nil {
		return items
	}
	for i := range items {
		kind := "image"
		if items[i].Kind == telegram.MediaVideo {
			kind = "video"
		}
		data, name, err := e.fetcher.Fetch(ctx, items[i].URL, kind)
		if err != nil {
			e.log.Warn().Err(err).Str("url", items[i].URL).Msg("Forward media download failed, sending by URL")
			continue
		}
		items[i].Bytes = data
		items[i].URL = ""
		if items[i].Filename == "" {
			items[i].Filename = name
		}
	}
	return items
}

func (e *Expander) sendBatch(ctx context.Context, sender telegram.Sender, chatID int64, batch []telegram.Media) ([]telegram.SentMessage, error) {
	if len(batch) == 1 {
		var sent *telegram.SentMessage
		var err error
		if batch[0].Kind == telegram.MediaVideo {
			sent, err = sender.SendVideo(ctx, chatID, batch[0])
		} else {
			sent, err = sender.SendPhoto(ctx, chatID, batch[0])
		}
		if err != nil {
			return nil, err
		}
		return []telegram.SentMessage{*sent}, nil
	}
	return sender.SendMediaGroup(ctx, chatID, batch)
}

func truncateCaption(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
