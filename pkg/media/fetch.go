// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package media downloads gateway-served media URLs into memory so they can
// be re-uploaded to the destination platform. Gateway URLs frequently
// require a Referer header and expire quickly, so Telegram cannot fetch
// them itself.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxFetchBytes caps one media download (50 MB, Telegram's bot upload ceiling).
const maxFetchBytes = 50 << 20

const fetchAttempts = 3

// Fetcher downloads media URLs with bounded retries.
type Fetcher struct {
	http *http.Client
	// refererHosts lists host suffixes that need the gateway Referer header.
	refererHosts []string
	referer      string
	log          zerolog.Logger
}

// NewFetcher creates a Fetcher. refererHosts may be empty.
func NewFetcher(refererHosts []string, referer string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		http:         &http.Client{Timeout: 60 * time.Second},
		refererHosts: refererHosts,
		referer:      referer,
		log:          log.With().Str("component", "media_fetcher").Logger(),
	}
}

// Fetch downloads rawURL to memory and resolves a filename for it. kind is
// used for the fallback filename when nothing better is available.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, kind string) ([]byte, string, error) {
	fallback := defaultName(kind)
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fallback, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		data, name, err := f.fetchOnce(ctx, rawURL, fallback)
		if err == nil {
			return data, name, nil
		}
		lastErr = err
		f.log.Warn().Err(err).Int("attempt", attempt+1).Str("url", rawURL).Msg("Media download failed")
	}
	return nil, fallback, fmt.Errorf("media download failed after %d attempts: %w", fetchAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, fallback string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	req.Header.Set("Accept", "*/*")
	if f.needsReferer(req.URL.Host) {
		req.Header.Set("Referer", f.referer)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty response body")
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxFetchBytes)
	}

	return data, ResolveFilename(resp.Header.Get("Content-Disposition"), resp.Header.Get("Content-Type"), rawURL, fallback), nil
}

func (f *Fetcher) needsReferer(host string) bool {
	for _, suffix := range f.refererHosts {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// ResolveFilename picks a filename for a downloaded payload, in order:
// Content-Disposition filename, the fname query parameter, the URL path
// basename (when it has an extension), a Content-Type derived name, then
// the caller's fallback.
func ResolveFilename(disposition, contentType, rawURL, fallback string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" && name != "undefined" {
				if decoded, err := url.QueryUnescape(name); err == nil && decoded != "" {
					return decoded
				}
				return name
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if fname := u.Query().Get("fname"); fname != "" {
			if decoded, err := url.QueryUnescape(fname); err == nil && decoded != "" {
				return decoded
			}
			return fname
		}
		if base := path.Base(u.Path); strings.Contains(base, ".") && base != "." {
			if decoded, err := url.QueryUnescape(base); err == nil && decoded != "" {
				return decoded
			}
			return base
		}
	}

	if ext := extensionFor(contentType); ext != "" {
		return fallback + ext
	}
	return fallback
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "image/jpeg"):
		return ".jpg"
	case strings.Contains(ct, "image/png"):
		return ".png"
	case strings.Contains(ct, "image/gif"):
		return ".gif"
	case strings.Contains(ct, "video/mp4"):
		return ".mp4"
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.Contains(ct, "audio"):
		return ".mp3"
	default:
		return ""
	}
}

func defaultName(kind string) string {
	switch kind {
	case "photo", "image":
		return "photo"
	case "video":
		return "video"
	case "voice", "audio":
		return "voice"
	case "sticker":
		return "sticker"
	default:
		return "file"
	}
}
