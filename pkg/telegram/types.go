// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package telegram

// SentMessage exposes the delivered message's platform identifier, used to
// populate the id-mapping store.
type SentMessage struct {
	MessageID int64 `json:"message_id"`
}

// MediaKind selects the media group entry type.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media is one deliverable media payload. Either Bytes (uploaded via
// multipart) or URL (passed through for Telegram to fetch) must be set.
type Media struct {
	Kind     MediaKind
	URL      string
	Bytes    []byte
	Filename string
	Caption  string
}

// TextOptions carries the optional knobs of a text send.
type TextOptions struct {
	// ReplyTo links the message to an earlier one; zero means no reply link.
	ReplyTo int64
	// HTML enables Telegram HTML parse mode.
	HTML bool
}
