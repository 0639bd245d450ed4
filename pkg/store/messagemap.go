// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// MessageMapping links one delivered Telegram message to the source message
// it was relayed from. Lookups by either side serve reply threading and
// recall propagation.
type MessageMapping struct {
	TelegramMsgID int64
	FromID        string
	ToID          string
	SourceMsgID   string
	UserMsgID     int64
}

// ErrMappingNotFound is returned when no row matches a lookup.
var ErrMappingNotFound = errors.New("message mapping not found")

// MessageMap is the sqlite-backed id-mapping store.
type MessageMap struct {
	db  *sql.DB
	log zerolog.Logger
}

const messageMapSchema = `
CREATE TABLE IF NOT EXISTS message_map (
	tg_msg_id     INTEGER NOT NULL,
	from_id       TEXT NOT NULL,
	to_id         TEXT NOT NULL,
	source_msg_id TEXT NOT NULL,
	user_msg_id   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_message_map_source ON message_map (source_msg_id);
CREATE INDEX IF NOT EXISTS idx_message_map_tg ON message_map (tg_msg_id);
`

// OpenMessageMap opens (and if needed creates) the mapping database at path.
// Use ":memory:" for an ephemeral store.
func OpenMessageMap(path string, log zerolog.Logger) (*MessageMap, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message map db: %w", err)
	}
	if _, err := db.Exec(messageMapSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create message map schema: %w", err)
	}
	return &MessageMap{
		db:  db,
		log: log.With().Str("component", "message_map").Logger(),
	}, nil
}

func (m *MessageMap) Close() error { return m.db.Close() }

// Add records one delivered message.
func (m *MessageMap) Add(ctx context.Context, mapping MessageMapping) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO message_map (tg_msg_id, from_id, to_id, source_msg_id, user_msg_id) VALUES (?, ?, ?, ?, ?)`,
		mapping.TelegramMsgID, mapping.FromID, mapping.ToID, mapping.SourceMsgID, mapping.UserMsgID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message mapping: %w", err)
	}
	m.log.Debug().
		Int64("tg_msg_id", mapping.TelegramMsgID).
		Str("source_msg_id", mapping.SourceMsgID).
		Msg("Recorded message mapping")
	return nil
}

// BySourceID returns the mapping for a source-platform message id.
func (m *MessageMap) BySourceID(ctx context.Context, sourceMsgID string) (*MessageMapping, error) {
	return m.queryOne(ctx,
		`SELECT tg_msg_id, from_id, to_id, source_msg_id, user_msg_id FROM message_map WHERE source_msg_id = ? ORDER BY created_at DESC LIMIT 1`,
		sourceMsgID,
	)
}

// ByTelegramID returns the mapping for a delivered Telegram message id.
func (m *MessageMap) ByTelegramID(ctx context.Context, tgMsgID int64) (*MessageMapping, error) {
	return m.queryOne(ctx,
		`SELECT tg_msg_id, from_id, to_id, source_msg_id, user_msg_id FROM message_map WHERE tg_msg_id = ? ORDER BY created_at DESC LIMIT 1`,
		tgMsgID,
	)
}

func (m *MessageMap) queryOne(ctx context.Context, query string, arg any) (*MessageMapping, error) {
	var mapping MessageMapping
	err := m.db.QueryRowContext(ctx, query, arg).Scan(
		&mapping.TelegramMsgID, &mapping.FromID, &mapping.ToID, &mapping.SourceMsgID, &mapping.UserMsgID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message mapping lookup failed: %w", err)
	}
	return &mapping, nil
}
