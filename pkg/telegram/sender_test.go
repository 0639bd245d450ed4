// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newFakeBotAPI(t *testing.T, handler http.HandlerFunc) *BotAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBotAPI(srv.URL, "TOKEN", 1000, zerolog.Nop())
}

// TestSendText verifies payload shape, token routing and result decoding.
func TestSendText(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("called path %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		if payload["text"] != "hello" || payload["chat_id"] != float64(777) {
			t.Errorf("unexpected payload: %v", payload)
		}
		if payload["parse_mode"] != "HTML" {
			t.Errorf("parse_mode = %v, want HTML", payload["parse_mode"])
		}
		if payload["reply_to_message_id"] != float64(55) {
			t.Errorf("reply_to_message_id = %v, want 55", payload["reply_to_message_id"])
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":901}}`)
	})

	sent, err := api.SendText(context.Background(), 777, "hello", TextOptions{HTML: true, ReplyTo: 55})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent.MessageID != 901 {
		t.Fatalf("message id = %d, want 901", sent.MessageID)
	}
}

// TestSendText_OmitsOptionalFields verifies bare sends carry no parse mode
// or reply field.
func TestSendText_OmitsOptionalFields(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["parse_mode"]; ok {
			t.Error("parse_mode present on plain send")
		}
		if _, ok := payload["reply_to_message_id"]; ok {
			t.Error("reply_to_message_id present on plain send")
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	})

	if _, err := api.SendText(context.Background(), 777, "hello", TextOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestSendPhoto_ByteUpload verifies byte payloads go out as multipart with
// caption and filename.
func TestSendPhoto_ByteUpload(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "multipart/form-data" {
			t.Errorf("content type %q err=%v", mt, err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		form, err := mr.ReadForm(10 << 20)
		if err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := form.Value["caption"]; len(got) != 1 || got[0] != "a caption" {
			t.Errorf("caption = %v", got)
		}
		files := form.File["photo"]
		if len(files) != 1 || files[0].Filename != "a.jpg" {
			t.Errorf("photo part = %+v", files)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":2}}`)
	})

	sent, err := api.SendPhoto(context.Background(), 777, Media{
		Kind: MediaPhoto, Bytes: []byte("jpeg"), Filename: "a.jpg", Caption: "a caption",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent.MessageID != 2 {
		t.Fatalf("message id = %d, want 2", sent.MessageID)
	}
}

// TestSendMediaGroup_MixedSources verifies URL entries pass through and byte
// entries attach via attach:// references.
func TestSendMediaGroup_MixedSources(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		form, err := multipart.NewReader(r.Body, params["boundary"]).ReadForm(10 << 20)
		if err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		var entries []map[string]any
		if err := json.Unmarshal([]byte(form.Value["media"][0]), &entries); err != nil {
			t.Errorf("failed to decode media json: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("got %d entries, want 2", len(entries))
		}
		if entries[0]["media"] != "http://x/a.jpg" {
			t.Errorf("url entry = %v", entries[0]["media"])
		}
		ref, _ := entries[1]["media"].(string)
		if !strings.HasPrefix(ref, "attach://") {
			t.Errorf("byte entry ref = %q", ref)
		}
		if len(form.File[strings.TrimPrefix(ref, "attach://")]) != 1 {
			t.Errorf("attached part %q missing", ref)
		}
		fmt.Fprint(w, `{"ok":true,"result":[{"message_id":3},{"message_id":4}]}`)
	})

	sent, err := api.SendMediaGroup(context.Background(), 777, []Media{
		{Kind: MediaPhoto, URL: "http://x/a.jpg", Caption: "cap"},
		{Kind: MediaVideo, Bytes: []byte("mp4"), Filename: "b.mp4"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 2 || sent[0].MessageID != 3 || sent[1].MessageID != 4 {
		t.Fatalf("unexpected sent list: %+v", sent)
	}
}

// TestAPIRejection verifies a not-ok envelope becomes an error carrying the
// description.
func TestAPIRejection(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
	})

	_, err := api.SendText(context.Background(), 777, "hello", TextOptions{})
	if err == nil || !strings.Contains(err.Error(), "Too Many Requests") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}
