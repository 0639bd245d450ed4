// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newFakeGateway(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())
	return srv, c
}

// TestClient_CallCarriesAuth verifies the bearer token and action routing.
func TestClient_CallCarriesAuth(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	_, c := newFakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{}}`)
	})

	resp, err := c.Call(context.Background(), "get_status", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	if gotPath != "/get_status" {
		t.Fatalf("called path %q, want /get_status", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header %q, want bearer token", gotAuth)
	}
}

// TestClient_GetStatus verifies decoding of the liveness report.
func TestClient_GetStatus(t *testing.T) {
	t.Parallel()

	_, c := newFakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"online":true,"good":false}}`)
	})

	status, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Online || status.Good {
		t.Fatalf("unexpected status: %+v", status)
	}
}

// TestClient_GetForwardMsg verifies bundle decoding including numeric ids.
func TestClient_GetForwardMsg(t *testing.T) {
	t.Parallel()

	_, c := newFakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID != "f1" {
			t.Errorf("unexpected request payload: %+v err=%v", req, err)
		}
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"messages":[
			{"message_id":100,"sender":{"nickname":"Alice"},"message":[{"type":"text","data":{"text":"hi"}}]}
		]}}`)
	})

	msgs, err := c.GetForwardMsg(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].MessageID.String() != "100" || msgs[0].Sender.Nickname != "Alice" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if len(msgs[0].Message) != 1 || msgs[0].Message[0].Kind != SegmentText {
		t.Fatalf("segments not decoded: %+v", msgs[0].Message)
	}
}

// TestClient_GatewayFailure verifies a non-ok envelope surfaces as an error
// from the typed helpers.
func TestClient_GatewayFailure(t *testing.T) {
	t.Parallel()

	_, c := newFakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","retcode":1404,"message":"no such member"}`)
	})

	if _, err := c.GetGroupMemberInfo(context.Background(), "g1", "u1"); err == nil {
		t.Fatal("expected error for failed envelope")
	}
}

// TestClient_HTTPError verifies a non-200 status is an error.
func TestClient_HTTPError(t *testing.T) {
	t.Parallel()

	_, c := newFakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	if _, err := c.Call(context.Background(), "get_status", nil); err == nil {
		t.Fatal("expected error for HTTP 502")
	}
}
