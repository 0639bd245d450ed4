// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onebot

import (
	"encoding/json"
	"testing"
)

// TestFlexID_Unmarshal verifies numeric and string ids normalize to the same
// representation.
func TestFlexID_Unmarshal(t *testing.T) {
	t.Parallel()

	var evt Event
	raw := `{"post_type":"message","message_id":123456789,"group_id":"987","user_id":42}`
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.MessageID.String() != "123456789" {
		t.Fatalf("message_id = %q, want 123456789", evt.MessageID)
	}
	if evt.GroupID.String() != "987" {
		t.Fatalf("group_id = %q, want 987", evt.GroupID)
	}
	if evt.UserID.Int() != 42 {
		t.Fatalf("user_id int = %d, want 42", evt.UserID.Int())
	}
}

// TestConversationKey verifies group, then target, then user precedence.
func TestConversationKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{"group wins", Event{GroupID: "g", TargetID: "t", UserID: "u"}, "g"},
		{"target over user", Event{TargetID: "t", UserID: "u"}, "t"},
		{"user only", Event{UserID: "u"}, "u"},
		{"zero group ignored", Event{GroupID: "0", UserID: "u"}, "u"},
		{"none", Event{}, ""},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.evt.ConversationKey(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// TestSenderDisplayName verifies the card takes precedence over nickname.
func TestSenderDisplayName(t *testing.T) {
	t.Parallel()

	s := Sender{Nickname: "nick", Card: "card"}
	if got := s.DisplayName(); got != "card" {
		t.Fatalf("got %q, want card", got)
	}
	s.Card = ""
	if got := s.DisplayName(); got != "nick" {
		t.Fatalf("got %q, want nick", got)
	}
}
