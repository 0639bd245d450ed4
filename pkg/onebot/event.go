// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onebot

import (
	"encoding/json"
	"strconv"
)

// FlexID is an identifier that the gateway serializes inconsistently as
// either a JSON number or a string. It normalizes to its string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(raw []byte) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// IsZero reports whether the id is absent or the numeric zero the gateway
// uses for "no value".
func (f FlexID) IsZero() bool { return f == "" || f == "0" }

// Int returns the numeric form of the id, or 0 if it is not numeric.
func (f FlexID) Int() int64 {
	n, _ := strconv.ParseInt(string(f), 10, 64)
	return n
}

// PostType values carried by inbound events.
const (
	PostTypeMessage     = "message"
	PostTypeMessageSent = "message_sent"
	PostTypeNotice      = "notice"
	PostTypeRequest     = "request"
	PostTypeMeta        = "meta_event"
)

// Notice and request subtypes the relay acts on.
const (
	NoticeGroupRecall   = "group_recall"
	NoticeFriendRecall  = "friend_recall"
	NoticeGroupIncrease = "group_increase"
	NoticeGroupDecrease = "group_decrease"

	RequestFriend = "friend"
	RequestGroup  = "group"
)

// Sender describes the originating user of a message event.
type Sender struct {
	UserID   FlexID `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// DisplayName prefers the group card over the nickname, falling back to the
// raw user id.
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	if s.Nickname != "" {
		return s.Nickname
	}
	return s.UserID.String()
}

// Event is one inbound callback payload from the gateway. It is immutable
// once parsed; the relay never mutates an event after admission.
type Event struct {
	PostType    string    `json:"post_type"`
	MessageType string    `json:"message_type,omitempty"`
	MessageID   FlexID    `json:"message_id,omitempty"`
	SelfID      FlexID    `json:"self_id,omitempty"`
	UserID      FlexID    `json:"user_id,omitempty"`
	GroupID     FlexID    `json:"group_id,omitempty"`
	TargetID    FlexID    `json:"target_id,omitempty"`
	GroupName   string    `json:"group_name,omitempty"`
	Sender      Sender    `json:"sender,omitempty"`
	Message     []Segment `json:"message,omitempty"`
	RawMessage  string    `json:"raw_message,omitempty"`

	// Notice / request fields.
	NoticeType    string `json:"notice_type,omitempty"`
	RequestType   string `json:"request_type,omitempty"`
	SubType       string `json:"sub_type,omitempty"`
	OperatorID    FlexID `json:"operator_id,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Flag          string `json:"flag,omitempty"`
	MetaEventType string `json:"meta_event_type,omitempty"`
}

// ConversationKey returns the identifier that scopes ordering and
// destination mapping: group first, then explicit target, then peer user.
// Empty when the event carries none of the three.
func (e *Event) ConversationKey() string {
	switch {
	case !e.GroupID.IsZero():
		return e.GroupID.String()
	case !e.TargetID.IsZero():
		return e.TargetID.String()
	case !e.UserID.IsZero():
		return e.UserID.String()
	default:
		return ""
	}
}

// IsGroup reports whether the event belongs to a group conversation.
func (e *Event) IsGroup() bool { return !e.GroupID.IsZero() }
