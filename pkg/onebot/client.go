// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Gateway API actions used by the relay.
const (
	ActionGetStatus          = "get_status"
	ActionGetGroupMemberInfo = "get_group_member_info"
	ActionGetStrangerInfo    = "get_stranger_info"
	ActionGetForwardMsg      = "get_forward_msg"
	ActionSendGroupMsg       = "send_group_msg"
	ActionSendPrivateMsg     = "send_private_msg"
	ActionDeleteMsg          = "delete_msg"
)

// Response is the generic gateway API envelope.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// OK reports whether the gateway accepted the call.
func (r *Response) OK() bool {
	return r.Status == "ok" && r.RetCode == 0
}

// DecodeData unmarshals the data object into out.
func (r *Response) DecodeData(out any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("gateway response has no data")
	}
	return json.Unmarshal(r.Data, out)
}

// Client talks to the OneBot HTTP gateway. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a gateway client. timeout bounds each call unless the
// caller passes a shorter context deadline.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "onebot_client").Logger(),
	}
}

// BaseHost returns the gateway host, used to recognize gateway-served media URLs.
func (c *Client) BaseHost() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Call invokes one gateway API action with a JSON payload and returns the
// decoded response envelope. A non-ok envelope is returned without error so
// callers can inspect the retcode.
func (c *Client) Call(ctx context.Context, action string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway call %s failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway call %s returned HTTP %d", action, resp.StatusCode)
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", action, err)
	}

	c.log.Trace().
		Str("action", action).
		Str("status", envelope.Status).
		Int("retcode", envelope.RetCode).
		Msg("Gateway call complete")

	return &envelope, nil
}

// Status is the gateway liveness report.
type Status struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// GetStatus fetches the gateway's account status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	resp, err := c.Call(ctx, ActionGetStatus, map[string]any{})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("get_status rejected: retcode=%d message=%s", resp.RetCode, resp.Message)
	}
	var st Status
	if err := resp.DecodeData(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// MemberInfo is a group-scoped user profile.
type MemberInfo struct {
	UserID   FlexID `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
	Title    string `json:"title"`
}

// DisplayName prefers the group card over the nickname.
func (m *MemberInfo) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// GetGroupMemberInfo looks up a member profile for @-mention rendering.
func (c *Client) GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*MemberInfo, error) {
	resp, err := c.Call(ctx, ActionGetGroupMemberInfo, map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"no_cache": false,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("get_group_member_info rejected: retcode=%d message=%s", resp.RetCode, resp.Message)
	}
	var info MemberInfo
	if err := resp.DecodeData(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ForwardedMessage is one raw message inside a forwarded bundle. Its shape
// matches a message event closely enough that the classifier can process it
// directly.
type ForwardedMessage struct {
	MessageID FlexID    `json:"message_id"`
	Sender    Sender    `json:"sender"`
	Message   []Segment `json:"message"`
}

// GetForwardMsg resolves a forward id into the ordered list of messages the
// bundle contains.
func (c *Client) GetForwardMsg(ctx context.Context, messageID string) ([]ForwardedMessage, error) {
	resp, err := c.Call(ctx, ActionGetForwardMsg, map[string]any{
		"message_id": messageID,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("get_forward_msg rejected: retcode=%d message=%s", resp.RetCode, resp.Message)
	}
	var data struct {
		Messages []ForwardedMessage `json:"messages"`
	}
	if err := resp.DecodeData(&data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}
