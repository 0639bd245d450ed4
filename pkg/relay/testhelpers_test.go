// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/onebot"
	"github.com/hououinkami/qgram/pkg/telegram"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// textSeg builds a text segment literal.
func textSeg(text string) onebot.Segment {
	return onebot.Segment{Kind: onebot.SegmentText, RawKind: "text", Data: onebot.DataMap{"text": text}}
}

func imageSeg(url, file, summary string, subType int) onebot.Segment {
	return onebot.Segment{Kind: onebot.SegmentImage, RawKind: "image", Data: onebot.DataMap{
		"url": url, "file": file, "summary": summary, "sub_type": float64(subType),
	}}
}

func atSeg(target string) onebot.Segment {
	return onebot.Segment{Kind: onebot.SegmentAt, RawKind: "at", Data: onebot.DataMap{"qq": target}}
}

func replySeg(id string) onebot.Segment {
	return onebot.Segment{Kind: onebot.SegmentReply, RawKind: "reply", Data: onebot.DataMap{"id": id}}
}

func forwardSeg(id string) onebot.Segment {
	return onebot.Segment{Kind: onebot.SegmentForward, RawKind: "forward", Data: onebot.DataMap{"id": id}}
}

func groupEvent(msgID, groupID, userID string, segs ...onebot.Segment) *onebot.Event {
	return &onebot.Event{
		PostType:    onebot.PostTypeMessage,
		MessageType: "group",
		MessageID:   onebot.FlexID(msgID),
		GroupID:     onebot.FlexID(groupID),
		UserID:      onebot.FlexID(userID),
		Sender:      onebot.Sender{UserID: onebot.FlexID(userID), Nickname: "user " + userID},
		Message:     segs,
	}
}

// sentCall records one outbound delivery on the fake sender.
type sentCall struct {
	Method  string
	ChatID  int64
	Text    string
	Opts    telegram.TextOptions
	Media   telegram.Media
	Group   []telegram.Media
}

// fakeSender implements telegram.Sender and records every call. SendErr, when
// set, fails every send.
type fakeSender struct {
	mu      sync.Mutex
	calls   []sentCall
	nextID  int64
	SendErr error
}

var _ telegram.Sender = (*fakeSender)(nil)

func (f *fakeSender) record(call sentCall) *telegram.SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.calls = append(f.calls, call)
	return &telegram.SentMessage{MessageID: f.nextID}
}

func (f *fakeSender) Calls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string, opts telegram.TextOptions) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendText", ChatID: chatID, Text: text, Opts: opts}), nil
}

func (f *fakeSender) SendPhoto(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendPhoto", ChatID: chatID, Media: m}), nil
}

func (f *fakeSender) SendMediaGroup(ctx context.Context, chatID int64, media []telegram.Media) ([]telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	group := make([]telegram.Media, len(media))
	copy(group, media)
	var sent []telegram.SentMessage
	first := f.record(sentCall{Method: "SendMediaGroup", ChatID: chatID, Group: group})
	sent = append(sent, *first)
	for i := 1; i < len(media); i++ {
		f.mu.Lock()
		f.nextID++
		sent = append(sent, telegram.SentMessage{MessageID: f.nextID})
		f.mu.Unlock()
	}
	return sent, nil
}

func (f *fakeSender) SendVideo(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendVideo", ChatID: chatID, Media: m}), nil
}

func (f *fakeSender) SendVoice(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendVoice", ChatID: chatID, Media: m}), nil
}

func (f *fakeSender) SendDocument(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendDocument", ChatID: chatID, Media: m}), nil
}

func (f *fakeSender) SendAnimation(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	return f.record(sentCall{Method: "SendAnimation", ChatID: chatID, Media: m}), nil
}

// fakeProfiles implements ProfileLookup from a static table. Err, when set,
// fails every lookup.
type fakeProfiles struct {
	names map[string]string
	Err   error
}

func (f *fakeProfiles) GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*onebot.MemberInfo, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	name, ok := f.names[userID]
	if !ok {
		return nil, fmt.Errorf("no such member %s", userID)
	}
	return &onebot.MemberInfo{UserID: onebot.FlexID(userID), Nickname: name}, nil
}

// fakeFetcher implements MediaFetcher with canned bytes per URL. URLs listed
// in failURLs fail their download.
type fakeFetcher struct {
	mu       sync.Mutex
	failURLs map[string]bool
	fetched  []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, kind string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	if f.failURLs[rawURL] {
		return nil, "", fmt.Errorf("failed to download %s: connection reset", rawURL)
	}
	return []byte("payload:" + rawURL), "media.bin", nil
}

// fakeForwards implements ForwardFetcher from a static table of bundles.
type fakeForwards struct {
	bundles map[string][]onebot.ForwardedMessage
	mu      sync.Mutex
	fetches []string
}

func (f *fakeForwards) GetForwardMsg(ctx context.Context, id string) ([]onebot.ForwardedMessage, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, id)
	f.mu.Unlock()
	bundle, ok := f.bundles[id]
	if !ok {
		return nil, fmt.Errorf("no such bundle %s", id)
	}
	return bundle, nil
}
