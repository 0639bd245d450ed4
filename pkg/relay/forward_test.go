// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hououinkami/qgram/pkg/onebot"
	"github.com/hououinkami/qgram/pkg/telegram"
)

func forwardedText(id, name, text string) onebot.ForwardedMessage {
	return onebot.ForwardedMessage{
		MessageID: onebot.FlexID(id),
		Sender:    onebot.Sender{Nickname: name},
		Message:   []onebot.Segment{textSeg(text)},
	}
}

func newTestExpander(forwards ForwardFetcher) *Expander {
	return newTestExpanderWith(forwards, &fakeFetcher{})
}

func newTestExpanderWith(forwards ForwardFetcher, fetcher MediaFetcher) *Expander {
	return NewExpander(forwards, newTestClassifier(nil), fetcher, 5, 10, time.Millisecond, testLogger())
}

// TestExpand_FlattensBundle verifies one bundle renders one line per entry
// and collects photos and videos in encounter order.
func TestExpand_FlattensBundle(t *testing.T) {
	t.Parallel()
	forwards := &fakeForwards{bundles: map[string][]onebot.ForwardedMessage{
		"f1": {
			forwardedText("m1", "Alice", "hello"),
			{
				MessageID: "m2",
				Sender:    onebot.Sender{Nickname: "Bob"},
				Message:   []onebot.Segment{imageSeg("http://x/a.jpg", "a.jpg", "", 0)},
			},
			{
				MessageID: "m3",
				Sender:    onebot.Sender{Nickname: "Carol"},
				Message: []onebot.Segment{{
					Kind: onebot.SegmentVideo, RawKind: "video",
					Data: onebot.DataMap{"url": "http://x/v.mp4", "file": "v.mp4"},
				}},
			},
		},
	}}
	e := newTestExpander(forwards)

	exp, err := e.Expand(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantLines := []string{"Alice: hello", "Bob: [image]", "Carol: [video]"}
	if len(exp.Lines) != len(wantLines) {
		t.Fatalf("got %d lines, want %d: %q", len(exp.Lines), len(wantLines), exp.Lines)
	}
	for i, want := range wantLines {
		if exp.Lines[i] != want {
			t.Fatalf("line %d: got %q, want %q", i, exp.Lines[i], want)
		}
	}

	if len(exp.Media) != 2 {
		t.Fatalf("got %d media items, want 2", len(exp.Media))
	}
	if exp.Media[0].Kind != telegram.MediaPhoto || exp.Media[0].URL != "http://x/a.jpg" {
		t.Fatalf("unexpected first media item: %+v", exp.Media[0])
	}
	if exp.Media[1].Kind != telegram.MediaVideo {
		t.Fatalf("unexpected second media item: %+v", exp.Media[1])
	}
}

// TestExpand_DepthLimit verifies a chain nested deeper than the limit stops
// fetching at the limit and marks the truncation.
func TestExpand_DepthLimit(t *testing.T) {
	t.Parallel()
	bundles := make(map[string][]onebot.ForwardedMessage)
	for i := 1; i <= 7; i++ {
		id := fmt.Sprintf("f%d", i)
		next := fmt.Sprintf("f%d", i+1)
		bundles[id] = []onebot.ForwardedMessage{
			forwardedText(fmt.Sprintf("m%d", i), "Alice", fmt.Sprintf("level %d", i)),
			{
				MessageID: onebot.FlexID(fmt.Sprintf("n%d", i)),
				Sender:    onebot.Sender{Nickname: "Alice"},
				Message:   []onebot.Segment{forwardSeg(next)},
			},
		}
	}
	forwards := &fakeForwards{bundles: bundles}
	e := newTestExpander(forwards)

	exp, err := e.Expand(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(forwards.fetches) != 5 {
		t.Fatalf("fetched %d bundles, want 5: %v", len(forwards.fetches), forwards.fetches)
	}
	preview := exp.Preview()
	if !strings.Contains(preview, "level 5") {
		t.Fatalf("level at the depth limit missing from preview:\n%s", preview)
	}
	if strings.Contains(preview, "level 6") {
		t.Fatalf("level beyond the depth limit leaked into preview:\n%s", preview)
	}
	if !strings.Contains(preview, "[nested messages omitted]") {
		t.Fatalf("truncation marker missing from preview:\n%s", preview)
	}
}

// TestExpand_NestedAfterParent verifies a nested bundle's lines land after
// the whole parent bundle.
func TestExpand_NestedAfterParent(t *testing.T) {
	t.Parallel()
	forwards := &fakeForwards{bundles: map[string][]onebot.ForwardedMessage{
		"f1": {
			forwardedText("m1", "Alice", "first"),
			{
				MessageID: "m2",
				Sender:    onebot.Sender{Nickname: "Bob"},
				Message:   []onebot.Segment{forwardSeg("f2")},
			},
			forwardedText("m3", "Carol", "last of parent"),
		},
		"f2": {forwardedText("m4", "Dave", "inner")},
	}}
	e := newTestExpander(forwards)

	exp, err := e.Expand(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	preview := exp.Preview()
	parentEnd := strings.Index(preview, "last of parent")
	inner := strings.Index(preview, "Dave: inner")
	if parentEnd < 0 || inner < 0 || inner < parentEnd {
		t.Fatalf("nested bundle not deferred after parent:\n%s", preview)
	}
}

// TestExpand_NestedFetchFailureDegrades verifies a broken nested bundle
// becomes a placeholder while the root still expands.
func TestExpand_NestedFetchFailureDegrades(t *testing.T) {
	t.Parallel()
	forwards := &fakeForwards{bundles: map[string][]onebot.ForwardedMessage{
		"f1": {
			forwardedText("m1", "Alice", "hello"),
			{
				MessageID: "m2",
				Sender:    onebot.Sender{Nickname: "Bob"},
				Message:   []onebot.Segment{forwardSeg("missing")},
			},
		},
	}}
	e := newTestExpander(forwards)

	exp, err := e.Expand(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(exp.Preview(), "[nested messages unavailable]") {
		t.Fatalf("failure placeholder missing:\n%s", exp.Preview())
	}
}

// TestExpand_RootFetchFailure verifies a broken root bundle is a hard error.
func TestExpand_RootFetchFailure(t *testing.T) {
	t.Parallel()
	e := newTestExpander(&fakeForwards{bundles: map[string][]onebot.ForwardedMessage{}})

	if _, err := e.Expand(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unfetchable root bundle")
	}
}

// TestSendBatches_CaptionPlacement verifies the full preview rides the first
// batch and later batches carry only their position range.
func TestSendBatches_CaptionPlacement(t *testing.T) {
	t.Parallel()
	e := newTestExpander(&fakeForwards{})
	sender := &fakeSender{}

	exp := &ExpandedForward{Lines: []string{"Alice: one", "Bob: two"}}
	for i := 0; i < 25; i++ {
		exp.Media = append(exp.Media, telegram.Media{Kind: telegram.MediaPhoto, URL: fmt.Sprintf("http://x/%d.jpg", i)})
	}

	sent, err := e.SendBatches(context.Background(), sender, 777, "[forwarded messages]", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 25 {
		t.Fatalf("got %d sent messages, want 25", len(sent))
	}

	calls := sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("got %d batches, want 3", len(calls))
	}
	if got := len(calls[0].Group) + len(calls[1].Group) + len(calls[2].Group); got != 25 {
		t.Fatalf("batches carry %d items, want 25", got)
	}

	first := calls[0].Group[0].Caption
	if !strings.Contains(first, "[forwarded messages]") || !strings.Contains(first, "Alice: one") {
		t.Fatalf("first batch caption missing preview: %q", first)
	}
	if got := calls[1].Group[0].Caption; !strings.Contains(got, "11 ~ 20") {
		t.Fatalf("second batch caption: got %q, want range 11 ~ 20", got)
	}
	if got := calls[2].Group[0].Caption; !strings.Contains(got, "21 ~ 25") {
		t.Fatalf("third batch caption: got %q, want range 21 ~ 25", got)
	}
	for _, c := range calls {
		for i, m := range c.Group[1:] {
			if m.Caption != "" {
				t.Fatalf("non-leading item %d carries caption %q", i+1, m.Caption)
			}
		}
		for i, m := range c.Group {
			if len(m.Bytes) == 0 || m.URL != "" {
				t.Fatalf("item %d not downloaded for re-upload: %+v", i, m)
			}
		}
	}
}

// TestSendBatches_LoneTrailingItem verifies a trailing batch of one item is
// sent as a single upload rather than a media group.
func TestSendBatches_LoneTrailingItem(t *testing.T) {
	t.Parallel()
	e := newTestExpander(&fakeForwards{})
	sender := &fakeSender{}

	exp := &ExpandedForward{Lines: []string{"Alice: pics"}}
	for i := 0; i < 11; i++ {
		exp.Media = append(exp.Media, telegram.Media{Kind: telegram.MediaPhoto, URL: fmt.Sprintf("http://x/%d.jpg", i)})
	}

	sent, err := e.SendBatches(context.Background(), sender, 777, "[forwarded messages]", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 11 {
		t.Fatalf("got %d sent messages, want 11", len(sent))
	}

	calls := sender.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Method != "SendMediaGroup" || len(calls[0].Group) != 10 {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	if calls[1].Method != "SendPhoto" {
		t.Fatalf("trailing single item sent via %s, want SendPhoto", calls[1].Method)
	}
	if !strings.Contains(calls[1].Media.Caption, "11 ~ 11") {
		t.Fatalf("trailing item caption: got %q, want range 11 ~ 11", calls[1].Media.Caption)
	}
}

// TestSendBatches_SingleVideo verifies a bundle holding one video goes out
// through the video upload with the full caption.
func TestSendBatches_SingleVideo(t *testing.T) {
	t.Parallel()
	e := newTestExpander(&fakeForwards{})
	sender := &fakeSender{}

	exp := &ExpandedForward{
		Lines: []string{"Alice: [video]"},
		Media: []telegram.Media{{Kind: telegram.MediaVideo, URL: "http://x/v.mp4"}},
	}

	sent, err := e.SendBatches(context.Background(), sender, 777, "[forwarded messages]", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(sent))
	}

	calls := sender.Calls()
	if calls[0].Method != "SendVideo" {
		t.Fatalf("single video sent via %s, want SendVideo", calls[0].Method)
	}
	if !strings.Contains(calls[0].Media.Caption, "Alice: [video]") {
		t.Fatalf("caption missing preview: %q", calls[0].Media.Caption)
	}
	if len(calls[0].Media.Bytes) == 0 {
		t.Fatalf("video not downloaded for re-upload: %+v", calls[0].Media)
	}
}

// TestSendBatches_DownloadFailureFallsBackToURL verifies a broken download
// degrades that one item to its URL while the rest go out as bytes.
func TestSendBatches_DownloadFailureFallsBackToURL(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{failURLs: map[string]bool{"http://x/1.jpg": true}}
	e := newTestExpanderWith(&fakeForwards{}, fetcher)
	sender := &fakeSender{}

	exp := &ExpandedForward{
		Lines: []string{"Alice: pics"},
		Media: []telegram.Media{
			{Kind: telegram.MediaPhoto, URL: "http://x/0.jpg"},
			{Kind: telegram.MediaPhoto, URL: "http://x/1.jpg"},
			{Kind: telegram.MediaPhoto, URL: "http://x/2.jpg"},
		},
	}

	if _, err := e.SendBatches(context.Background(), sender, 777, "[forwarded messages]", exp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	group := sender.Calls()[0].Group
	if len(group) != 3 {
		t.Fatalf("got %d items, want 3", len(group))
	}
	if len(group[0].Bytes) == 0 || len(group[2].Bytes) == 0 {
		t.Fatalf("healthy items not downloaded: %+v", group)
	}
	if group[1].URL != "http://x/1.jpg" || len(group[1].Bytes) != 0 {
		t.Fatalf("broken item did not fall back to its URL: %+v", group[1])
	}
}

// TestSendBatches_NoMediaSendsText verifies a media-free bundle goes out as
// one text message.
func TestSendBatches_NoMediaSendsText(t *testing.T) {
	t.Parallel()
	e := newTestExpander(&fakeForwards{})
	sender := &fakeSender{}

	exp := &ExpandedForward{Lines: []string{"Alice: hello"}}
	sent, err := e.SendBatches(context.Background(), sender, 777, "[forwarded messages]", exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(sent))
	}
	calls := sender.Calls()
	if calls[0].Method != "SendText" || !strings.Contains(calls[0].Text, "Alice: hello") {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
}
