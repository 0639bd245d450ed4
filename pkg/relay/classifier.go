// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/onebot"
)

// MessageType is the single classification assigned to one inbound message.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeImages  MessageType = "images"
	TypeSticker MessageType = "sticker"
	TypeVideo   MessageType = "video"
	TypeVoice   MessageType = "voice"
	TypeFile    MessageType = "file"
	TypeReply   MessageType = "reply"
	TypeForward MessageType = "forward"
	TypeAt      MessageType = "at"
	TypeMixed   MessageType = "mixed"
)

// emptyMessageMarker renders instead of an empty string for contentless text.
const emptyMessageMarker = "[empty message]"

// Animated sticker detection: the gateway marks sticker images with this
// summary string or the sticker sub_type value.
const (
	animatedStickerMarker  = "[动画表情]"
	stickerSubType         = 1
	animatedStickerKeyword = "动画表情"
)

// ImageInfo describes one collected image segment.
type ImageInfo struct {
	URL       string
	File      string
	Size      int64
	Summary   string
	IsSticker bool
}

// MediaInfo describes one collected non-image media segment.
type MediaInfo struct {
	Type MessageType // TypeVideo, TypeVoice or TypeFile
	URL  string
	File string
}

// ClassifiedMessage is the one typed, flattened shape a message classifies
// into. Auxiliary fields are populated per type.
type ClassifiedMessage struct {
	Type    MessageType
	Content string

	// Text is the accompanying text for single-media classifications.
	Text      string
	Images    []ImageInfo
	File      string
	Size      int64
	ReplyToID string
	ForwardID string
	AtUsers   []string

	// Segments is the original segment list, preserved for reply handling.
	Segments []onebot.Segment
}

// ParsedMessage accumulates state across one ordered segment scan. It is
// scoped to a single message's processing and never shared.
type ParsedMessage struct {
	textParts []string
	images    []ImageInfo
	media     []MediaInfo

	hasReply  bool
	replyID   string
	hasForward bool
	forwardID string
	hasAt     bool
	atUsers   []string
}

// TextContent joins the ordered text fragments.
func (p *ParsedMessage) TextContent() string {
	return strings.Join(p.textParts, "")
}

// ProfileLookup resolves a group-scoped member profile for @-mention
// rendering. Lookup failure degrades to the raw identifier.
type ProfileLookup interface {
	GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*onebot.MemberInfo, error)
}

// Classifier maps a message's segment array to exactly one
// ClassifiedMessage. It is deterministic apart from the @-mention profile
// lookup, and never fails: structural problems collapse to a text fallback.
type Classifier struct {
	profiles    ProfileLookup
	atTextLimit int
	log         zerolog.Logger
}

// NewClassifier creates a Classifier. atTextLimit is the maximum combined
// text length for the pure-@ classification; zero uses the default of 50.
func NewClassifier(profiles ProfileLookup, atTextLimit int, log zerolog.Logger) *Classifier {
	if atTextLimit <= 0 {
		atTextLimit = 50
	}
	return &Classifier{
		profiles:    profiles,
		atTextLimit: atTextLimit,
		log:         log.With().Str("component", "classifier").Logger(),
	}
}

// Classify scans the event's segments in order and derives the message
// shape. A message with no segments classifies as text with raw_message or
// the empty-message marker.
func (c *Classifier) Classify(ctx context.Context, evt *onebot.Event) *ClassifiedMessage {
	if len(evt.Message) == 0 {
		content := strings.TrimSpace(evt.RawMessage)
		if content == "" {
			content = emptyMessageMarker
		}
		return &ClassifiedMessage{Type: TypeText, Content: content}
	}

	parsed := c.parseSegments(ctx, evt)
	return c.determineType(parsed, evt.Message)
}

// ClassifyForwarded classifies one raw message from a forwarded bundle.
func (c *Classifier) ClassifyForwarded(ctx context.Context, msg *onebot.ForwardedMessage) *ClassifiedMessage {
	evt := &onebot.Event{
		PostType:  onebot.PostTypeMessage,
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Message:   msg.Message,
	}
	return c.Classify(ctx, evt)
}

// parseSegments performs the single ordered pass. Each segment dispatches by
// kind; a handler failure renders a placeholder for that segment only.
func (c *Classifier) parseSegments(ctx context.Context, evt *onebot.Event) *ParsedMessage {
	parsed := &ParsedMessage{}
	for _, seg := range evt.Message {
		switch seg.Kind {
		case onebot.SegmentText:
			if text := seg.Data.Str("text"); text != "" {
				parsed.textParts = append(parsed.textParts, text)
			}
		case onebot.SegmentImage:
			c.handleImage(seg, parsed)
		case onebot.SegmentVideo:
			c.handleMedia(TypeVideo, "[video]", seg, parsed)
		case onebot.SegmentRecord:
			c.handleMedia(TypeVoice, "[voice]", seg, parsed)
		case onebot.SegmentFile:
			c.handleMedia(TypeFile, "[file]", seg, parsed)
		case onebot.SegmentReply:
			parsed.hasReply = true
			if parsed.replyID == "" {
				parsed.replyID = seg.Data.Str("id")
			}
		case onebot.SegmentForward:
			parsed.hasForward = true
			if parsed.forwardID == "" {
				parsed.forwardID = seg.Data.Str("id")
			}
		case onebot.SegmentAt:
			c.handleAt(ctx, seg, evt, parsed)
		case onebot.SegmentShare:
			parsed.textParts = append(parsed.textParts, fmt.Sprintf("[share: %s]", seg.Data.Str("title")))
		case onebot.SegmentMusic:
			parsed.textParts = append(parsed.textParts, fmt.Sprintf("[music: %s]", seg.Data.Str("title")))
		case onebot.SegmentLocation:
			parsed.textParts = append(parsed.textParts, fmt.Sprintf("[location: %s]", seg.Data.Str("title")))
		case onebot.SegmentFace:
			parsed.textParts = append(parsed.textParts, faceText(seg))
		case onebot.SegmentJSON:
			parsed.textParts = append(parsed.textParts, c.jsonCardText(seg))
		case onebot.SegmentUnknown:
			parsed.textParts = append(parsed.textParts, "["+seg.KindName()+"]")
			c.log.Debug().Str("kind", seg.KindName()).Msg("Unknown segment kind")
		}
	}
	return parsed
}

func (c *Classifier) handleImage(seg onebot.Segment, parsed *ParsedMessage) {
	summary := seg.Data.Str("summary")
	subType := seg.Data.Int("sub_type")
	isSticker := summary == animatedStickerMarker ||
		subType == stickerSubType ||
		strings.Contains(summary, animatedStickerKeyword)

	u := seg.Data.Str("url")
	if u == "" {
		if isSticker {
			parsed.textParts = append(parsed.textParts, "[sticker]")
		} else {
			parsed.textParts = append(parsed.textParts, "[image]")
		}
		return
	}
	parsed.images = append(parsed.images, ImageInfo{
		URL:       u,
		File:      seg.Data.Str("file"),
		Size:      seg.Data.Int("file_size"),
		Summary:   summary,
		IsSticker: isSticker,
	})
}

func (c *Classifier) handleMedia(mt MessageType, display string, seg onebot.Segment, parsed *ParsedMessage) {
	u := seg.Data.Str("url")
	file := seg.Data.Str("file")
	if u == "" {
		placeholder := display
		if file != "" {
			placeholder = fmt.Sprintf("[%s: %s]", strings.Trim(display, "[]"), file)
		}
		parsed.textParts = append(parsed.textParts, placeholder)
		return
	}
	if mt == TypeFile && file != "" {
		u = RepairFileURL(u, file)
	}
	parsed.media = append(parsed.media, MediaInfo{Type: mt, URL: u, File: file})
}

// handleAt renders an @-mention. The profile lookup is best-effort: any
// failure falls back to the raw identifier and never aborts classification.
func (c *Classifier) handleAt(ctx context.Context, seg onebot.Segment, evt *onebot.Event, parsed *ParsedMessage) {
	parsed.hasAt = true
	target := seg.Data.Str("qq")
	parsed.atUsers = append(parsed.atUsers, target)

	if target == "all" {
		parsed.textParts = append(parsed.textParts, "[@all]")
		return
	}

	display := target
	if c.profiles != nil && !evt.GroupID.IsZero() {
		info, err := c.profiles.GetGroupMemberInfo(ctx, evt.GroupID.String(), target)
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", target).Msg("Member profile lookup failed")
		} else if name := info.DisplayName(); name != "" {
			display = name
		}
	}
	parsed.textParts = append(parsed.textParts, "[@"+display+"]")
}

// jsonCardText renders a json share-card segment as Telegram HTML. A parse
// failure degrades to a generic placeholder.
func (c *Classifier) jsonCardText(seg onebot.Segment) string {
	raw := seg.Data.Str("data")
	var card struct {
		Prompt string `json:"prompt"`
		Meta   struct {
			News struct {
				Tag     string `json:"tag"`
				Title   string `json:"title"`
				JumpURL string `json:"jumpUrl"`
			} `json:"news"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		c.log.Debug().Err(err).Msg("Failed to parse json card segment")
		return "[card]"
	}

	title := card.Meta.News.Title
	if title == "" {
		title = card.Prompt
	}
	if title == "" {
		title = "[card]"
	}

	var parts []string
	if card.Meta.News.Tag != "" {
		parts = append(parts, "<blockquote>"+card.Meta.News.Tag+"</blockquote>")
	}
	if card.Meta.News.JumpURL != "" {
		parts = append(parts, fmt.Sprintf(`<a href="%s">%s</a>`, card.Meta.News.JumpURL, title))
	} else {
		parts = append(parts, title)
	}
	return strings.Join(parts, "\n")
}

func faceText(seg onebot.Segment) string {
	if raw := seg.Data.Map("raw"); raw != nil {
		if face := raw.Str("faceText"); face != "" {
			return "[" + strings.TrimLeft(face, "/") + "]"
		}
	}
	return "[emoji]"
}

// determineType applies the classification precedence, first match wins:
// forward > reply > pure-@ > album > single image/sticker > single media >
// mixed > text. Media presence always disqualifies the pure-@ class, even
// for a short @-mention next to exactly one image.
func (c *Classifier) determineType(parsed *ParsedMessage, segments []onebot.Segment) *ClassifiedMessage {
	text := parsed.TextContent()

	switch {
	case parsed.hasForward:
		return &ClassifiedMessage{
			Type:      TypeForward,
			Content:   parsed.forwardID,
			ForwardID: parsed.forwardID,
			Segments:  segments,
		}

	case parsed.hasReply:
		return &ClassifiedMessage{
			Type:      TypeReply,
			Content:   strings.TrimSpace(text),
			Text:      strings.TrimSpace(text),
			ReplyToID: parsed.replyID,
			Segments:  segments,
		}

	case parsed.hasAt && len(parsed.images) == 0 && len(parsed.media) == 0 &&
		len(strings.TrimSpace(text)) < c.atTextLimit:
		return &ClassifiedMessage{
			Type:     TypeAt,
			Content:  text,
			AtUsers:  parsed.atUsers,
			Segments: segments,
		}

	case len(parsed.images) > 1:
		return &ClassifiedMessage{
			Type:   TypeImages,
			Images: parsed.images,
			Text:   text,
		}

	case len(parsed.images) == 1 && len(parsed.media) == 0:
		img := parsed.images[0]
		mt := TypeImage
		if img.IsSticker {
			mt = TypeSticker
		}
		return &ClassifiedMessage{
			Type:    mt,
			Content: img.URL,
			File:    img.File,
			Size:    img.Size,
			Text:    text,
		}

	case len(parsed.media) == 1 && len(parsed.images) == 0:
		m := parsed.media[0]
		return &ClassifiedMessage{
			Type:    m.Type,
			Content: m.URL,
			File:    m.File,
			Text:    text,
		}

	case len(parsed.images) > 0 || len(parsed.media) > 0:
		return &ClassifiedMessage{
			Type:    TypeMixed,
			Content: buildMixedContent(parsed),
		}

	default:
		final := text
		if strings.TrimSpace(final) == "" {
			final = emptyMessageMarker
		}
		return &ClassifiedMessage{Type: TypeText, Content: final}
	}
}

// buildMixedContent flattens text plus all media descriptors into one
// human-readable block.
func buildMixedContent(parsed *ParsedMessage) string {
	var parts []string
	if text := parsed.TextContent(); text != "" {
		parts = append(parts, text)
	}
	for _, img := range parsed.images {
		desc := "[image]"
		if img.File != "" {
			desc = fmt.Sprintf("[image: %s]", img.File)
		}
		parts = append(parts, desc+"\n"+img.URL)
	}
	for _, m := range parsed.media {
		desc := "[" + string(m.Type) + "]"
		if m.File != "" {
			desc = fmt.Sprintf("[%s: %s]", m.Type, m.File)
		}
		parts = append(parts, desc+"\n"+m.URL)
	}
	return strings.Join(parts, "\n")
}

// RepairFileURL appends the filename query parameter the gateway sometimes
// leaves off file URLs. The repair is idempotent: a URL already carrying a
// non-empty fname is returned unchanged.
func RepairFileURL(rawURL, filename string) string {
	if filename == "" {
		return rawURL
	}
	encoded := url.QueryEscape(filename)
	switch {
	case strings.HasSuffix(rawURL, "?fname="), strings.HasSuffix(rawURL, "&fname="):
		return rawURL + encoded
	case strings.Contains(rawURL, "?fname="), strings.Contains(rawURL, "&fname="):
		return rawURL
	case strings.Contains(rawURL, "?"):
		return rawURL + "&fname=" + encoded
	default:
		return rawURL + "?fname=" + encoded
	}
}
