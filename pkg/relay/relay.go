// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the event pipeline: ingestion, deduplication,
// per-conversation ordered dispatch, classification and delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hououinkami/qgram/pkg/media"
	"github.com/hououinkami/qgram/pkg/onebot"
	"github.com/hououinkami/qgram/pkg/store"
	"github.com/hououinkami/qgram/pkg/telegram"
)

// Relay wires the classified shape of each inbound event to the matching
// outbound delivery. It is the EventHandler the dispatcher's workers run.
type Relay struct {
	gateway    *onebot.Client
	classifier *Classifier
	expander   *Expander
	sender     telegram.Sender
	fetcher    *media.Fetcher
	contacts   *store.ContactStore
	messages   *store.MessageMap
	dedup      *Deduplicator
	blacklist  *Blacklist
	stats      *Stats

	selfID     string
	ownerChat  int64
	autoCreate bool
	log        zerolog.Logger

	// lastOnline tracks the gateway status between checks so the owner is
	// alerted once per transition, not every sweep.
	lastOnline bool
}

// NewRelay assembles the pipeline around its collaborators.
func NewRelay(
	gateway *onebot.Client,
	classifier *Classifier,
	expander *Expander,
	sender telegram.Sender,
	fetcher *media.Fetcher,
	contacts *store.ContactStore,
	messages *store.MessageMap,
	dedup *Deduplicator,
	blacklist *Blacklist,
	stats *Stats,
	selfID string,
	ownerChat int64,
	autoCreate bool,
	log zerolog.Logger,
) *Relay {
	return &Relay{
		gateway:    gateway,
		classifier: classifier,
		expander:   expander,
		sender:     sender,
		fetcher:    fetcher,
		contacts:   contacts,
		messages:   messages,
		dedup:      dedup,
		blacklist:  blacklist,
		stats:      stats,
		selfID:     selfID,
		ownerChat:  ownerChat,
		autoCreate: autoCreate,
		log:        log.With().Str("component", "relay").Logger(),
		lastOnline: true,
	}
}

// HandleEvent processes one admitted event. It is called from a dispatcher
// worker, so events sharing a conversation key arrive here strictly in
// admission order.
func (r *Relay) HandleEvent(ctx context.Context, evt *onebot.Event) error {
	switch evt.PostType {
	case onebot.PostTypeMessage, onebot.PostTypeMessageSent:
		return r.handleMessage(ctx, evt)
	case onebot.PostTypeNotice:
		return r.handleNotice(ctx, evt)
	case onebot.PostTypeRequest:
		return r.handleRequest(ctx, evt)
	case onebot.PostTypeMeta:
		r.log.Debug().Str("meta_event_type", evt.MetaEventType).Msg("Meta event")
		return nil
	default:
		r.log.Debug().Str("post_type", evt.PostType).Msg("Ignoring unknown post type")
		return nil
	}
}

func (r *Relay) handleMessage(ctx context.Context, evt *onebot.Event) error {
	log := r.log.With().
		Str("message_id", evt.MessageID.String()).
		Str("conversation", evt.ConversationKey()).
		Logger()

	// Our own outbound traffic echoes back as message_sent (or as a message
	// from the self id); relaying it would loop.
	if evt.PostType == onebot.PostTypeMessageSent || (r.selfID != "" && evt.UserID.String() == r.selfID) {
		log.Debug().Msg("Suppressing self echo")
		return nil
	}

	contact, ok := r.contacts.GetContact(evt.ConversationKey())
	if !ok {
		if r.autoCreate {
			r.registerUnmapped(ctx, evt)
		}
		log.Debug().Msg("No contact mapping for conversation, dropping")
		return nil
	}
	if !contact.IsReceive {
		log.Debug().Str("contact", contact.Name).Msg("Contact delivery disabled, dropping")
		return nil
	}

	if r.blacklist.Matches(evt.RawMessage) {
		log.Info().Msg("Message matched blacklist, dropping")
		return nil
	}

	classified := r.classifier.Classify(ctx, evt)
	log.Debug().Str("type", string(classified.Type)).Msg("Classified message")

	sent, err := r.deliver(ctx, evt, contact, classified)
	if err != nil {
		// Unmark so the gateway's retry of the same event is not treated
		// as a duplicate of this failed attempt.
		r.dedup.Unmark(evt.MessageID.String())
		r.stats.Failed()
		return fmt.Errorf("failed to deliver %s message %s: %w", classified.Type, evt.MessageID, err)
	}

	for _, s := range sent {
		mapping := store.MessageMapping{
			TelegramMsgID: s.MessageID,
			FromID:        evt.UserID.String(),
			ToID:          evt.ConversationKey(),
			SourceMsgID:   evt.MessageID.String(),
			UserMsgID:     evt.MessageID.Int(),
		}
		if err := r.messages.Add(ctx, mapping); err != nil {
			log.Warn().Err(err).Int64("tg_msg_id", s.MessageID).Msg("Failed to record message mapping")
		}
	}

	r.stats.Processed()
	return nil
}

// registerUnmapped records an unmapped conversation as a delivery-disabled
// contact and tells the owner once. Later messages from the same conversation
// find the disabled contact and drop without another notification; delivery
// starts when the owner assigns a chat id and enables it.
func (r *Relay) registerUnmapped(ctx context.Context, evt *onebot.Event) {
	key := evt.ConversationKey()
	name := evt.GroupName
	if name == "" {
		name = evt.Sender.DisplayName()
	}
	contact := store.Contact{
		Key:       key,
		Name:      name,
		IsReceive: false,
		IsGroup:   evt.IsGroup(),
	}
	if err := r.contacts.Put(contact); err != nil {
		r.log.Warn().Err(err).Str("conversation", key).Msg("Failed to record new conversation")
		return
	}
	r.log.Info().Str("conversation", key).Str("name", name).Msg("Recorded new conversation, delivery disabled")

	if r.ownerChat == 0 {
		return
	}
	kind := "private chat"
	if contact.IsGroup {
		kind = "group"
	}
	text := fmt.Sprintf("New %s %s (%s) recorded, delivery disabled", kind, name, key)
	if _, err := r.sender.SendText(ctx, r.ownerChat, html.EscapeString(text), telegram.TextOptions{}); err != nil {
		r.log.Warn().Err(err).Str("conversation", key).Msg("Failed to notify owner of new conversation")
	}
}

// deliver sends one classified message to the contact's chat and returns
// everything that was delivered.
func (r *Relay) deliver(ctx context.Context, evt *onebot.Event, contact store.Contact, c *ClassifiedMessage) ([]telegram.SentMessage, error) {
	header := r.senderHeader(evt, contact)

	switch c.Type {
	case TypeText, TypeAt, TypeMixed:
		return r.sendText(ctx, contact.ChatID, header, c.Content, 0)

	case TypeReply:
		return r.sendReply(ctx, contact.ChatID, header, c)

	case TypeImage:
		return r.sendSingleMedia(ctx, contact.ChatID, header, c, "image", r.sender.SendPhoto)

	case TypeSticker:
		return r.sendSingleMedia(ctx, contact.ChatID, header, c, "image", r.sender.SendAnimation)

	case TypeImages:
		return r.sendAlbum(ctx, contact.ChatID, header, c)

	case TypeVideo:
		return r.sendSingleMedia(ctx, contact.ChatID, header, c, "video", r.sender.SendVideo)

	case TypeVoice:
		return r.sendSingleMedia(ctx, contact.ChatID, header, c, "voice", r.sender.SendVoice)

	case TypeFile:
		return r.sendSingleMedia(ctx, contact.ChatID, header, c, "file", r.sender.SendDocument)

	case TypeForward:
		expanded, err := r.expander.Expand(ctx, c.ForwardID)
		if err != nil {
			return nil, err
		}
		return r.expander.SendBatches(ctx, r.sender, contact.ChatID, header+"[forwarded messages]", expanded)

	default:
		return r.sendText(ctx, contact.ChatID, header, c.Content, 0)
	}
}

// senderHeader builds the attribution line prefixed to every delivery. Group
// messages name the member; private chats are already scoped to one person
// and carry no line.
func (r *Relay) senderHeader(evt *onebot.Event, contact store.Contact) string {
	if !contact.IsGroup {
		return ""
	}
	name := evt.Sender.DisplayName()
	if name == "" {
		name = evt.UserID.String()
	}
	return "<b>" + html.EscapeString(name) + "</b>\n"
}

func (r *Relay) sendText(ctx context.Context, chatID int64, header, body string, replyTo int64) ([]telegram.SentMessage, error) {
	if strings.TrimSpace(body) == "" {
		body = emptyMessageMarker
	}
	sent, err := r.sender.SendText(ctx, chatID, header+html.EscapeString(body), telegram.TextOptions{
		HTML:    true,
		ReplyTo: replyTo,
	})
	if err != nil {
		return nil, err
	}
	return []telegram.SentMessage{*sent}, nil
}

// sendReply threads the delivery onto the mapped Telegram message when the
// reply target is known; an unknown target degrades to a plain send.
func (r *Relay) sendReply(ctx context.Context, chatID int64, header string, c *ClassifiedMessage) ([]telegram.SentMessage, error) {
	var replyTo int64
	if c.ReplyToID != "" {
		mapping, err := r.messages.BySourceID(ctx, c.ReplyToID)
		switch {
		case err == nil:
			replyTo = mapping.TelegramMsgID
		case errors.Is(err, store.ErrMappingNotFound):
			r.log.Debug().Str("reply_to", c.ReplyToID).Msg("Reply target not mapped, sending plain")
		default:
			r.log.Warn().Err(err).Str("reply_to", c.ReplyToID).Msg("Reply target lookup failed, sending plain")
		}
	}
	return r.sendText(ctx, chatID, header, c.Text, replyTo)
}

type mediaSendFunc func(ctx context.Context, chatID int64, m telegram.Media) (*telegram.SentMessage, error)

// sendSingleMedia downloads one attachment and delivers it with the header
// and accompanying text as caption. A failed download falls back to handing
// Telegram the URL directly.
func (r *Relay) sendSingleMedia(ctx context.Context, chatID int64, header string, c *ClassifiedMessage, kind string, send mediaSendFunc) ([]telegram.SentMessage, error) {
	caption := header
	if c.Text != "" {
		caption += html.EscapeString(c.Text)
	}
	caption = truncateCaption(strings.TrimRight(caption, "\n"), captionLimit)

	m := telegram.Media{URL: c.Content, Filename: c.File, Caption: caption}
	data, filename, err := r.fetcher.Fetch(ctx, c.Content, kind)
	if err != nil {
		r.log.Warn().Err(err).Str("url", c.Content).Msg("Media download failed, sending by URL")
	} else {
		m.Bytes = data
		m.URL = ""
		if m.Filename == "" {
			m.Filename = filename
		}
	}

	sent, err := send(ctx, chatID, m)
	if err != nil {
		return nil, err
	}
	return []telegram.SentMessage{*sent}, nil
}

// sendAlbum delivers a multi-image message as one media group, caption on
// the first item.
func (r *Relay) sendAlbum(ctx context.Context, chatID int64, header string, c *ClassifiedMessage) ([]telegram.SentMessage, error) {
	caption := header
	if c.Text != "" {
		caption += html.EscapeString(c.Text)
	}
	caption = truncateCaption(strings.TrimRight(caption, "\n"), captionLimit)

	group := make([]telegram.Media, 0, len(c.Images))
	for i, img := range c.Images {
		m := telegram.Media{Kind: telegram.MediaPhoto, URL: img.URL, Filename: img.File}
		if data, filename, err := r.fetcher.Fetch(ctx, img.URL, "image"); err != nil {
			r.log.Warn().Err(err).Str("url", img.URL).Msg("Album image download failed, sending by URL")
		} else {
			m.Bytes = data
			m.URL = ""
			if m.Filename == "" {
				m.Filename = filename
			}
		}
		if i == 0 {
			m.Caption = caption
		}
		group = append(group, m)
	}
	return r.sender.SendMediaGroup(ctx, chatID, group)
}

// handleNotice relays the notices users see in the conversation: recalls are
// annotated on the mapped message, membership changes become info lines.
func (r *Relay) handleNotice(ctx context.Context, evt *onebot.Event) error {
	switch evt.NoticeType {
	case onebot.NoticeGroupRecall, onebot.NoticeFriendRecall:
		return r.handleRecall(ctx, evt)

	case onebot.NoticeGroupIncrease, onebot.NoticeGroupDecrease:
		contact, ok := r.contacts.GetContact(evt.ConversationKey())
		if !ok || !contact.IsReceive {
			return nil
		}
		verb := "joined"
		if evt.NoticeType == onebot.NoticeGroupDecrease {
			verb = "left"
		}
		text := fmt.Sprintf("<i>%s %s the group</i>", html.EscapeString(r.memberName(ctx, evt)), verb)
		_, err := r.sender.SendText(ctx, contact.ChatID, text, telegram.TextOptions{HTML: true})
		return err

	default:
		r.log.Debug().Str("notice_type", evt.NoticeType).Msg("Ignoring notice")
		return nil
	}
}

// handleRecall annotates the delivered copy of a recalled message. Without
// a mapping there is nothing on the destination side to annotate.
func (r *Relay) handleRecall(ctx context.Context, evt *onebot.Event) error {
	mapping, err := r.messages.BySourceID(ctx, evt.MessageID.String())
	if errors.Is(err, store.ErrMappingNotFound) {
		r.log.Debug().Str("message_id", evt.MessageID.String()).Msg("Recall for unmapped message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up recalled message %s: %w", evt.MessageID, err)
	}

	contact, ok := r.contacts.GetContact(evt.ConversationKey())
	if !ok {
		return nil
	}
	_, err = r.sender.SendText(ctx, contact.ChatID, "<i>This message was recalled</i>", telegram.TextOptions{
		HTML:    true,
		ReplyTo: mapping.TelegramMsgID,
	})
	return err
}

// handleRequest forwards friend requests and group invites to the owner
// chat for a manual decision.
func (r *Relay) handleRequest(ctx context.Context, evt *onebot.Event) error {
	if r.ownerChat == 0 {
		r.log.Debug().Str("request_type", evt.RequestType).Msg("No owner chat configured, ignoring request")
		return nil
	}

	var text string
	switch evt.RequestType {
	case onebot.RequestFriend:
		text = fmt.Sprintf("Friend request from %s", evt.UserID)
	case onebot.RequestGroup:
		text = fmt.Sprintf("Group %s request (%s) from %s", evt.GroupID, evt.SubType, evt.UserID)
	default:
		r.log.Debug().Str("request_type", evt.RequestType).Msg("Ignoring unknown request type")
		return nil
	}
	if evt.Comment != "" {
		text += ": " + evt.Comment
	}

	_, err := r.sender.SendText(ctx, r.ownerChat, html.EscapeString(text), telegram.TextOptions{HTML: true})
	return err
}

// memberName resolves a display name for notice events, which carry no
// sender block.
func (r *Relay) memberName(ctx context.Context, evt *onebot.Event) string {
	if name := evt.Sender.DisplayName(); name != "" {
		return name
	}
	if r.gateway != nil && evt.IsGroup() {
		if info, err := r.gateway.GetGroupMemberInfo(ctx, evt.GroupID.String(), evt.UserID.String()); err == nil {
			if name := info.DisplayName(); name != "" {
				return name
			}
		}
	}
	return evt.UserID.String()
}

// RunStatusCheck polls the gateway and alerts the owner chat on each
// online/offline transition. Blocks until ctx is done.
func (r *Relay) RunStatusCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.gateway == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkStatus(ctx)
		}
	}
}

func (r *Relay) checkStatus(ctx context.Context) {
	status, err := r.gateway.GetStatus(ctx)
	online := err == nil && status.Online && status.Good
	if online == r.lastOnline {
		return
	}
	r.lastOnline = online

	if online {
		r.log.Info().Msg("Gateway back online")
	} else {
		r.log.Warn().Err(err).Msg("Gateway offline")
	}
	if r.ownerChat == 0 {
		return
	}
	text := "Gateway is back online"
	if !online {
		text = "Gateway appears to be offline"
	}
	if _, err := r.sender.SendText(ctx, r.ownerChat, text, telegram.TextOptions{}); err != nil {
		r.log.Warn().Err(err).Msg("Failed to send status alert")
	}
}
