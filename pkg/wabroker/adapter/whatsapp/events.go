package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// handleEvent is the whatsmeow event dispatcher. It translates the client's
// callbacks into adapter events; it never decides what the session does.
func (c *Client) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.handleMessage(evt)

	case *events.HistorySync:
		c.handleHistorySync(evt)

	case *events.PairSuccess:
		c.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
		c.paired.Store(true)
		c.emit(adapter.Authenticated())

	case *events.Connected:
		c.handleConnected()

	case *events.Disconnected:
		c.logger.Warn("whatsapp: disconnected")
		c.emit(adapter.Disconnected(adapter.ReasonNetwork))

	case *events.StreamReplaced:
		c.logger.Error("whatsapp: stream replaced, another client connected")
		c.emit(adapter.Disconnected(adapter.ReasonConflict))

	case *events.LoggedOut:
		reason := "LOGGED_OUT"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		c.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		c.emit(adapter.AuthFailed(reason))

	case *events.TemporaryBan:
		c.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		c.emit(adapter.AuthFailed("TEMPORARY_BAN: " + evt.Code.String()))

	case *events.ConnectFailure:
		c.handleConnectFailure(evt)

	case *events.KeepAliveTimeout:
		c.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		// Half-open sockets look connected; give up after repeated misses.
		if evt.ErrorCount >= keepAliveFailures {
			c.emit(adapter.Disconnected(adapter.ReasonTimeout))
		}

	case *events.KeepAliveRestored:
		c.logger.Info("whatsapp: keep-alive restored")

	case *events.StreamError:
		c.logger.Error("whatsapp: stream error", "code", evt.Code)
		if disconnectingStreamError(evt.Code) {
			c.emit(adapter.Disconnected(adapter.ReasonStreamError))
			return
		}
		c.emit(adapter.Failure(fmt.Errorf("stream error %s", evt.Code), false))

	case *events.PushName:
		c.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)
		c.history.setName(evt.JID.ToNonAD().String(), evt.NewPushName)

	case *events.QRScannedWithoutMultidevice:
		c.logger.Warn("whatsapp: QR scanned but multidevice not enabled")
	}
}

const keepAliveFailures = 3

func disconnectingStreamError(code string) bool {
	return code == "503" || code == "540" || code == "541"
}

func (c *Client) handleConnected() {
	cl := c.current()
	if cl == nil {
		return
	}
	// Resumed sessions authenticate without a pairing step.
	if c.paired.CompareAndSwap(false, true) {
		c.emit(adapter.Authenticated())
	}
	id := adapter.Identity{DeviceKind: "whatsmeow"}
	if cl.Store.ID != nil {
		id.PlatformID = cl.Store.ID.User
	}
	id.DisplayName = cl.Store.PushName
	if cl.Store.Platform != "" {
		id.DeviceKind = cl.Store.Platform
	}
	c.logger.Info("whatsapp: connected", "jid", id.PlatformID, "platform", id.DeviceKind)
	c.emit(adapter.Ready(id))
}

func (c *Client) handleConnectFailure(evt *events.ConnectFailure) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()
	c.logger.Error("whatsapp: connect failure", "reason", reason, "message", evt.Message, "permanent", permanent)

	if evt.Reason.IsLoggedOut() {
		c.emit(adapter.AuthFailed(reason))
		return
	}
	if permanent != "" {
		c.emit(adapter.Failure(errors.New(permanent), true))
		return
	}
	c.emit(adapter.Disconnected(adapter.ReasonNetwork))
}

func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Message == nil || evt.Message.GetProtocolMessage() != nil {
		return
	}
	msg := toMessage(evt.Info, evt.Message)
	if !c.history.add(msg, evt.Message) {
		return
	}
	if !msg.FromMe {
		c.history.markUnread(msg.ChatID)
	}
	c.emit(adapter.MessageReceived(msg))
}

func (c *Client) handleHistorySync(evt *events.HistorySync) {
	cl := c.current()
	if cl == nil || evt.Data == nil {
		return
	}
	conversations := evt.Data.GetConversations()
	indexed := 0
	for _, conv := range conversations {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			c.logger.Debug("whatsapp: skipping history conversation", "id", conv.GetID(), "error", err)
			continue
		}
		if chatJID.Server == types.BroadcastServer {
			continue
		}
		chatID := chatJID.String()
		c.history.setChat(chatID, conv.GetName(), int(conv.GetUnreadCount()))

		for _, hm := range conv.GetMessages() {
			web := hm.GetMessage()
			if web == nil {
				continue
			}
			parsed, err := cl.ParseWebMessage(chatJID, web)
			if err != nil || parsed.Message == nil || parsed.Message.GetProtocolMessage() != nil {
				continue
			}
			if c.history.add(toMessage(parsed.Info, parsed.Message), parsed.Message) {
				indexed++
			}
		}
	}
	c.history.markSynced()
	c.logger.Info("whatsapp: history sync indexed",
		"conversations", len(conversations), "messages", indexed, "chats", c.history.size())
}

// ---------- Conversion ----------

func toMessage(info types.MessageInfo, msg *waE2E.Message) adapter.Message {
	typ, body, hasMedia := extractContent(msg)
	return adapter.Message{
		ID:        string(info.ID),
		ChatID:    info.Chat.ToNonAD().String(),
		From:      info.Sender.ToNonAD().String(),
		FromName:  info.PushName,
		Body:      body,
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp,
		Type:      typ,
		HasMedia:  hasMedia,
		IsGroup:   info.IsGroup,
	}
}

// extractContent classifies a message and returns its text rendering.
func extractContent(m *waE2E.Message) (adapter.MessageType, string, bool) {
	switch {
	case m == nil:
		return adapter.MessageUnknown, "", false
	case m.Conversation != nil:
		return adapter.MessageText, m.GetConversation(), false
	case m.ExtendedTextMessage != nil:
		return adapter.MessageText, m.GetExtendedTextMessage().GetText(), false
	case m.ImageMessage != nil:
		return adapter.MessageImage, m.GetImageMessage().GetCaption(), true
	case m.AudioMessage != nil:
		if m.GetAudioMessage().GetPTT() {
			return adapter.MessageAudio, "[voice note]", true
		}
		return adapter.MessageAudio, "[audio]", true
	case m.VideoMessage != nil:
		return adapter.MessageVideo, m.GetVideoMessage().GetCaption(), true
	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		if caption := doc.GetCaption(); caption != "" {
			return adapter.MessageDocument, caption, true
		}
		return adapter.MessageDocument, fmt.Sprintf("[document: %s]", doc.GetFileName()), true
	case m.StickerMessage != nil:
		return adapter.MessageSticker, "[sticker]", true
	case m.LocationMessage != nil:
		loc := m.GetLocationMessage()
		return adapter.MessageLocation, fmt.Sprintf("[location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude()), false
	case m.LiveLocationMessage != nil:
		loc := m.GetLiveLocationMessage()
		return adapter.MessageLocation, fmt.Sprintf("[live location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude()), false
	case m.ContactMessage != nil:
		return adapter.MessageContact, fmt.Sprintf("[contact: %s]", m.GetContactMessage().GetDisplayName()), false
	case m.ReactionMessage != nil:
		return adapter.MessageReaction, m.GetReactionMessage().GetText(), false
	}
	return adapter.MessageUnknown, "[unsupported message type]", false
}

// parseJID converts a chat id to a JID. Accepts "5511999999999",
// "+55 11 99999-9999", "5511999999999@s.whatsapp.net" and group ids like
// "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("%w: empty chat id", adapter.ErrInvalidTarget)
	}

	if strings.Contains(s, "@") {
		// whatsapp-web.js style ids use c.us for users.
		s = strings.Replace(s, "@c.us", "@"+types.DefaultUserServer, 1)
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", adapter.ErrInvalidTarget, err)
		}
		return jid, nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("%w: phone number too short: %s", adapter.ErrInvalidTarget, s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
