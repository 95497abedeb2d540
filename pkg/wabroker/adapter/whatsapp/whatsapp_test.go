package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"phone number", "5511999999999", "5511999999999@s.whatsapp.net", false},
		{"formatted phone", "+55 11 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"full jid", "5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"c.us jid", "5511999999999@c.us", "5511999999999@s.whatsapp.net", false},
		{"group jid", "123456789-1234@g.us", "123456789-1234@g.us", false},
		{"short number", "12345", "", true},
		{"empty", "  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseJID(tt.input)
			if tt.wantErr {
				if !errors.Is(err, adapter.ErrInvalidTarget) {
					t.Fatalf("expected ErrInvalidTarget, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if jid.String() != tt.want {
				t.Errorf("got %s, want %s", jid.String(), tt.want)
			}
		})
	}
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name      string
		msg       *waE2E.Message
		wantType  adapter.MessageType
		wantBody  string
		wantMedia bool
	}{
		{"nil", nil, adapter.MessageUnknown, "", false},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, adapter.MessageText, "hi", false},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}},
			adapter.MessageText, "link", false},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}},
			adapter.MessageImage, "pic", true},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}},
			adapter.MessageAudio, "[voice note]", true},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, adapter.MessageAudio, "[audio]", true},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}},
			adapter.MessageDocument, "[document: a.pdf]", true},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, adapter.MessageSticker, "[sticker]", true},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude: proto.Float64(-23.5), DegreesLongitude: proto.Float64(-46.25)}},
			adapter.MessageLocation, "[location: -23.500000, -46.250000]", false},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Ana")}},
			adapter.MessageContact, "[contact: Ana]", false},
		{"reaction", &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}},
			adapter.MessageReaction, "👍", false},
		{"unsupported", &waE2E.Message{}, adapter.MessageUnknown, "[unsupported message type]", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, body, media := extractContent(tt.msg)
			if typ != tt.wantType || body != tt.wantBody || media != tt.wantMedia {
				t.Errorf("got (%s, %q, %v), want (%s, %q, %v)",
					typ, body, media, tt.wantType, tt.wantBody, tt.wantMedia)
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	chat := types.NewJID("5511999999999", types.DefaultUserServer)
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, Sender: chat},
		ID:            "ABC",
		PushName:      "Ana",
		Timestamp:     time.Unix(1700000000, 0),
	}
	m := toMessage(info, &waE2E.Message{Conversation: proto.String("hello")})
	if m.ID != "ABC" || m.ChatID != chat.String() || m.From != chat.String() {
		t.Fatalf("unexpected ids: %+v", m)
	}
	if m.Body != "hello" || m.Type != adapter.MessageText || m.FromName != "Ana" {
		t.Errorf("unexpected content: %+v", m)
	}
}

func msgAt(id, chat string, sec int64, body string) adapter.Message {
	return adapter.Message{
		ID:        id,
		ChatID:    chat,
		Body:      body,
		Type:      adapter.MessageText,
		Timestamp: time.Unix(sec, 0),
	}
}

func TestHistory(t *testing.T) {
	const chat = "5511999999999@s.whatsapp.net"

	t.Run("keeps messages ordered and bounded", func(t *testing.T) {
		h := newHistory(3)
		h.add(msgAt("m3", chat, 30, "c"), nil)
		h.add(msgAt("m1", chat, 10, "a"), nil)
		h.add(msgAt("m2", chat, 20, "b"), nil)
		h.add(msgAt("m4", chat, 40, "d"), nil)

		got := h.messages(chat, 0)
		if len(got) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(got))
		}
		for i, want := range []string{"m2", "m3", "m4"} {
			if got[i].ID != want {
				t.Errorf("message %d: got %s, want %s", i, got[i].ID, want)
			}
		}
	})

	t.Run("ignores duplicates", func(t *testing.T) {
		h := newHistory(10)
		if !h.add(msgAt("m1", chat, 10, "a"), nil) {
			t.Fatal("first add should index")
		}
		if h.add(msgAt("m1", chat, 10, "a"), nil) {
			t.Fatal("duplicate add should be ignored")
		}
		if n := len(h.messages(chat, 0)); n != 1 {
			t.Errorf("expected 1 message, got %d", n)
		}
	})

	t.Run("limits to newest", func(t *testing.T) {
		h := newHistory(10)
		for i := 1; i <= 5; i++ {
			h.add(msgAt(fmt.Sprintf("m%d", i), chat, int64(i), "x"), nil)
		}
		got := h.messages(chat, 2)
		if len(got) != 2 || got[0].ID != "m4" || got[1].ID != "m5" {
			t.Errorf("unexpected messages: %+v", got)
		}
	})

	t.Run("unknown chat yields empty list", func(t *testing.T) {
		h := newHistory(10)
		got := h.messages("nobody@s.whatsapp.net", 5)
		if got == nil || len(got) != 0 {
			t.Errorf("expected empty non-nil slice, got %#v", got)
		}
	})

	t.Run("summaries", func(t *testing.T) {
		h := newHistory(10)
		h.setChat("123-456@g.us", "Family", 2)
		h.add(msgAt("g1", "123-456@g.us", 50, strings.Repeat("x", 200)), nil)
		h.add(msgAt("u1", chat, 60, "hi"), nil)
		h.markUnread(chat)

		byID := make(map[string]adapter.ChatSummary)
		for _, s := range h.summaries(map[string]string{chat: "Ana"}) {
			byID[s.ChatID] = s
		}

		g := byID["123-456@g.us"]
		if !g.IsGroup || g.DisplayName != "Family" || g.UnreadCount != 2 {
			t.Errorf("unexpected group summary: %+v", g)
		}
		if !strings.HasSuffix(g.LastMessagePreview, "...") || len([]rune(g.LastMessagePreview)) != previewRunes+3 {
			t.Errorf("preview not truncated: %d runes", len([]rune(g.LastMessagePreview)))
		}

		u := byID[chat]
		if u.IsGroup || u.DisplayName != "Ana" || u.UnreadCount != 1 || u.LastMessagePreview != "hi" {
			t.Errorf("unexpected user summary: %+v", u)
		}
		if !u.LastMessageTimestamp.Equal(time.Unix(60, 0)) {
			t.Errorf("unexpected timestamp: %v", u.LastMessageTimestamp)
		}
	})

	t.Run("falls back to user part", func(t *testing.T) {
		h := newHistory(10)
		h.setChat(chat, "", 0)
		s := h.summaries(nil)
		if len(s) != 1 || s[0].DisplayName != "5511999999999" {
			t.Errorf("unexpected summaries: %+v", s)
		}
	})

	t.Run("media lookup", func(t *testing.T) {
		h := newHistory(1)
		raw := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}
		h.add(msgAt("img", chat, 1, ""), raw)
		h.add(msgAt("txt", chat, 2, "hi"), nil)

		if _, ok := h.media("txt"); ok {
			t.Error("text message should have no media")
		}
		if _, ok := h.media("img"); ok {
			t.Error("evicted message should be gone")
		}
	})
}

func TestLogBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := newLogBridge(logger, "client").Sub("Socket")
	l.Warnf("frame %d dropped", 7)

	out := buf.String()
	if !strings.Contains(out, "frame 7 dropped") {
		t.Errorf("message missing: %s", out)
	}
	if !strings.Contains(out, "module=client/Socket") {
		t.Errorf("module missing: %s", out)
	}
	if strings.Count(out, "module=") != 1 {
		t.Errorf("module attribute repeated: %s", out)
	}
}

func TestDestroyWithoutInitialize(t *testing.T) {
	c := New(Config{SessionDir: t.TempDir()}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatal("events channel should be closed")
	}

	// Late events from whatsmeow goroutines are dropped.
	c.emit(adapter.Disconnected(adapter.ReasonNetwork))

	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("initialize after destroy should fail")
	}
}

func TestCommandsWithoutConnection(t *testing.T) {
	c := New(Config{SessionDir: t.TempDir()}, nil)
	defer c.Destroy(context.Background())
	ctx := context.Background()

	if _, err := c.Send(ctx, "5511999999999", adapter.Payload{Text: "hi"}); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("send: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.FetchChats(ctx); !errors.Is(err, adapter.ErrNotReady) {
		t.Errorf("fetch chats: expected ErrNotReady, got %v", err)
	}
	if err := c.Probe(ctx); !errors.Is(err, adapter.ErrNotReady) {
		t.Errorf("probe: expected ErrNotReady, got %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Errorf("logout without client: %v", err)
	}
}

func TestConfigDBPath(t *testing.T) {
	if got := (Config{SessionDir: "/data"}).dbPath(); got != "/data/whatsapp.db" {
		t.Errorf("got %s", got)
	}
	if got := (Config{SessionDir: "/data", DatabasePath: "/x.db"}).dbPath(); got != "/x.db" {
		t.Errorf("got %s", got)
	}
}
