package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/adapter/adaptertest"
	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/outbound"
	"github.com/jholhewres/wabroker/pkg/wabroker/probe"
	"github.com/jholhewres/wabroker/pkg/wabroker/reconnect"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

const testToken = "s3cret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	farm    *adaptertest.Farm
	manager *session.Manager
	server  *httptest.Server
}

func newFixture(t *testing.T, st store.Store, configure func(*adaptertest.Fake)) *fixture {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.InitTimeout = time.Second
	cfg.DestroyTimeout = time.Second
	cfg.Probe = probe.Config{MaxAttempts: 3, Delay: time.Millisecond, Timeout: 50 * time.Millisecond, Backoff: 1}
	cfg.Reconnect = reconnect.Config{MaxAttempts: 5, BaseDelay: time.Hour, Factor: 2, MaxDelay: 10 * time.Hour}
	cfg.Outbound = outbound.Config{Capacity: 10, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, SendTimeout: time.Second}

	farm := adaptertest.NewFarm()
	farm.Configure = configure
	m := session.New(cfg, farm.Factory(), quietLogger())
	m.Start()

	g := New(m, st, Config{AuthToken: testToken, CORSOrigins: []string{"https://panel.example.com"}}, "test", quietLogger())
	srv := httptest.NewServer(g.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		m.Events().Close()
		srv.Close()
	})
	return &fixture{farm: farm, manager: m, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decoding response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (f *fixture) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.manager.CurrentStatus().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached %s, at %s", want, f.manager.CurrentStatus().State)
}

// ready connects and drives the fake adapter to Ready.
func (f *fixture) ready(t *testing.T) *adaptertest.Fake {
	t.Helper()
	if code, body := f.do(t, http.MethodPost, "/api/connect", nil); code != http.StatusOK {
		t.Fatalf("connect: %d %v", code, body)
	}
	fake, err := f.farm.Next(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	fake.Emit(adapter.Authenticated())
	fake.Emit(adapter.Ready(adapter.Identity{DisplayName: "Front Desk", PlatformID: "5511999990000"}))
	f.waitState(t, session.StateReady)
	return fake
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"missing token", "/api/status", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/status", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "/api/status", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/status", "Bearer " + testToken, http.StatusOK},
		{"query token ignored outside push", "/api/status?token=" + testToken, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.server.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
			if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
				t.Error("missing security headers")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil, nil)

	req, _ := http.NewRequest(http.MethodOptions, f.server.URL+"/api/send", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("got %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://panel.example.com" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestConnectAndStatus(t *testing.T) {
	f := newFixture(t, nil, nil)

	code, body := f.do(t, http.MethodPost, "/api/connect", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("connect: %d %v", code, body)
	}
	fake, err := f.farm.Next(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}

	code, body = f.do(t, http.MethodPost, "/api/connect", nil)
	if code != http.StatusConflict || body["success"] != false {
		t.Errorf("second connect: %d %v", code, body)
	}

	fake.Emit(adapter.QRIssued("Q1"))
	f.waitState(t, session.StateAwaitingScan)

	_, status := f.do(t, http.MethodGet, "/api/status", nil)
	if status["state"] != string(session.StateAwaitingScan) || status["qrCode"] != "Q1" {
		t.Errorf("unexpected status: %v", status)
	}
	if status["clientIdentity"] != nil {
		t.Errorf("identity before ready: %v", status["clientIdentity"])
	}
}

func TestDisconnectIsAlwaysSuccessful(t *testing.T) {
	f := newFixture(t, nil, nil)

	for i := 0; i < 2; i++ {
		code, body := f.do(t, http.MethodPost, "/api/disconnect", nil)
		if code != http.StatusOK || body["success"] != true {
			t.Fatalf("disconnect %d: %d %v", i, code, body)
		}
	}

	fake := f.ready(t)
	code, _ := f.do(t, http.MethodPost, "/api/disconnect?logout=true", nil)
	if code != http.StatusOK {
		t.Fatalf("disconnect: %d", code)
	}
	f.waitState(t, session.StateDisconnected)
	deadline := time.Now().Add(2 * time.Second)
	for !fake.Destroyed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !fake.LoggedOut() {
		t.Error("logout not forwarded to the adapter")
	}
}

func TestOperationsOutsideReady(t *testing.T) {
	f := newFixture(t, nil, nil)

	for _, path := range []string{"/api/chats", "/api/messages/5511999999999"} {
		code, body := f.do(t, http.MethodGet, path, nil)
		if code != http.StatusServiceUnavailable || body["success"] != false || body["message"] == "" {
			t.Errorf("%s: %d %v", path, code, body)
		}
	}
	code, body := f.do(t, http.MethodPost, "/api/send", map[string]string{"chatId": "5511999999999", "message": "hi"})
	if code != http.StatusServiceUnavailable || body["success"] != false {
		t.Errorf("send: %d %v", code, body)
	}
	code, _ = f.do(t, http.MethodPost, "/api/probe", nil)
	if code != http.StatusConflict {
		t.Errorf("probe outside degraded: %d", code)
	}
}

func TestChatsAndMessages(t *testing.T) {
	now := time.Now()
	f := newFixture(t, nil, func(fake *adaptertest.Fake) {
		fake.Chats = []adapter.ChatSummary{
			{ChatID: "a@s.whatsapp.net", DisplayName: "Ana", LastMessageTimestamp: now.Add(-time.Hour)},
			{ChatID: "b@s.whatsapp.net", DisplayName: "Bia", LastMessageTimestamp: now},
		}
		fake.Messages["a@s.whatsapp.net"] = []adapter.Message{
			{ID: "m1", ChatID: "a@s.whatsapp.net", Body: "one", Type: adapter.MessageText, Timestamp: now.Add(-2 * time.Minute)},
			{ID: "m2", ChatID: "a@s.whatsapp.net", Body: "two", Type: adapter.MessageText, Timestamp: now.Add(-time.Minute)},
		}
		fake.Pictures["b@s.whatsapp.net"] = "https://pps.example/b.jpg"
	})
	f.ready(t)

	code, body := f.do(t, http.MethodGet, "/api/chats", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("chats: %d %v", code, body)
	}
	chats := body["chats"].([]any)
	if len(chats) != 2 || body["total"].(float64) != 2 {
		t.Fatalf("unexpected chats: %v", body)
	}
	first := chats[0].(map[string]any)
	if first["chatId"] != "b@s.whatsapp.net" || first["profilePictureUrl"] != "https://pps.example/b.jpg" {
		t.Errorf("unexpected first chat: %v", first)
	}

	code, body = f.do(t, http.MethodGet, "/api/messages/a@s.whatsapp.net?limit=1", nil)
	if code != http.StatusOK {
		t.Fatalf("messages: %d %v", code, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["id"] != "m2" {
		t.Errorf("unexpected messages: %v", msgs)
	}

	_, body = f.do(t, http.MethodGet, "/api/profile-pic/a@s.whatsapp.net", nil)
	if body["success"] != true || body["url"] != nil {
		t.Errorf("unexpected picture response: %v", body)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t, nil, nil)
	fake := f.ready(t)

	code, body := f.do(t, http.MethodPost, "/api/send", map[string]string{"chatId": "5511999999999", "message": "hello"})
	if code != http.StatusOK || body["success"] != true || body["messageId"] != "msg-1" {
		t.Fatalf("send: %d %v", code, body)
	}

	png := []byte{0x89, 'P', 'N', 'G'}
	code, body = f.do(t, http.MethodPost, "/api/send-media", map[string]string{
		"chatId":  "5511999999999",
		"media":   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		"caption": "look",
	})
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("send-media: %d %v", code, body)
	}

	sent := fake.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].Payload.Text != "hello" || sent[0].Target != "5511999999999" {
		t.Errorf("unexpected text send: %+v", sent[0])
	}
	media := sent[1].Payload.Media
	if media == nil || media.MimeType != "image/png" || media.Caption != "look" || !bytes.Equal(media.Data, png) {
		t.Errorf("unexpected media send: %+v", sent[1].Payload)
	}

	t.Run("rejects bad input", func(t *testing.T) {
		tests := []struct {
			path string
			body any
		}{
			{"/api/send", map[string]string{"chatId": "5511999999999"}},
			{"/api/send", map[string]string{"message": "no target"}},
			{"/api/send-media", map[string]string{"chatId": "5511999999999", "media": "%%%"}},
			{"/api/send-media", map[string]string{"chatId": "5511999999999", "media": "data:image/png,raw"}},
		}
		for _, tt := range tests {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			if code != http.StatusBadRequest || body["success"] != false {
				t.Errorf("%s %v: %d %v", tt.path, tt.body, code, body)
			}
		}
	})
}

func TestMediaDownload(t *testing.T) {
	f := newFixture(t, nil, func(fake *adaptertest.Fake) {
		fake.Media["m1"] = []byte("voice")
	})
	f.ready(t)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/media/m1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "voice" {
		t.Errorf("unexpected download: %d %q", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
}

// memoryStore serves canned persistence reads.
type memoryStore struct {
	store.Nop
	replies []store.QuickReply
	logs    map[string][]store.LogEntry
}

func (s *memoryStore) ListQuickReplies(context.Context) ([]store.QuickReply, error) {
	return s.replies, nil
}

func (s *memoryStore) ListMessages(_ context.Context, chatID string, _ int) ([]store.LogEntry, error) {
	return s.logs[chatID], nil
}

func TestPersistenceReads(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		code, body := f.do(t, http.MethodGet, "/api/quick-replies", nil)
		if code != http.StatusServiceUnavailable || body["success"] != false {
			t.Errorf("quick replies: %d %v", code, body)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		st := &memoryStore{
			replies: []store.QuickReply{{ID: 1, Shortcut: "/hi", Message: "Hello!"}},
			logs: map[string][]store.LogEntry{
				"chat": {{ID: 7, ChatID: "chat", Direction: store.DirectionIn, Body: "hey"}},
			},
		}
		f := newFixture(t, st, nil)

		_, body := f.do(t, http.MethodGet, "/api/quick-replies", nil)
		replies := body["quickReplies"].([]any)
		if len(replies) != 1 || replies[0].(map[string]any)["shortcut"] != "/hi" {
			t.Errorf("unexpected replies: %v", body)
		}

		_, body = f.do(t, http.MethodGet, "/api/logs/chat", nil)
		logs := body["logs"].([]any)
		if len(logs) != 1 || logs[0].(map[string]any)["body"] != "hey" {
			t.Errorf("unexpected logs: %v", body)
		}
	})
}

func TestServerSentEvents(t *testing.T) {
	f := newFixture(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/events?token="+testToken, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "event: status" {
		t.Errorf("first event should be status, got %q", line)
	}
	data, _ := reader.ReadString('\n')
	var evt events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &evt); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	if evt.Type != events.TypeStatus {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != string(events.TypeStatus) {
		t.Fatalf("first frame should be status, got %v", first)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "request_status"}); err != nil {
		t.Fatal(err)
	}
	var second map[string]any
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatal(err)
	}
	if second["type"] != string(events.TypeStatus) {
		t.Errorf("expected status reply, got %v", second)
	}

	// Connecting pushes the Initializing status.
	if code, _ := f.do(t, http.MethodPost, "/api/connect", nil); code != http.StatusOK {
		t.Fatal("connect failed")
	}
	for {
		var evt map[string]any
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("no push after connect: %v", err)
		}
		data, _ := evt["data"].(map[string]any)
		if evt["type"] == string(events.TypeStatus) && data["state"] == string(session.StateInitializing) {
			break
		}
	}
}

func TestRecoverMiddleware(t *testing.T) {
	g := New(nil, nil, Config{}, "test", quietLogger())
	h := g.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["success"] != false {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestDecodeMedia(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("abc"))
	tests := []struct {
		name     string
		in       string
		wantMime string
		wantErr  bool
	}{
		{"plain base64", raw, "", false},
		{"data url", "data:audio/ogg;base64," + raw, "audio/ogg", false},
		{"empty", "", "", true},
		{"not base64", "***", "", true},
		{"data url without base64", "data:text/plain,abc", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, mime, err := decodeMedia(tt.in)
			if tt.wantErr {
				if !errors.Is(err, session.ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "abc" || mime != tt.wantMime {
				t.Errorf("got (%q, %q)", data, mime)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrInvalidRequest, http.StatusBadRequest},
		{session.ErrAlreadyActive, http.StatusConflict},
		{outbound.ErrQueueFull, http.StatusTooManyRequests},
		{session.ErrSessionUnavailable, http.StatusServiceUnavailable},
		{adapter.ErrUnsupported, http.StatusNotImplemented},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
