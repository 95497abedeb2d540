package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":3000", "http://127.0.0.1:3000"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{"[::]:8080", "http://127.0.0.1:8080"},
		{"192.168.1.10:3000", "http://192.168.1.10:3000"},
		{"localhost:3000", "http://localhost:3000"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.addr); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"invalid token"}`))
			return
		}
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"state":"Ready","queueDepth":2}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"message":"session unavailable"}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := &apiClient{base: srv.URL, token: "tok", http: srv.Client()}

	var st session.Status
	if err := client.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != session.StateReady || st.QueueDepth != 2 {
		t.Errorf("unexpected status %+v", st)
	}

	err := client.do(ctx, http.MethodPost, "/api/send", map[string]string{"chatId": "x"}, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "session unavailable" {
		t.Errorf("unexpected error %v", err)
	}

	client.token = "wrong"
	err = client.do(ctx, http.MethodGet, "/api/status", nil, nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMediaBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	data := []byte("\x89PNG\r\n\x1a\nrest")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	body, err := mediaBody(path)
	if err != nil {
		t.Fatal(err)
	}
	if body["mimetype"] != "image/png" || body["filename"] != "photo.png" {
		t.Errorf("unexpected body %v", body)
	}
	decoded, _ := base64.StdEncoding.DecodeString(body["media"])
	if !bytes.Equal(decoded, data) {
		t.Error("media not round-tripped")
	}

	if _, err := mediaBody(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestPrintStatus(t *testing.T) {
	qrCode := "2@abc"
	var buf bytes.Buffer
	printStatus(&buf, session.Status{
		State:                session.StateDisconnected,
		ReconnectAttempts:    2,
		MaxReconnectAttempts: 5,
		ReconnectPending:     true,
		LastDisconnect:       "NETWORK",
		QRCode:               &qrCode,
	})
	out := buf.String()
	for _, want := range []string{"Disconnected", "2/5", "retry pending", "NETWORK", "QR code pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFollowEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		now := time.Now()
		frames := []events.Event{
			{Type: events.TypeStatus, Time: now, Data: session.Status{State: session.StateInitializing}},
			{Type: events.TypeQR, Time: now, Data: session.QRChallenge{Code: "2@pairing", IssuedAt: now}},
			{Type: events.TypeStatus, Time: now, Data: session.Status{State: session.StateAwaitingScan}},
			{Type: events.TypeStatus, Time: now, Data: session.Status{
				State:          session.StateReady,
				ClientIdentity: &adapter.Identity{DisplayName: "Front Desk", PlatformID: "5511999990000"},
			}},
		}
		for _, f := range frames {
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		}
		// Hold the connection until the client leaves.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client := &apiClient{base: srv.URL, http: srv.Client()}
	conn, err := client.dialEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var out bytes.Buffer
	if err := followEvents(ctx, conn, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Initializing", "Scan with WhatsApp", "AwaitingScan", "connected as Front Desk"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRootCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "wabroker 1.2.3") {
		t.Errorf("unexpected version output %q", out.String())
	}

	for _, name := range []string{"serve", "status", "connect", "disconnect", "send", "token", "init"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Errorf("missing command %s: %v", name, err)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateToken()
	if len(a) != 64 || a == b {
		t.Errorf("unexpected tokens %q %q", a, b)
	}
}
