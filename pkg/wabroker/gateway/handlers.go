package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
	"github.com/jholhewres/wabroker/pkg/wabroker/outbound"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

// maxJSONBody caps non-media request bodies.
const maxJSONBody = 1 << 20

var errStoreDisabled = errors.New("persistence is disabled")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// statusFor maps a broker error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, adapter.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, outbound.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, adapter.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case session.IsUnavailable(err), errors.Is(err, adapter.ErrNotReady),
		errors.Is(err, adapter.ErrNotConnected), errors.Is(err, errStoreDisabled),
		errors.Is(err, store.ErrDisabled), errors.Is(err, outbound.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		g.logger.Warn("gateway: request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body: %v", session.ErrInvalidRequest, err)
	}
	return nil
}

// ---------- Health ----------

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := g.manager.CurrentStatus()
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     g.version,
		"uptime":      uptime,
		"state":       st.State,
		"connected":   st.Connected,
		"queueDepth":  st.QueueDepth,
		"subscribers": g.manager.Events().Count(),
	})
}

// handlePing implements GET /api/ping
func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "pong",
		"time":    time.Now(),
	})
}

// ---------- Session control ----------

// handleConnect implements POST /api/connect
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := g.manager.Connect(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "connection started, watch the status channel for a QR code",
	})
}

// handleDisconnect implements POST /api/disconnect[?logout=true]
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	logout, _ := strconv.ParseBool(r.URL.Query().Get("logout"))
	if err := g.manager.Disconnect(r.Context(), logout); err != nil {
		g.fail(w, r, err)
		return
	}
	msg := "disconnected"
	if logout {
		msg = "logged out and disconnected"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.manager.CurrentStatus())
}

// handleProbe implements POST /api/probe
func (g *Gateway) handleProbe(w http.ResponseWriter, r *http.Request) {
	if st := g.manager.CurrentStatus(); st.State != session.StateDegraded {
		writeError(w, http.StatusConflict, fmt.Sprintf("re-probe only applies to a degraded session, session is %s", st.State))
		return
	}
	if err := g.manager.Reprobe(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "re-probe started"})
}

// ---------- Chats and messages ----------

// handleChats implements GET /api/chats
func (g *Gateway) handleChats(w http.ResponseWriter, r *http.Request) {
	list, err := g.manager.ListChats(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chats":   list.Chats,
		"total":   list.Total,
	})
}

// handleMessages implements GET /api/messages/{chatId}?limit=N
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := g.manager.FetchMessages(r.Context(), r.PathValue("chatId"), limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

type sendRequest struct {
	ChatID   string `json:"chatId"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
	Text     string `json:"text"`
}

func (s sendRequest) target() string {
	if s.ChatID != "" {
		return s.ChatID
	}
	return s.TargetID
}

// handleSend implements POST /api/send
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, maxJSONBody, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	text := req.Message
	if text == "" {
		text = req.Text
	}
	g.send(w, r, req.target(), adapter.Payload{Text: text})
}

type sendMediaRequest struct {
	sendRequest
	Media    string `json:"media"`
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

// handleSendMedia implements POST /api/send-media
func (g *Gateway) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	// Base64 inflates by 4/3; leave room for the JSON envelope.
	limit := g.config.MaxMediaBytes*4/3 + maxJSONBody
	var req sendMediaRequest
	if err := decodeBody(w, r, limit, &req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "media exceeds the size limit")
			return
		}
		g.fail(w, r, err)
		return
	}

	data, mime, err := decodeMedia(req.Media)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if int64(len(data)) > g.config.MaxMediaBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "media exceeds the size limit")
		return
	}
	if req.MimeType != "" {
		mime = req.MimeType
	}
	caption := req.Caption
	if caption == "" {
		caption = req.Message
	}
	g.send(w, r, req.target(), adapter.Payload{Media: &adapter.Media{
		MimeType: mime,
		Filename: req.Filename,
		Caption:  caption,
		Data:     data,
	}})
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, target string, p adapter.Payload) {
	res, err := g.manager.Send(r.Context(), target, p)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"requestId": res.RequestID,
	})
}

// decodeMedia accepts plain base64 or a data URL and returns the bytes and
// the MIME type carried by the data URL, if any.
func decodeMedia(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", fmt.Errorf("%w: media is required", session.ErrInvalidRequest)
	}
	var mime string
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: media data URL must be base64 encoded", session.ErrInvalidRequest)
		}
		mime = strings.TrimSuffix(meta, ";base64")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: media is not valid base64: %v", session.ErrInvalidRequest, err)
	}
	return data, mime, nil
}

// handleProfilePic implements GET /api/profile-pic/{chatId}
func (g *Gateway) handleProfilePic(w http.ResponseWriter, r *http.Request) {
	url, err := g.manager.ProfilePicture(r.Context(), r.PathValue("chatId"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	var out *string
	if url != "" {
		out = &url
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": out})
}

// handleMedia implements GET /api/media/{messageId}
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	data, mime, err := g.manager.DownloadMedia(r.Context(), r.PathValue("messageId"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ---------- Persistence reads ----------

// handleQuickReplies implements GET /api/quick-replies
func (g *Gateway) handleQuickReplies(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.fail(w, r, errStoreDisabled)
		return
	}
	replies, err := g.store.ListQuickReplies(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quickReplies": replies})
}

// handleLogs implements GET /api/logs/{chatId}?limit=N
func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.fail(w, r, errStoreDisabled)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := g.store.ListMessages(r.Context(), r.PathValue("chatId"), limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}
