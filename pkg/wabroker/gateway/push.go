package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/wabroker/pkg/wabroker/events"
)

const wsWriteTimeout = 10 * time.Second

// writeSSE writes a named SSE event to the response writer.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt events.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleSSE implements GET /api/events. The first event is always the
// current status.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := g.manager.Events().Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("gateway: sse client connected", "subscription", sub.ID())
	keepAlive := time.NewTicker(g.config.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("gateway: sse client disconnected", "subscription", sub.ID(), "dropped", sub.Dropped())
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, evt); err != nil {
				return
			}
		}
	}
}

// clientMessage is a frame sent by a WebSocket observer.
type clientMessage struct {
	Type string `json:"type"`
}

// handleWS implements GET /api/ws. Clients may send {"type":"request_status"}
// to receive the current status immediately.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.CORSOrigins,
	})
	if err != nil {
		g.logger.Debug("gateway: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := g.manager.Events().Subscribe()
	defer sub.Close()
	g.logger.Debug("gateway: ws client connected", "subscription", sub.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	statusReq := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			var msg clientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == "request_status" {
				select {
				case statusReq <- struct{}{}:
				default:
				}
			}
		}
	}()

	keepAlive := time.NewTicker(g.config.KeepAlive)
	defer keepAlive.Stop()

	write := func(evt events.Event) error {
		wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer wcancel()
		return wsjson.Write(wctx, conn, evt)
	}

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("gateway: ws client disconnected", "subscription", sub.ID(), "dropped", sub.Dropped())
			return
		case <-keepAlive.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case <-statusReq:
			if err := write(events.Event{Type: events.TypeStatus, Time: time.Now(), Data: g.manager.CurrentStatus()}); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := write(evt); err != nil {
				return
			}
		}
	}
}
