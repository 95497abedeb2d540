package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wabroker/pkg/wabroker/events"
	"github.com/jholhewres/wabroker/pkg/wabroker/qr"
	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

// newStatusCmd creates `wabroker status`.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session status of a running broker",
		Long: `Print the session state. With --watch, follow status and QR updates
until Ready or Ctrl+C, rendering each QR code in the terminal so a
headless host can be paired.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if watch {
				return watchSession(cmd.Context(), client, cmd.OutOrStdout())
			}

			var st session.Status
			if err := client.do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			if showQR, _ := cmd.Flags().GetBool("qr"); showQR && st.QRCode != nil {
				printQR(cmd.OutOrStdout(), *st.QRCode)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("qr", false, "render the pending QR code")
	cmd.Flags().BoolP("watch", "w", false, "follow status updates until ready")
	return cmd
}

// newConnectCmd creates `wabroker connect`.
func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Start a connection cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			watch, _ := cmd.Flags().GetBool("watch")

			// Subscribe first so no QR code is missed.
			var conn *websocket.Conn
			if watch {
				if conn, err = client.dialEvents(ctx); err != nil {
					return err
				}
				defer conn.Close(websocket.StatusNormalClosure, "")
			}

			var resp struct {
				Message string `json:"message"`
			}
			if err := client.do(ctx, http.MethodPost, "/api/connect", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			if conn == nil {
				return nil
			}
			return followEvents(ctx, conn, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolP("watch", "w", true, "follow status and QR updates until ready")
	return cmd
}

// newDisconnectCmd creates `wabroker disconnect`.
func newDisconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Close the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			path := "/api/disconnect"
			if logout, _ := cmd.Flags().GetBool("logout"); logout {
				path += "?logout=true"
			}
			var resp struct {
				Message string `json:"message"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("logout", false, "unlink the device before closing")
	return cmd
}

// newSendCmd creates `wabroker send`.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <chat-id> [message]",
		Short: "Send a text or media message",
		Long: `Queue a message through the broker and wait for it to be dispatched.

Examples:
  wabroker send 5511999999999 "hello"
  wabroker send 5511999999999 "invoice" --media ./invoice.pdf`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var text string
			if len(args) > 1 {
				text = args[1]
			}

			var resp struct {
				MessageID string `json:"messageId"`
				RequestID string `json:"requestId"`
			}
			mediaPath, _ := cmd.Flags().GetString("media")
			if mediaPath == "" {
				if text == "" {
					return fmt.Errorf("a message or --media is required")
				}
				err = client.do(cmd.Context(), http.MethodPost, "/api/send",
					map[string]string{"chatId": args[0], "message": text}, &resp)
			} else {
				var body map[string]string
				if body, err = mediaBody(mediaPath); err != nil {
					return err
				}
				body["chatId"] = args[0]
				body["caption"] = text
				err = client.do(cmd.Context(), http.MethodPost, "/api/send-media", body, &resp)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (request %s)\n", resp.MessageID, resp.RequestID)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("media", "", "file to attach")
	return cmd
}

// mediaBody reads a file into the send-media request fields.
func mediaBody(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading media: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return map[string]string{
		"media":    base64.StdEncoding.EncodeToString(data),
		"mimetype": mimeType,
		"filename": filepath.Base(path),
	}, nil
}

func printStatus(w io.Writer, st session.Status) {
	fmt.Fprintf(w, "State:      %s\n", st.State)
	if st.ClientIdentity != nil {
		fmt.Fprintf(w, "Account:    %s (%s)\n", st.ClientIdentity.DisplayName, st.ClientIdentity.PlatformID)
	}
	if st.MaxReconnectAttempts > 0 {
		fmt.Fprintf(w, "Reconnects: %d/%d", st.ReconnectAttempts, st.MaxReconnectAttempts)
		if st.ReconnectPending {
			fmt.Fprint(w, " (retry pending)")
		}
		fmt.Fprintln(w)
	}
	if st.LastDisconnect != "" {
		fmt.Fprintf(w, "Last drop:  %s\n", st.LastDisconnect)
	}
	fmt.Fprintf(w, "Queue:      %d\n", st.QueueDepth)
	if st.QRCode != nil {
		fmt.Fprintln(w, "QR code pending, run with --qr to display it")
	}
}

func printQR(w io.Writer, code string) {
	art, err := qr.Terminal(code)
	if err != nil {
		fmt.Fprintf(w, "could not render QR code: %v\n", err)
		return
	}
	fmt.Fprintln(w, "Scan with WhatsApp > Linked devices:")
	fmt.Fprintln(w, art)
}

func watchSession(ctx context.Context, client *apiClient, w io.Writer) error {
	conn, err := client.dialEvents(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	return followEvents(ctx, conn, w)
}

// followEvents prints status and QR pushes until the session is Ready, the
// broker goes away or the user interrupts.
func followEvents(ctx context.Context, conn *websocket.Conn, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lastState session.State
	for {
		var evt struct {
			Type events.Type     `json:"type"`
			Time time.Time       `json:"timestamp"`
			Data json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}

		switch evt.Type {
		case events.TypeStatus:
			var st session.Status
			if err := json.Unmarshal(evt.Data, &st); err != nil {
				continue
			}
			if st.State != lastState {
				fmt.Fprintf(w, "%s  %s\n", evt.Time.Format(time.TimeOnly), st.State)
				lastState = st.State
			}
			if st.State == session.StateReady {
				if st.ClientIdentity != nil {
					fmt.Fprintf(w, "connected as %s (%s)\n", st.ClientIdentity.DisplayName, st.ClientIdentity.PlatformID)
				}
				return nil
			}
		case events.TypeQR:
			var challenge session.QRChallenge
			if err := json.Unmarshal(evt.Data, &challenge); err == nil {
				printQR(w, challenge.Code)
			}
		case events.TypeError, events.TypeDisconnected:
			fmt.Fprintf(w, "%s  %s %s\n", evt.Time.Format(time.TimeOnly), evt.Type, evt.Data)
		}
	}
}
