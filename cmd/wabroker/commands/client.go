package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

// apiClient talks to a running broker's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// addClientFlags registers the flags shared by commands that call the API.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "broker URL (default: derived from gateway.address)")
	cmd.Flags().String("token", "", "API token (default: gateway.auth_token)")
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = baseURL(cfg.Gateway.Address)
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Gateway.AuthToken
	}
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: token,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// baseURL turns a listen address into a URL reachable from this host.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("broker returned %d: %s", e.Status, e.Message)
}

// do sends a JSON request and decodes a JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling broker at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// dialEvents opens the realtime WebSocket channel.
func (c *apiClient) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(c.base, "http") + "/api/ws"
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	return conn, nil
}
