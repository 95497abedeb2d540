// Package whatsapp implements the session adapter on top of whatsmeow, a
// native Go WhatsApp Web client. One Client wraps one whatsmeow connection
// and its device store; the broker creates a fresh Client for every
// connection cycle and destroys it before building the next.
//
// whatsmeow keeps no chat or message store of its own, so the Client
// indexes history sync batches and live traffic locally and serves chat
// listing and message fetching from that index.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// Config holds WhatsApp adapter configuration.
type Config struct {
	// SessionDir is the directory holding the device store.
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file for the device store.
	// If empty, defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// HistoryLimit bounds the messages indexed per chat. Default: 500
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:   "./sessions/whatsapp",
		DeviceName:   "wabroker",
		HistoryLimit: 500,
	}
}

func (c Config) dbPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.SessionDir, "whatsapp.db")
}

// Client implements adapter.ClientAdapter and its optional capabilities.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	client    *whatsmeow.Client
	container *sqlstore.Container

	history *history
	paired  atomic.Bool

	// events is closed by Destroy. emitMu guards sends against the close.
	events    chan adapter.Event
	emitMu    sync.RWMutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Bool
}

var (
	_ adapter.ClientAdapter         = (*Client)(nil)
	_ adapter.Prober                = (*Client)(nil)
	_ adapter.ProfilePictureFetcher = (*Client)(nil)
	_ adapter.MediaDownloader       = (*Client)(nil)
	_ adapter.LoggerOuter           = (*Client)(nil)
)

// New creates an unconnected Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.SessionDir == "" {
		cfg.SessionDir = d.SessionDir
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = d.DeviceName
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "whatsapp"),
		history: newHistory(cfg.HistoryLimit),
		events:  make(chan adapter.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Factory returns an adapter.Factory building Clients from cfg.
func Factory(cfg Config, logger *slog.Logger) adapter.Factory {
	return func() (adapter.ClientAdapter, error) {
		return New(cfg, logger), nil
	}
}

func (c *Client) current() *whatsmeow.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// connected returns the client when it is logged in and connected.
func (c *Client) connected() (*whatsmeow.Client, error) {
	cl := c.current()
	if cl == nil || !cl.IsConnected() {
		return nil, adapter.ErrNotConnected
	}
	return cl, nil
}

// emit delivers an event to the session. It blocks while the consumer is
// busy but never after Destroy.
func (c *Client) emit(evt adapter.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// ---------- ClientAdapter ----------

// Initialize opens the device store and starts connecting. Without a
// stored device the QR login runs in the background and codes are emitted
// as adapter events.
func (c *Client) Initialize(ctx context.Context) error {
	if c.destroyed.Load() {
		return fmt.Errorf("whatsapp: client already destroyed")
	}

	dbPath := c.cfg.dbPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	c.logger.Info("whatsapp: opening device store", "path", dbPath)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", dbPath),
		newLogBridge(c.logger, "store"))
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(c.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, newLogBridge(c.logger, "client"))
	// Reconnection is the session's decision, not the client's.
	client.EnableAutoReconnect = false
	client.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		_ = container.Close()
		return fmt.Errorf("whatsapp: client destroyed during initialization")
	}
	c.client = client
	c.container = container
	c.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		c.logger.Info("whatsapp: no stored session, waiting for QR scan")
		go c.watchQR(qrChan)
		return nil
	}

	c.paired.Store(false)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	c.logger.Info("whatsapp: resuming stored session", "jid", client.Store.ID.String())
	return nil
}

// watchQR forwards pairing codes until the login finishes.
func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	codes := 0
	for item := range qrChan {
		switch item.Event {
		case "code":
			codes++
			c.logger.Info("whatsapp: QR code generated", "attempt", codes, "timeout", item.Timeout)
			c.emit(adapter.QRIssued(item.Code))
		case "success":
			c.logger.Info("whatsapp: QR login successful")
			return
		case "timeout":
			c.logger.Warn("whatsapp: QR code expired without a scan")
			c.emit(adapter.AuthFailed("QR_TIMEOUT"))
			return
		default:
			err := item.Error
			if err == nil {
				err = errors.New(item.Event)
			}
			c.logger.Error("whatsapp: QR login error", "event", item.Event, "error", err)
			c.emit(adapter.Failure(fmt.Errorf("QR login: %w", err), true))
			return
		}
	}
}

// Events returns the adapter event stream.
func (c *Client) Events() <-chan adapter.Event { return c.events }

// Send delivers text, or uploads and delivers media.
func (c *Client) Send(ctx context.Context, target string, p adapter.Payload) (string, error) {
	cl, err := c.connected()
	if err != nil {
		return "", err
	}
	jid, err := parseJID(target)
	if err != nil {
		return "", err
	}

	var msg *waE2E.Message
	if p.Media != nil {
		msg, err = c.buildMediaMessage(ctx, cl, p.Media)
		if err != nil {
			return "", fmt.Errorf("building media message: %w", err)
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(p.Text)}
	}

	resp, err := cl.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	sent := types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:     jid,
			IsFromMe: true,
			IsGroup:  jid.Server == types.GroupServer,
		},
		ID:        resp.ID,
		Timestamp: resp.Timestamp,
	}
	if cl.Store.ID != nil {
		sent.Sender = *cl.Store.ID
	}
	if sent.Timestamp.IsZero() {
		sent.Timestamp = time.Now()
	}
	c.history.add(toMessage(sent, msg), msg)
	return string(resp.ID), nil
}

func (c *Client) buildMediaMessage(ctx context.Context, cl *whatsmeow.Client, m *adapter.Media) (*waE2E.Message, error) {
	kind := adapter.MediaKind(m.MimeType)
	var mediaType whatsmeow.MediaType
	switch kind {
	case adapter.MessageImage:
		mediaType = whatsmeow.MediaImage
	case adapter.MessageAudio:
		mediaType = whatsmeow.MediaAudio
	case adapter.MessageVideo:
		mediaType = whatsmeow.MediaVideo
	default:
		mediaType = whatsmeow.MediaDocument
	}

	up, err := cl.Upload(ctx, m.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", kind, err)
	}
	length := proto.Uint64(uint64(len(m.Data)))

	switch kind {
	case adapter.MessageImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			Caption:       proto.String(m.Caption),
		}}, nil
	case adapter.MessageAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	case adapter.MessageVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
			Caption:       proto.String(m.Caption),
		}}, nil
	}

	filename := m.Filename
	if filename == "" {
		filename = "file"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(m.MimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    length,
		FileName:      proto.String(filename),
		Caption:       proto.String(m.Caption),
	}}, nil
}

// FetchChats lists indexed chats, naming them from contacts and groups.
func (c *Client) FetchChats(ctx context.Context) ([]adapter.ChatSummary, error) {
	cl := c.current()
	if cl == nil || !cl.IsLoggedIn() {
		return nil, adapter.ErrNotReady
	}

	names := make(map[string]string)
	contacts, err := cl.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading contacts: %w", err)
	}
	for jid, info := range contacts {
		names[jid.String()] = contactName(info)
	}

	groups, err := cl.GetJoinedGroups(ctx)
	if err != nil {
		c.logger.Debug("whatsapp: listing joined groups failed", "error", err)
	}
	for _, g := range groups {
		names[g.JID.String()] = g.Name
		c.history.setName(g.JID.String(), g.Name)
	}

	return c.history.summaries(names), nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.PushName != "":
		return info.PushName
	}
	return info.BusinessName
}

// FetchMessages returns indexed messages of a chat, oldest first.
func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]adapter.Message, error) {
	jid, err := parseJID(chatID)
	if err != nil {
		return nil, err
	}
	if c.current() == nil {
		return nil, adapter.ErrNotConnected
	}
	return c.history.messages(jid.ToNonAD().String(), limit), nil
}

// Probe succeeds once the device is logged in and the local stores can
// answer: a history batch was indexed or the contact store is populated.
func (c *Client) Probe(ctx context.Context) error {
	cl := c.current()
	if cl == nil || !cl.IsLoggedIn() {
		return adapter.ErrNotReady
	}
	if c.history.isSynced() {
		return nil
	}
	contacts, err := cl.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return fmt.Errorf("probing contact store: %w", err)
	}
	if len(contacts) == 0 {
		return adapter.ErrNotReady
	}
	return nil
}

// ProfilePictureURL returns "" when the chat has no visible picture.
func (c *Client) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	cl, err := c.connected()
	if err != nil {
		return "", err
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return "", err
	}
	info, err := cl.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	switch {
	case errors.Is(err, whatsmeow.ErrProfilePictureNotSet), errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("getting profile picture: %w", err)
	case info == nil:
		return "", nil
	}
	return info.URL, nil
}

// DownloadMedia downloads the attachment of an indexed message.
func (c *Client) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	cl, err := c.connected()
	if err != nil {
		return nil, "", err
	}
	msg, ok := c.history.media(messageID)
	if !ok {
		return nil, "", fmt.Errorf("message %s not found in history", messageID)
	}

	var (
		dl   whatsmeow.DownloadableMessage
		mime string
	)
	switch {
	case msg.ImageMessage != nil:
		dl, mime = msg.GetImageMessage(), msg.GetImageMessage().GetMimetype()
	case msg.VideoMessage != nil:
		dl, mime = msg.GetVideoMessage(), msg.GetVideoMessage().GetMimetype()
	case msg.AudioMessage != nil:
		dl, mime = msg.GetAudioMessage(), msg.GetAudioMessage().GetMimetype()
	case msg.DocumentMessage != nil:
		dl, mime = msg.GetDocumentMessage(), msg.GetDocumentMessage().GetMimetype()
	case msg.StickerMessage != nil:
		dl, mime = msg.GetStickerMessage(), msg.GetStickerMessage().GetMimetype()
	default:
		return nil, "", fmt.Errorf("message %s has no downloadable media", messageID)
	}

	data, err := cl.Download(ctx, dl)
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

// Logout unlinks the device. The store is cleared even if the server call
// fails, so the next cycle starts with a QR scan.
func (c *Client) Logout(ctx context.Context) error {
	cl := c.current()
	if cl == nil {
		return nil
	}
	if err := cl.Logout(ctx); err != nil {
		c.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		cl.Disconnect()
		if delErr := cl.Store.Delete(ctx); delErr != nil {
			return fmt.Errorf("deleting device store: %w", delErr)
		}
	}
	c.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// Destroy disconnects, closes the device store and ends the event stream.
func (c *Client) Destroy(ctx context.Context) error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	cl, container := c.client, c.container
	c.client, c.container = nil, nil
	c.mu.Unlock()

	if cl != nil {
		cl.RemoveEventHandlers()
		cl.Disconnect()
	}

	c.emitMu.Lock()
	c.closed = true
	close(c.events)
	c.emitMu.Unlock()

	if container != nil {
		if err := container.Close(); err != nil {
			return fmt.Errorf("closing session store: %w", err)
		}
	}
	c.logger.Info("whatsapp: client destroyed")
	return nil
}
