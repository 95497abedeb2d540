package session

import (
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/chatcache"
	"github.com/jholhewres/wabroker/pkg/wabroker/outbound"
	"github.com/jholhewres/wabroker/pkg/wabroker/probe"
	"github.com/jholhewres/wabroker/pkg/wabroker/reconnect"
)

// Config gathers the tunables of the session core.
type Config struct {
	// InitTimeout bounds adapter Initialize. Default: 30s
	InitTimeout time.Duration `yaml:"init_timeout"`

	// DestroyTimeout bounds adapter Logout and Destroy. Default: 10s
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`

	Probe     probe.Config     `yaml:"probe"`
	Reconnect reconnect.Config `yaml:"reconnect"`
	Outbound  outbound.Config  `yaml:"outbound"`
	Cache     chatcache.Config `yaml:"cache"`
	Chats     ChatsConfig      `yaml:"chats"`
	Messages  MessagesConfig   `yaml:"messages"`

	// EventBuffer is the per-subscriber push queue length. Default: 64
	EventBuffer int `yaml:"event_buffer"`
}

// ChatsConfig controls chat listing.
type ChatsConfig struct {
	// Limit caps the listed chats, most recent first. Default: 50
	Limit int `yaml:"limit"`

	// FetchTimeout bounds the adapter listing call. Default: 15s
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// LookupTimeout bounds each profile picture lookup. Default: 3s
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// MessagesConfig controls message fetching.
type MessagesConfig struct {
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitTimeout:    30 * time.Second,
		DestroyTimeout: 10 * time.Second,
		Probe:          probe.DefaultConfig(),
		Reconnect:      reconnect.DefaultConfig(),
		Outbound:       outbound.DefaultConfig(),
		Cache:          chatcache.DefaultConfig(),
		Chats: ChatsConfig{
			Limit:         50,
			FetchTimeout:  15 * time.Second,
			LookupTimeout: 3 * time.Second,
		},
		Messages: MessagesConfig{
			DefaultLimit: 50,
			MaxLimit:     500,
			FetchTimeout: 15 * time.Second,
		},
		EventBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = d.DestroyTimeout
	}
	if c.Chats.Limit <= 0 {
		c.Chats.Limit = d.Chats.Limit
	}
	if c.Chats.FetchTimeout <= 0 {
		c.Chats.FetchTimeout = d.Chats.FetchTimeout
	}
	if c.Chats.LookupTimeout <= 0 {
		c.Chats.LookupTimeout = d.Chats.LookupTimeout
	}
	if c.Messages.DefaultLimit <= 0 {
		c.Messages.DefaultLimit = d.Messages.DefaultLimit
	}
	if c.Messages.MaxLimit <= 0 {
		c.Messages.MaxLimit = d.Messages.MaxLimit
	}
	if c.Messages.FetchTimeout <= 0 {
		c.Messages.FetchTimeout = d.Messages.FetchTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// clampLimit applies the default and maximum message limits.
func (c MessagesConfig) clampLimit(limit int) int {
	if limit <= 0 {
		return c.DefaultLimit
	}
	return min(limit, c.MaxLimit)
}
